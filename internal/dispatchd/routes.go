package dispatchd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fieldside/dispatch/internal/channel"
)

// SetupRoutes wires the dev server's HTTP surface: login, the websocket
// endpoint, and the operator endpoints used to drive offers in development.
func SetupRoutes(auth *AuthHandler, hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", auth.Login).Methods(http.MethodPost)
	r.HandleFunc("/ws", hub.ServeWS)

	r.HandleFunc("/api/offers", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			WorkerID        string `json:"workerId"`
			Address         string `json:"address"`
			ServiceCategory string `json:"serviceCategory"`
			TimeoutSeconds  int    `json:"timeoutSeconds"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if body.WorkerID == "" || body.Address == "" || body.ServiceCategory == "" {
			http.Error(w, "Missing fields", http.StatusBadRequest)
			return
		}

		offer := channel.OfferNew{
			OfferID:         uuid.NewString(),
			Address:         body.Address,
			ServiceCategory: body.ServiceCategory,
			TimeoutSeconds:  body.TimeoutSeconds,
		}
		if err := hub.PushOffer(body.WorkerID, offer); err != nil {
			if errors.Is(err, ErrWorkerOffline) {
				http.Error(w, "Worker not connected", http.StatusConflict)
				return
			}
			http.Error(w, "Push failed", http.StatusInternalServerError)
			return
		}
		logger.Info("offer pushed", "worker_id", body.WorkerID, "offer_id", offer.OfferID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(offer)
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/workers/{id}/location", func(w http.ResponseWriter, req *http.Request) {
		loc, ok := hub.LastFix(mux.Vars(req)["id"])
		if !ok {
			http.Error(w, "No location reported", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loc)
	}).Methods(http.MethodGet)

	return loggingMiddleware(logger, r)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
		)
		next.ServeHTTP(w, r)
	})
}
