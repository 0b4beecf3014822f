package dispatchd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldside/dispatch/internal/channel"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrWorkerOffline means no websocket connection exists for the worker.
var ErrWorkerOffline = errors.New("worker not connected")

// Hub tracks one websocket connection per worker, stores their latest
// reported position, and pushes offers to them.
type Hub struct {
	secret string
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*workerConn
	fixes     map[string]channel.LocationUpdate
	decisions map[string]channel.OfferDecision // offerId -> last decision
}

type workerConn struct {
	workerID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func NewHub(secret string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		secret:    secret,
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:     make(map[string]*workerConn),
		fixes:     make(map[string]channel.LocationUpdate),
		decisions: make(map[string]channel.OfferDecision),
	}
}

// ServeWS authenticates the ?token query parameter, upgrades, and serves the
// connection until it drops. A new connection for the same worker replaces
// the old one.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	workerID, err := VerifyToken(r.URL.Query().Get("token"), h.secret)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}

	wc := &workerConn{workerID: workerID, conn: conn}
	h.mu.Lock()
	if old, ok := h.conns[workerID]; ok {
		old.conn.Close()
	}
	h.conns[workerID] = wc
	h.mu.Unlock()
	h.logger.Info("worker connected", "worker_id", workerID)

	go h.pingLoop(wc)
	h.readLoop(wc)

	h.mu.Lock()
	if h.conns[workerID] == wc {
		delete(h.conns, workerID)
	}
	h.mu.Unlock()
	conn.Close()
	h.logger.Info("worker disconnected", "worker_id", workerID)
}

func (h *Hub) readLoop(wc *workerConn) {
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("invalid frame", "worker_id", wc.workerID, "err", err)
			continue
		}
		h.handle(wc, env)
	}
}

func (h *Hub) handle(wc *workerConn, env channel.Envelope) {
	switch env.Event {
	case channel.EventLocationUpdate:
		var loc channel.LocationUpdate
		if err := json.Unmarshal(env.Payload, &loc); err != nil {
			h.ack(wc, env.ID, channel.Ack{Success: false, Error: "bad payload"})
			return
		}
		h.mu.Lock()
		h.fixes[wc.workerID] = loc
		h.mu.Unlock()
		h.ack(wc, env.ID, channel.Ack{Success: true})

	case channel.EventOfferAccept, channel.EventOfferReject:
		var dec channel.OfferDecision
		if err := json.Unmarshal(env.Payload, &dec); err != nil {
			h.logger.Warn("bad decision payload", "worker_id", wc.workerID, "err", err)
			return
		}
		if env.Event == channel.EventOfferReject && dec.Reason == "" {
			dec.Reason = "rejected"
		}
		h.mu.Lock()
		h.decisions[dec.OfferID] = dec
		h.mu.Unlock()
		h.logger.Info("offer decision", "worker_id", wc.workerID, "offer_id", dec.OfferID, "event", env.Event, "reason", dec.Reason)

	default:
		h.logger.Debug("unhandled event", "event", env.Event)
	}
}

func (h *Hub) ack(wc *workerConn, id string, ack channel.Ack) {
	if id == "" {
		return
	}
	payload, _ := json.Marshal(ack)
	h.write(wc, channel.Envelope{Event: channel.EventAck, ID: id, Payload: payload})
}

func (h *Hub) write(wc *workerConn, env channel.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) pingLoop(wc *workerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		wc.writeMu.Lock()
		wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := wc.conn.WriteMessage(websocket.PingMessage, nil)
		wc.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// PushOffer sends offer:new to a connected worker.
func (h *Hub) PushOffer(workerID string, o channel.OfferNew) error {
	h.mu.Lock()
	wc, ok := h.conns[workerID]
	h.mu.Unlock()
	if !ok {
		return ErrWorkerOffline
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return h.write(wc, channel.Envelope{Event: channel.EventOfferNew, Payload: payload})
}

// LastFix returns the worker's latest reported position.
func (h *Hub) LastFix(workerID string) (channel.LocationUpdate, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	loc, ok := h.fixes[workerID]
	return loc, ok
}

// Decision returns the last recorded decision for an offer.
func (h *Hub) Decision(offerID string) (channel.OfferDecision, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dec, ok := h.decisions[offerID]
	return dec, ok
}
