package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldside/dispatch/internal/config"
	"github.com/fieldside/dispatch/internal/db"
	"github.com/fieldside/dispatch/internal/geo"
	"github.com/fieldside/dispatch/internal/lifecycle"
	"github.com/fieldside/dispatch/internal/models"
	"github.com/fieldside/dispatch/internal/offer"
	"github.com/fieldside/dispatch/internal/presence"
	"github.com/fieldside/dispatch/internal/repository/sqlite"
	"github.com/fieldside/dispatch/internal/session"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config YAML file")
		document   = flag.String("document", "", "Worker document for login")
		password   = flag.String("password", "", "Worker password for login")
		token      = flag.String("token", "", "Bearer token (skips login)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting dispatch agent version %s (built at %s)", version, buildTime)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	conn, err := db.New(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}

	store, err := sqlite.New(ctx, conn, logger)
	if err != nil {
		log.Fatalf("Failed to init store: %v", err)
	}

	src := geo.NewSimulatedSource(cfg.StartLatitude, cfg.StartLongitude)

	pres := presence.New(src, presence.Options{
		ServerURL:    cfg.ServerURL,
		Interval:     cfg.ReportInterval,
		DialAttempts: cfg.DialAttempts,
		RetryDelay:   cfg.DialRetryDelay,
		AckTimeout:   cfg.AckTimeout,
		Logger:       logger,
		OnStatus: func(st presence.State) {
			logger.Info("presence", "status", st.Status, "err", st.LastError)
		},
	})

	offers := offer.NewSession(pres, offer.Options{
		Tick:            cfg.OfferTick,
		DefaultDeadline: cfg.OfferDeadline,
		Logger:          logger,
	})
	offers.OnPresented(func(o models.Offer) {
		logger.Info("offer presented", "offer_id", o.ID, "address", o.Address, "deadline", o.DeadlineTicks)
	})
	offers.OnTick(func(o models.Offer, remaining int) {
		logger.Debug("offer countdown", "offer_id", o.ID, "remaining", remaining)
	})

	jobs := lifecycle.New(store, logger)

	svc := session.New(store, store, pres, offers, jobs, logger)

	if *token == "" && *document != "" {
		*token, err = login(ctx, cfg.APIURL, *document, *password)
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}
	}

	if *token != "" {
		if _, err := svc.Login(ctx, *token); err != nil {
			log.Fatalf("Failed to establish session: %v", err)
		}
		svc.SetFocused(true)
	} else if sess, err := svc.Resume(ctx); err == nil && sess != nil {
		log.Printf("Resumed session for %s", sess.Name)
		svc.SetFocused(true)
	} else {
		log.Println("No credentials; pass -document/-password or -token")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := svc.Logout(shutdownCtx); err != nil {
		log.Printf("Error during logout: %v", err)
	}
	if err := conn.Close(); err != nil {
		log.Printf("Error closing DB: %v", err)
	}

	log.Println("Agent exited")
}

// login exchanges worker credentials for a bearer token.
func login(ctx context.Context, apiURL, document, password string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"document": document,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("login: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
