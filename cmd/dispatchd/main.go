package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldside/dispatch/internal/config"
	"github.com/fieldside/dispatch/internal/dispatchd"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting dispatchd version %s (built at %s)", version, buildTime)

	workers, err := dispatchd.LoadWorkers(cfg.Dispatchd.WorkersFile)
	if err != nil {
		log.Fatalf("Failed to load workers file: %v", err)
	}
	log.Printf("Loaded %d worker fixtures from %s", len(workers), cfg.Dispatchd.WorkersFile)

	auth := dispatchd.NewAuthHandler(workers, cfg.Dispatchd.JWTSecret, cfg.Dispatchd.TokenDuration)
	hub := dispatchd.NewHub(cfg.Dispatchd.JWTSecret, nil)
	handler := dispatchd.SetupRoutes(auth, hub, nil)

	server := &http.Server{
		Addr:        cfg.Dispatchd.Addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on %s", cfg.Dispatchd.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
