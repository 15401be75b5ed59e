package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/podushkina/iiifimport/internal/api"
	"github.com/podushkina/iiifimport/internal/config"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/taskstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.QueueName,
		queue.WithLockDuration(cfg.LockDuration),
		queue.WithMaxAttempts(cfg.MaxAttempts))
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis")

	store := taskstore.New(q.Client(), q)
	handler := api.NewHandler(store)
	router := api.NewRouter(handler, cfg.TaskStoreToken)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
