package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/podushkina/iiifimport/internal/config"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.QueueName,
		queue.WithLockDuration(cfg.LockDuration))
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := scheduler.New(q, cfg.SchedulerInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := s.Monitor(ctx); err != nil {
			log.Printf("Monitor error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")

	cancel()
	wg.Wait()
	log.Println("Scheduler stopped")
}
