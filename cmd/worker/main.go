package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/podushkina/iiifimport/internal/blob"
	"github.com/podushkina/iiifimport/internal/config"
	"github.com/podushkina/iiifimport/internal/iiif"
	"github.com/podushkina/iiifimport/internal/importer"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/resource"
	"github.com/podushkina/iiifimport/internal/taskclient"
	"github.com/podushkina/iiifimport/internal/worker"
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

	tasks := taskclient.New(cfg.TaskStoreURL, cfg.TaskStoreToken)

	im := importer.New(importer.Deps{
		Tasks:     tasks,
		Resources: resource.New(q.Client()),
		Blobs:     blob.New(cfg.FileDirectory),
		Fetcher:   iiif.NewFetcher(cfg.FetchTimeout),
		Cache:     iiif.NewCache(cfg.CacheSize, cfg.CacheTTL),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := worker.DefaultRetryPolicy()
	policy.BaseDelay = cfg.RetryBaseDelay

	pool := worker.NewPool(q, cfg.WorkerCount, policy)
	im.Register(pool)
	pool.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		importer.NewReconciler(tasks, q, cfg.StallAfter).Run(ctx, cfg.ReconcileInterval)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")

	cancel()
	pool.Stop()
	wg.Wait()
	log.Println("Worker stopped")
}
