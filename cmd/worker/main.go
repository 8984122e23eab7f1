package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreamforge/dreamforge-backend/internal/app"
	"github.com/dreamforge/dreamforge-backend/internal/worker"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	if a.RedisQueue == nil {
		// eager mode runs steps inside the API process; a worker has
		// nothing to consume
		a.Log.Fatal("worker requires DF_REDIS_URL and DF_CELERY_EAGER=false")
	}

	pool := worker.NewPool(a.RedisQueue, a.Executor.ExecuteTask, a.Cfg.WorkerConcurrency, a.Log)
	if err := pool.Start(ctx); err != nil {
		a.Log.Fatal("worker start failed", "error", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	a.Log.Info("shutting down")
	pool.Stop()
}
