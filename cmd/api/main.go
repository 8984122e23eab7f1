package main

import (
	"context"
	"log"

	"github.com/dreamforge/dreamforge-backend/internal/app"
)

func main() {
	a, err := app.New(context.Background())
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	if err := a.Run(); err != nil {
		a.Log.Fatal("server exited", "error", err)
	}
}
