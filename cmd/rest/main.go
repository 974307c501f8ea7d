package main

import (
	"context"
	"log"

	"ai-legalchat-be/internal/bootstrap"
	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/server"
	"ai-legalchat-be/internal/tracer"
	"ai-legalchat-be/pkg/database"
)

func main() {
	// 0. Initialize Tracer (no-op unless OTEL_ENABLED=true)
	shutdownTracer := tracer.InitTracer()
	defer shutdownTracer(context.Background())

	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Database
	gormDB, err := database.NewGormDBFromDSN(cfg.Database.Connection)
	if err != nil {
		log.Panicf("Unable to connect to GORM DB: %v", err)
	}

	// 3. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(gormDB, cfg)

	// 4. Start Background Services
	ctx := context.Background()
	if err := container.Aggregator.Run(ctx); err != nil {
		log.Printf("Background Metrics Error: %v", err)
	}
	go container.Reaper.Run(ctx)

	// 5. Initialize Server
	srv := server.New(cfg, container)

	// 6. Run Server
	log.Fatal(srv.Run())
}
