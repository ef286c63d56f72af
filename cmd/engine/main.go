package main

import (
	"context"
	"log"
	"os"

	"github.com/rawblock/tradeloop-engine/internal/api"
	"github.com/rawblock/tradeloop-engine/internal/config"
	"github.com/rawblock/tradeloop-engine/internal/db"
	"github.com/rawblock/tradeloop-engine/internal/dispatch"
	"github.com/rawblock/tradeloop-engine/internal/persist"
	"github.com/rawblock/tradeloop-engine/internal/scoring"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/internal/webhook"
)

func main() {
	log.Println("Starting TradeLoop Discovery Engine (Microservice: nft-barter-analytics)...")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Printf("FATAL: configuration error: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional Postgres audit store. The engine is fully functional
	// without it; retired cycles and dead letters just stay in memory.
	var dbConn *db.PostgresStore
	if cfg.DatabaseURL != "" {
		dbConn, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without audit persistence. Error: %v", err)
			dbConn = nil
		} else {
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	// A nil *PostgresStore must not become a non-nil sink interface.
	var deadLetterSink webhook.AuditSink
	var retireSink dispatch.AuditSink
	if dbConn != nil {
		deadLetterSink = dbConn
		retireSink = dbConn
	}

	webhooks := webhook.NewDispatcher(webhook.Config{
		Timeout:     cfg.WebhookTimeout(),
		MaxAttempts: cfg.WebhookMaxAttempts,
	}, deadLetterSink)
	webhooks.Start(ctx)

	wsHub := api.NewHub()

	scorer := scoring.New(nil, nil)
	dispatcher := dispatch.New(scorer, webhooks, wsHub.BroadcastLoop, retireSink)

	registry := tenant.NewRegistry()

	if cfg.EnablePersistence {
		mgr := persist.NewManager(cfg.DataDir, registry, cfg.SnapshotInterval())
		loaded := mgr.LoadAll()
		log.Printf("[Snapshot] restored %d tenant(s) from %s", loaded, cfg.DataDir)
		go mgr.Run(ctx)
	}

	r := api.SetupRouter(api.RouterConfig{
		AdminAPIKey:    cfg.AdminAPIKey,
		AllowedOrigins: cfg.AllowedOrigins,
	}, registry, dispatcher, webhooks, dbConn, wsHub)

	log.Printf("Engine running on :%s (API Node: nft-barter-analytics)\n", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Printf("FATAL: server failed to start: %v", err)
		os.Exit(2)
	}
}
