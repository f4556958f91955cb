package main

import (
	"context"
	"flag"
	"log"
	"time"

	"gatekeeper/internal/engine/risk"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/store"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	kv, err := store.Open(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer kv.Close()
	db := kv.DB()

	auditLog := audit.NewLogger(db, cfg.Audit.BufferSize)
	defer auditLog.Close()

	history := risk.NewSQLHistory(db)

	log.Println("Starting Gatekeeper maintenance workers...")

	go runStoreSweeper(kv)
	go runAuditPruner(auditLog, cfg.Audit.Retention)
	go runLoginEventPruner(history, cfg.Risk.LocationWindow)

	// Keep process alive
	select {}
}

// runStoreSweeper removes expired key-value records. Reads already treat
// expired rows as missing; this just reclaims the space.
func runStoreSweeper(kv *store.SQLiteStore) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := kv.Sweep(ctx)
		cancel()
		if err != nil {
			log.Printf("Error sweeping store: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("Swept %d expired records", n)
		}
	}
}

func runAuditPruner(auditLog *audit.Logger, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		before := time.Now().Add(-retention).Unix()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		n, err := auditLog.Prune(ctx, before)
		cancel()
		if err != nil {
			log.Printf("Error pruning audit log: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("Pruned %d audit entries", n)
		}
	}
}

// runLoginEventPruner keeps login history a little longer than the
// location baseline window so risk scoring always has a full window.
func runLoginEventPruner(history *risk.SQLHistory, window time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		before := time.Now().Add(-2 * window).Unix()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		n, err := history.Prune(ctx, before)
		cancel()
		if err != nil {
			log.Printf("Error pruning login events: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("Pruned %d login events", n)
		}
	}
}
