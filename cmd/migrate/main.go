package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/store"
)

func main() {
	dir := flag.String("dir", "migrations", "Path to migration directory")
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

	if err := runMigrations(kv, *dir); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Migration completed successfully")
}

func runMigrations(kv *store.SQLiteStore, dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	db := kv.DB()
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".sql" {
			continue
		}
		// A very simple migration runner that runs all SQL files in
		// lexical order. Statements are written to be idempotent.
		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file.Name(), err)
		}

		log.Printf("Applying migration: %s", file.Name())
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", file.Name(), err)
		}
	}
	return nil
}
