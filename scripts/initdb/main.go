// Command initdb applies the schema migrations and creates the vector
// indexes for the configured embedding dimension.
//
// Usage:
//
//	DATABASE_URL=postgres://... EMBEDDING_DIMENSION=1536 go run ./scripts/initdb
//
// Safe to run multiple times — applied migrations are tracked in
// schema_migrations and index creation is idempotent.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	dim := 1536
	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("EMBEDDING_DIMENSION must be a positive integer, got %q", v)
		}
		dim = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := storage.New(ctx, dbURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := db.CreateVectorIndexes(ctx, dim); err != nil {
		return fmt.Errorf("vector indexes: %w", err)
	}

	fmt.Printf("schema ready, vector indexes created for dimension %d\n", dim)
	return nil
}
