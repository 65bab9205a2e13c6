// Command fixdims rebuilds the vector indexes after an embedding dimension
// change. Stored vectors keep their original dimension — mixed dimensions
// coexist in the untyped columns and mismatched ones are skipped at query
// time — but the partial indexes only cover one dimension at a time.
//
// Usage:
//
//	DATABASE_URL=postgres://... EMBEDDING_DIMENSION=768 go run ./scripts/fixdims
//
// Pass --clear-embeddings to also null out all stored vectors, forcing
// re-embedding with the new model on next write. Old runs then drop out of
// similarity scans until re-ingested.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kioku-ai/kioku/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	clearEmbeddings := flag.Bool("clear-embeddings", false, "null out all stored vectors")
	flag.Parse()

	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	dimStr := os.Getenv("EMBEDDING_DIMENSION")
	if dimStr == "" {
		return fmt.Errorf("EMBEDDING_DIMENSION is required")
	}
	dim, err := strconv.Atoi(dimStr)
	if err != nil || dim <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be a positive integer, got %q", dimStr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := storage.New(ctx, dbURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.DropVectorIndexes(ctx); err != nil {
		return fmt.Errorf("drop indexes: %w", err)
	}
	if *clearEmbeddings {
		if err := db.ClearEmbeddings(ctx); err != nil {
			return fmt.Errorf("clear embeddings: %w", err)
		}
		fmt.Println("stored embeddings cleared")
	}
	if err := db.CreateVectorIndexes(ctx, dim); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	fmt.Printf("vector indexes rebuilt for dimension %d\n", dim)
	return nil
}
