// Command cleardb wipes all memory from the database: runs, tasks, refs,
// artifacts, decisions, users and agents. The outcome vocabulary and the
// migration ledger survive. When QDRANT_URL is set the mirrored run index
// is emptied as well.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/cleardb
//
// The script asks for confirmation unless --yes is passed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kioku-ai/kioku/internal/search"
	"github.com/kioku-ai/kioku/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	skipConfirm := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if !*skipConfirm {
		fmt.Printf("This deletes ALL stored memory in %s.\nType 'yes' to continue: ", maskDSN(dbURL))
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := storage.New(ctx, dbURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	if qdrantURL := os.Getenv("QDRANT_URL"); qdrantURL != "" {
		index, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        qdrantURL,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			Collection: collectionName(),
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer func() { _ = index.Close() }()

		if err := index.DeleteAll(ctx); err != nil {
			return fmt.Errorf("qdrant clear: %w", err)
		}
		fmt.Println("run index cleared")
	}

	fmt.Println("memory cleared")
	return nil
}

func collectionName() string {
	if c := os.Getenv("QDRANT_COLLECTION"); c != "" {
		return c
	}
	return "kioku_runs"
}

func maskDSN(dsn string) string {
	if i := strings.LastIndex(dsn, "@"); i != -1 {
		if j := strings.Index(dsn, "://"); j != -1 {
			return dsn[:j+3] + "*****@" + dsn[i+1:]
		}
	}
	return dsn
}
