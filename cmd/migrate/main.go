package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ollama_logger/internal/config"
	"ollama_logger/internal/storage"
)

func main() {
	recent := flag.Int("recent", 0, "print the most recent N request logs after migrating")
	flag.Parse()

	fmt.Println("Ollama Logger - Schema Migration")
	fmt.Println(strings.Repeat("=", 48))

	// Load configuration (primarily for database connection)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Driver == "none" {
		fmt.Fprintln(os.Stderr, "ERROR: DB_DRIVER is none; nothing to migrate")
		os.Exit(1)
	}

	// Connect to database
	fmt.Printf("Connecting to %s database...\n", cfg.Database.Driver)
	dbConfig := storage.DefaultDBConfig()
	dbConfig.Driver = cfg.Database.Driver
	dbConfig.URL = cfg.Database.URL
	dbConfig.SQLitePath = cfg.Database.SQLitePath
	dbConfig.MaxOpenConns = 1
	dbConfig.MaxIdleConns = 1

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Database connection established")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Applying request_logs schema...")
	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to apply schema: %v\n", err)
		os.Exit(1)
	}

	repo := db.NewRequestLogRepository()
	count, err := repo.Count(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to count request logs: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("SUCCESS: Schema is up to date")
	fmt.Printf("  Driver:       %s\n", db.Driver())
	fmt.Printf("  Request logs: %d\n", count)

	if *recent > 0 {
		logs, err := repo.ListRecent(ctx, *recent)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to list request logs: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		for _, l := range logs {
			fmt.Printf("  %s  %-6s %-22s %-20s status=%d tokens=%d cost=$%.6f\n",
				l.Timestamp.Format(time.RFC3339), l.Method, l.Path, l.Model,
				l.HTTPStatus, l.TotalTokens, l.CostDollars)
		}
	}
}
