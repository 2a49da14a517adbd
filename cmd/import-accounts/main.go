// Command import-accounts copies an accounts file into the accounts table.
//
// Usage:
//
//	import-accounts -file accounts.txt [-strategies presets.yaml] [-disable-missing]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/skridlevsky/expert-voter/internal/accounts"
	"github.com/skridlevsky/expert-voter/internal/config"
	"github.com/skridlevsky/expert-voter/internal/db"
	"github.com/skridlevsky/expert-voter/internal/strategy"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	file := flag.String("file", "accounts.txt", "accounts file (login:secret:categoryId[:strategy] per line)")
	strategiesFile := flag.String("strategies", os.Getenv("STRATEGIES_FILE"), "optional YAML strategy presets")
	disableMissing := flag.Bool("disable-missing", false, "disable accounts that are not in the file")
	flag.Parse()

	dbURL, err := config.LoadDatabaseURL()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	registry := strategy.NewRegistry()
	if *strategiesFile != "" {
		if err := registry.LoadFile(*strategiesFile); err != nil {
			log.Fatalf("Failed to load strategies: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	source := &accounts.FileSource{Path: *file, Registry: registry}
	accs, err := source.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to read accounts: %v", err)
	}
	log.Printf("Read %d accounts from %s", len(accs), *file)

	log.Println("Connecting to database...")
	database, err := db.NewPostgres(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Running migrations...")
	if err := db.RunMigrations(ctx, database.Pool()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store := accounts.NewStore(database.Pool(), registry)
	if err := store.Upsert(ctx, accs); err != nil {
		log.Fatalf("Failed to import accounts: %v", err)
	}

	if *disableMissing {
		logins := make([]string, 0, len(accs))
		for _, acc := range accs {
			logins = append(logins, acc.Login)
		}
		disabled, err := store.DisableExcept(ctx, logins)
		if err != nil {
			log.Fatalf("Failed to disable missing accounts: %v", err)
		}
		log.Printf("Disabled %d accounts not present in %s", disabled, *file)
	}

	log.Printf("Import complete: %d accounts", len(accs))
}
