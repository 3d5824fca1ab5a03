// Command paddock-migrate prepares the postgres schema for a Paddock
// server. Run it once with credentials allowed to create tables and
// indexes; the server only needs plain DML afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cuemby/paddock/pkg/store"
)

var (
	dsn     = flag.String("dsn", os.Getenv("PADDOCK_DB_DSN"), "Postgres DSN (defaults to PADDOCK_DB_DSN)")
	dryRun  = flag.Bool("dry-run", false, "Print the DDL instead of applying it")
	timeout = flag.Duration("timeout", 30*time.Second, "How long to wait for the database")
)

func main() {
	flag.Parse()

	if *dryRun {
		fmt.Print(store.Schema())
		return
	}

	log.SetFlags(log.LstdFlags)
	log.Println("Paddock schema migration")

	if *dsn == "" {
		log.Fatal("A DSN is required (--dsn or PADDOCK_DB_DSN)")
	}

	db, err := store.NewSQLStore(*dsn, 1)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("✓ Schema is up to date")
}
