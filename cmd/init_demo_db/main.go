package main

import (
	"context"
	"log"

	"pmdatabase/db"
	"pmdatabase/logging"
	"pmdatabase/model"

	"go.uber.org/zap/zapcore"
)

func main() {
	// Reset a local development database. Any previous pmdata.sqlite3 in the
	// working directory is replaced.
	dbPath := "pmdata.sqlite3"

	lg, err := logging.New(zapcore.InfoLevel, "")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync() //nolint:errcheck

	res, err := db.BootstrapSQLite(context.Background(), db.Options{
		Path:     dbPath,
		Mode:     model.DevelopmentInstance,
		Force:    true,
		Fixtures: db.DefaultFixtureOptions(),
		Logger:   lg.Sugar(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	log.Printf("Demo database initialized successfully at %s (%d bytes)", res.Path, res.Size)
}
