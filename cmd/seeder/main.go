// Command seeder applies the schema and loads development data.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kelpejol/klingbot/internal/ledger"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	_ = godotenv.Load()

	migrationsDir := flag.String("migrations", "migrations", "Directory holding *.up.sql files")
	seedFile := flag.String("seed", "migrations/seed.sql", "Seed data file; empty skips seeding")
	flag.Parse()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatal().Msg("POSTGRES_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := ledger.OpenPostgres(ctx, postgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer db.Close()
	log.Info().Msg("connected to postgres")

	files, err := filepath.Glob(filepath.Join(*migrationsDir, "*.up.sql"))
	if err != nil || len(files) == 0 {
		log.Fatal().Err(err).Str("dir", *migrationsDir).Msg("no migrations found")
	}
	sort.Strings(files)

	// lib/pq runs a multi-statement Exec as one simple query.
	for _, file := range files {
		sqlText, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("failed to read migration")
		}
		if _, err := db.ExecContext(ctx, string(sqlText)); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("migration failed")
		}
		log.Info().Str("file", filepath.Base(file)).Msg("migration applied")
	}

	if *seedFile == "" {
		return
	}
	seed, err := os.ReadFile(*seedFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", *seedFile).Msg("failed to read seed data")
	}

	failed := 0
	for _, stmt := range strings.Split(string(seed), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || isComment(stmt) {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			failed++
			log.Error().Err(err).Str("statement", stmt).Msg("seed statement failed")
		}
	}
	log.Info().Int("failed", failed).Msg("seeding complete")
}

func isComment(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
