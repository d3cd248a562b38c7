// Command migrate applies the embedded wallet schema with goose.
//
//	migrate [-timeout 2m] up | down | status | version | redo | up-to N | down-to N
//
// DATABASE_URL is read from the environment or a local .env file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/migrations"
)

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "abort the migration after this long")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [-timeout d] <up|down|status|version|redo|up-to N|down-to N>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dsn, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", flag.Arg(0))
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
