// Command server runs the Sokuji backend: token wallet, realtime relay and
// billing webhooks behind one HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kizuna-ai-lab/sokuji/internal/config"
	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/server"
)

// Set with -ldflags "-X main.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print build information and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sokuji %s (%s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	bootLog := logging.New("info", "text")
	cfg, err := config.Load()
	if err != nil {
		fatal(bootLog, "invalid configuration", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	logger.Info("sokuji starting",
		"commit", Commit,
		"env", cfg.Env,
		"port", cfg.Port,
		"default_provider", cfg.DefaultProvider,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		fatal(logger, "server setup failed", err)
	}
	if err := srv.Run(context.Background()); err != nil {
		fatal(logger, "server stopped with error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
