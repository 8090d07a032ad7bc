// Command branchroomd runs the realtime branching-tree chat core: the
// session multiplexer, conversation-tree engine, and generation coordinator
// behind one WebSocket endpoint. Wiring follows
// _examples/nstogner-operative/operative/cmd/operative/main.go's flat,
// sequential, fatal-on-error construction, adapted to this project's own
// config/bootstrap split instead of inlining every constructor in main.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/branchroom/server/pkg/bootstrap"
	"github.com/branchroom/server/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger doesn't exist yet; report to stderr directly like the
		// teacher's own pre-logger config-load failures do.
		os.Stderr.WriteString("branchroomd: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := bootstrap.NewLogger(bootstrap.LoggingConfig{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", app.Transport)

	srv := &http.Server{Addr: cfg.Listen.Address, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during HTTP shutdown")
		}
	}()

	log.Info().Str("address", cfg.Listen.Address).Msg("branchroomd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
