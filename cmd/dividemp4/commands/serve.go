package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aaroniumii/dividemp4online/pkg/config"
	"github.com/aaroniumii/dividemp4online/pkg/runner"
	"github.com/aaroniumii/dividemp4online/pkg/server"
	"github.com/aaroniumii/dividemp4online/pkg/split"
	"github.com/aaroniumii/dividemp4online/pkg/status"
	"github.com/aaroniumii/dividemp4online/pkg/store"
)

const shutdownTimeout = 30 * time.Second

// newServeCommand builds the serve subcommand. configFn is evaluated
// at run time so it observes the configuration loaded by the root
// command's PersistentPreRunE.
func newServeCommand(configFn func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload and split HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFn())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	st, err := store.NewLocalStore(store.Config{DataDir: cfg.Server.DataDir})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	pool := runner.NewPool(st, split.NewFFmpegSplitter(), runner.Config{
		Workers:   cfg.Server.Workers,
		QueueSize: cfg.Server.QueueSize,
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	srv, err := server.New(cfg.Server, st, pool, status.NewReader(st))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Server.ListenAddr()).
		Int("workers", cfg.Server.Workers).
		Str("data_dir", cfg.Server.DataDir).
		Msg("Starting dividemp4 service")

	serveErr := srv.Run(runCtx, shutdownTimeout)

	// HTTP is down; let in-flight jobs finish before exiting so their
	// terminal records get written.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Worker pool did not drain cleanly")
	}

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
