package muncher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"tangled.org/labelmuncher/config"
	"tangled.org/labelmuncher/log"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "ingest labels from the configured labelers",
		Action: Run,
		Description: `
Environment variables:
	LABELMUNCHER_LABELER_DIDS       (required, comma-separated list)
	LABELMUNCHER_DB_URL             (required)
	LABELMUNCHER_DB_SCHEMA          (default: bsky)
	LABELMUNCHER_PLC_URL            (default: https://plc.directory)
	LABELMUNCHER_STATE_PATH         (default: ./muncher-state.sqlite)
	LABELMUNCHER_JETSTREAM_ENDPOINT (default: wss://jetstream1.us-west.bsky.network/subscribe)
	LABELMUNCHER_MOD_SERVICE_DID    (optional, enables takedown dispatch)
	LABELMUNCHER_DATAPLANE_URLS     (comma-separated list, required with a mod service did)
	LABELMUNCHER_DATAPLANE_HTTP_VERSION (default: 1.1)
	LABELMUNCHER_REDIS_URL          (optional, shared identity cache)
`,
	}
}

func Run(ctx context.Context, _ *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	m, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	logger.Info("label muncher running", "labelers", len(cfg.LabelerDids))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case s := <-sig:
		logger.Info("received signal, shutting down", "signal", s.String())
	}

	m.Stop()
	return nil
}
