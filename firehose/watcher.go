// Package firehose watches the network's change feed for edits to
// labeler service records and force-expires the matching service
// cache entries, so the next validation refetches declared values.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/jetstream/pkg/client"
	"github.com/bluesky-social/jetstream/pkg/client/schedulers/sequential"
	"github.com/bluesky-social/jetstream/pkg/models"
)

const serviceCollection = "app.bsky.labeler.service"

type ServiceCache interface {
	InvalidateService(did string) error
}

type Watcher struct {
	cfg        *client.ClientConfig
	client     *client.Client
	cache      ServiceCache
	wantedDids map[string]struct{}
	logger     *slog.Logger
}

func NewWatcher(endpoint string, dids []string, cache ServiceCache, logger *slog.Logger) *Watcher {
	cfg := client.DefaultClientConfig()
	cfg.WebsocketURL = endpoint
	cfg.WantedCollections = []string{serviceCollection}
	cfg.WantedDids = dids

	wanted := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		wanted[did] = struct{}{}
	}

	return &Watcher{
		cfg:        cfg,
		cache:      cache,
		wantedDids: wanted,
		logger:     logger,
	}
}

// Start begins consuming the change feed in the background. The
// watcher stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	sched := sequential.NewScheduler("labelmuncher", w.logger, w.HandleEvent)

	cl, err := client.NewClient(w.cfg, w.logger, sched)
	if err != nil {
		return fmt.Errorf("failed to create change feed client: %w", err)
	}
	w.client = cl

	go w.connectAndRead(ctx)
	return nil
}

func (w *Watcher) connectAndRead(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		// invalidation only matters going forward; a missed event is
		// healed by the cache TTL, so every (re)connect starts at now
		cursor := time.Now().UnixMicro()

		connCtx, cancel := context.WithCancel(ctx)
		if err := w.client.ConnectAndRead(connCtx, &cursor); err != nil {
			w.logger.Error("error reading change feed", "error", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			w.logger.Info("change watcher stopping")
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// HandleEvent processes one change feed event. Only commit events
// that create or update a configured labeler's service record trigger
// invalidation; deletes leave the cache to age out.
func (w *Watcher) HandleEvent(ctx context.Context, event *models.Event) error {
	if event.Kind != models.EventKindCommit || event.Commit == nil {
		return nil
	}
	if _, ok := w.wantedDids[event.Did]; !ok {
		return nil
	}
	if event.Commit.Collection != serviceCollection {
		return nil
	}

	switch event.Commit.Operation {
	case models.CommitOperationCreate, models.CommitOperationUpdate:
		if err := w.cache.InvalidateService(event.Did); err != nil {
			w.logger.Error("failed to invalidate service cache", "did", event.Did, "error", err)
			return err
		}
		w.logger.Info("service record changed, invalidated cache", "did", event.Did)
	}
	return nil
}
