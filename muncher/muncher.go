// Package muncher subscribes to a set of labeler services and feeds
// their signed labels through validation into the label store.
package muncher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tangled.org/labelmuncher/config"
	"tangled.org/labelmuncher/dataplane"
	"tangled.org/labelmuncher/firehose"
	"tangled.org/labelmuncher/idresolver"
	"tangled.org/labelmuncher/log"
	"tangled.org/labelmuncher/policy"
	"tangled.org/labelmuncher/sink"
	"tangled.org/labelmuncher/store"
	"tangled.org/labelmuncher/takedown"
	"tangled.org/labelmuncher/validator"
)

const statusInterval = time.Minute

type ChangeWatcher interface {
	Start(ctx context.Context) error
}

type closableSink interface {
	LabelSink
	Close()
}

type Muncher struct {
	dids      []string
	store     *store.Store
	resolver  Resolver
	validator LabelValidator
	sink      closableSink
	watcher   ChangeWatcher
	takedowns *takedown.Dispatcher
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	subs    map[string]*subscription
	wg      sync.WaitGroup
}

// New wires a Muncher from configuration: state store, identity
// resolver, record fetcher, validator, label sink, change watcher and
// (optionally) the takedown dispatcher.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Muncher, error) {
	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var resolver *idresolver.Resolver
	if cfg.RedisUrl != "" {
		resolver, err = idresolver.NewWithRedis(cfg.PlcUrl, cfg.RedisUrl, st, log.SubLogger(logger, "idresolver"))
	} else {
		resolver, err = idresolver.New(cfg.PlcUrl, st, log.SubLogger(logger, "idresolver"))
	}
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to set up identity resolver: %w", err)
	}

	fetcher := policy.NewFetcher(resolver, st, log.SubLogger(logger, "policy"))
	v := validator.New(resolver, fetcher, st, log.SubLogger(logger, "validator"))

	snk, err := sink.New(ctx, cfg.Db.Url, cfg.Db.Schema, log.SubLogger(logger, "sink"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open label sink: %w", err)
	}

	var td *takedown.Dispatcher
	if cfg.ModServiceDid != "" {
		dp, err := dataplane.NewClient(cfg.Dataplane.Urls, cfg.Dataplane.HttpVersion, log.SubLogger(logger, "dataplane"))
		if err != nil {
			snk.Close()
			st.Close()
			return nil, fmt.Errorf("failed to set up dataplane client: %w", err)
		}
		td = takedown.NewDispatcher(cfg.ModServiceDid, dp, log.SubLogger(logger, "takedown"))
	}

	watcher := firehose.NewWatcher(cfg.JetstreamEndpoint, cfg.LabelerDids, st, log.SubLogger(logger, "firehose"))

	return &Muncher{
		dids:      cfg.LabelerDids,
		store:     st,
		resolver:  resolver,
		validator: v,
		sink:      snk,
		watcher:   watcher,
		takedowns: td,
		logger:    logger,
	}, nil
}

// Start spins up the change watcher and one subscription per
// configured labeler. Subscriptions are started sequentially but each
// then runs on its own goroutine. Starting twice is an error.
func (m *Muncher) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("muncher already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)

	if err := m.watcher.Start(ctx); err != nil {
		m.cancel()
		m.started = false
		return fmt.Errorf("failed to start change watcher: %w", err)
	}

	m.subs = make(map[string]*subscription, len(m.dids))
	for _, did := range m.dids {
		sub := newSubscription(did, m.store, m.resolver, m.validator, m.sink, m.takedowns, log.SubLogger(m.logger, "sub"))
		m.subs[did] = sub

		m.logger.Info("subscribing to labeler", "did", did)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := sub.run(ctx); err != nil {
				m.logger.Error("subscription terminated", "did", sub.did, "error", err)
			}
		}()
	}

	m.wg.Add(1)
	go m.statusLoop(ctx)

	return nil
}

// Status snapshots each publisher's connected flag.
func (m *Muncher) Status() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]bool, len(m.subs))
	for did, sub := range m.subs {
		status[did] = sub.isConnected()
	}
	return status
}

// Stop shuts everything down: subscriptions, change watcher, sink and
// state store. Individual close errors are logged, not returned.
func (m *Muncher) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	for _, sub := range m.subs {
		sub.close()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.sink.Close()
	if err := m.store.Close(); err != nil {
		m.logger.Error("failed to close state store", "error", err)
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	m.logger.Info("label muncher stopped")
}

func (m *Muncher) statusLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := 0
			status := m.Status()
			for _, ok := range status {
				if ok {
					connected++
				}
			}
			m.logger.Info("labeler subscriptions", "connected", connected, "total", len(status))
		}
	}
}
