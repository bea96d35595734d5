// Package policy fetches a labeler's declared label values from its
// app.bsky.labeler.service record.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"

	"tangled.org/labelmuncher/idresolver"
	"tangled.org/labelmuncher/store"
)

const (
	serviceCollection = "app.bsky.labeler.service"
	serviceRkey       = "self"
)

type Resolver interface {
	ResolveLabeler(ctx context.Context, did string, noCache bool) (*idresolver.Labeler, error)
}

type Fetcher struct {
	resolver Resolver
	store    *store.Store
	client   *http.Client
	logger   *slog.Logger
}

func NewFetcher(resolver Resolver, st *store.Store, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		resolver: resolver,
		store:    st,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// DeclaredValues fetches the label values a labeler has declared it
// may emit, caching the result in the service cache. The list may be
// empty; labelers are not required to declare anything.
func (f *Fetcher) DeclaredValues(ctx context.Context, did string) ([]string, error) {
	lab, err := f.resolver.ResolveLabeler(ctx, did, false)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", did, err)
	}
	if lab.PdsEndpoint == "" {
		return nil, fmt.Errorf("%s has no pds endpoint", did)
	}

	xrpcc := &xrpc.Client{
		Host:   lab.PdsEndpoint,
		Client: f.client,
	}

	resp, err := comatproto.RepoGetRecord(ctx, xrpcc, "", serviceCollection, did, serviceRkey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch service record for %s: %w", did, err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("empty service record for %s", did)
	}

	record, ok := resp.Value.Val.(*appbsky.LabelerService)
	if !ok {
		return nil, fmt.Errorf("record at %s/%s/%s is not a labeler service record", did, serviceCollection, serviceRkey)
	}

	var values []string
	if record.Policies != nil {
		for _, v := range record.Policies.LabelValues {
			if v != nil {
				values = append(values, *v)
			}
		}
	}

	if err := f.store.SetService(store.Service{Did: did, LabelValues: values}); err != nil {
		f.logger.Warn("failed to cache declared values", "did", did, "error", err)
	}

	return values, nil
}
