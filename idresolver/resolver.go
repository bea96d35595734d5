// Package idresolver resolves a labeler DID to its signing key and
// service endpoints. Lookups go through three layers: a short-lived
// in-process cache, the 24h identity cache in the state store, and
// finally the PLC/web identity directory.
package idresolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/identity/redisdir"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/carlmjohnson/versioninfo"
	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"tangled.org/labelmuncher/store"
)

// frontTTL is deliberately short: the front cache only exists to
// collapse bursts of resolutions for the same labeler, typically at
// startup when every publisher connection resolves at once.
const frontTTL = time.Minute

// Labeler is the slice of an identity document the muncher cares about.
type Labeler struct {
	Did                 string
	SigningKeyMultibase string
	Endpoint            string // labeler subscription endpoint
	PdsEndpoint         string
}

// SigningKey parses the labeler's multibase signing key.
func (l *Labeler) SigningKey() (crypto.PublicKey, error) {
	return crypto.ParsePublicMultibase(l.SigningKeyMultibase)
}

type Resolver struct {
	directory identity.Directory
	store     *store.Store
	front     *ristretto.Cache
	sf        singleflight.Group
	logger    *slog.Logger
}

func BaseDirectory(plcUrl string) identity.Directory {
	base := identity.BaseDirectory{
		PLCURL: plcUrl,
		HTTPClient: http.Client{
			Timeout: time.Second * 10,
			Transport: &http.Transport{
				IdleConnTimeout: time.Millisecond * 1000,
				MaxIdleConns:    100,
			},
		},
		Resolver: net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 3}
				return d.DialContext(ctx, network, address)
			},
		},
		TryAuthoritativeDNS:   true,
		SkipDNSDomainSuffixes: []string{".bsky.social"},
		UserAgent:             "labelmuncher/" + versioninfo.Short(),
	}
	return &base
}

func RedisDirectory(redisUrl, plcUrl string) (identity.Directory, error) {
	hitTTL := time.Hour * 24
	errTTL := time.Second * 30
	invalidHandleTTL := time.Minute * 5
	return redisdir.NewRedisDirectory(
		BaseDirectory(plcUrl),
		redisUrl,
		hitTTL,
		errTTL,
		invalidHandleTTL,
		10000,
	)
}

func New(plcUrl string, st *store.Store, logger *slog.Logger) (*Resolver, error) {
	return newResolver(BaseDirectory(plcUrl), st, logger)
}

// NewWithRedis shares directory resolutions across processes through
// redis; the per-process layering on top is unchanged.
func NewWithRedis(plcUrl, redisUrl string, st *store.Store, logger *slog.Logger) (*Resolver, error) {
	directory, err := RedisDirectory(redisUrl, plcUrl)
	if err != nil {
		return nil, err
	}
	return newResolver(directory, st, logger)
}

func newResolver(directory identity.Directory, st *store.Store, logger *slog.Logger) (*Resolver, error) {
	front, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up identity front cache: %w", err)
	}

	return &Resolver{
		directory: directory,
		store:     st,
		front:     front,
		logger:    logger,
	}, nil
}

// ResolveLabeler returns the signing key and endpoints for a labeler
// DID. noCache bypasses every cache layer and purges the directory
// entry first; callers pass true on the signature key-refresh path.
func (r *Resolver) ResolveLabeler(ctx context.Context, did string, noCache bool) (*Labeler, error) {
	if !noCache {
		if v, ok := r.front.Get(did); ok {
			return v.(*Labeler), nil
		}
		if ident, err := r.store.Identity(did); err == nil {
			lab := &Labeler{
				Did:                 ident.Did,
				SigningKeyMultibase: ident.SigningKey,
				Endpoint:            ident.Endpoint,
				PdsEndpoint:         ident.PdsEndpoint,
			}
			r.front.SetWithTTL(did, lab, 1, frontTTL)
			return lab, nil
		}
	}

	key := did
	if noCache {
		key = did + "!refresh"
	}
	v, err, _ := r.sf.Do(key, func() (any, error) {
		return r.lookup(ctx, did, noCache)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Labeler), nil
}

func (r *Resolver) lookup(ctx context.Context, did string, noCache bool) (*Labeler, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("invalid did %q: %w", did, err)
	}

	if noCache {
		if err := r.directory.Purge(ctx, parsed.AtIdentifier()); err != nil {
			r.logger.Warn("failed to purge directory entry", "did", did, "error", err)
		}
	}

	ident, err := r.directory.LookupDID(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", did, err)
	}

	lab := &Labeler{
		Did:         did,
		Endpoint:    ident.GetServiceEndpoint("atproto_labeler"),
		PdsEndpoint: ident.PDSEndpoint(),
	}
	if k, ok := ident.Keys["atproto_label"]; ok {
		lab.SigningKeyMultibase = k.PublicKeyMultibase
	}

	if err := r.store.SetIdentity(store.Identity{
		Did:         did,
		SigningKey:  lab.SigningKeyMultibase,
		Endpoint:    lab.Endpoint,
		PdsEndpoint: lab.PdsEndpoint,
	}); err != nil {
		r.logger.Warn("failed to cache identity", "did", did, "error", err)
	}
	r.front.SetWithTTL(did, lab, 1, frontTTL)

	return lab, nil
}
