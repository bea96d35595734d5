package config

import (
	"context"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/sethvargo/go-envconfig"
)

type Db struct {
	Url    string `env:"URL, required"`
	Schema string `env:"SCHEMA, default=bsky"`
}

type Dataplane struct {
	Urls        []string `env:"URLS"`
	HttpVersion string   `env:"HTTP_VERSION, default=1.1"`
}

type Config struct {
	Db        Db        `env:",prefix=LABELMUNCHER_DB_"`
	Dataplane Dataplane `env:",prefix=LABELMUNCHER_DATAPLANE_"`

	LabelerDids       []string `env:"LABELMUNCHER_LABELER_DIDS, required"`
	PlcUrl            string   `env:"LABELMUNCHER_PLC_URL, default=https://plc.directory"`
	StatePath         string   `env:"LABELMUNCHER_STATE_PATH, default=./muncher-state.sqlite"`
	ModServiceDid     string   `env:"LABELMUNCHER_MOD_SERVICE_DID"`
	JetstreamEndpoint string   `env:"LABELMUNCHER_JETSTREAM_ENDPOINT, default=wss://jetstream1.us-west.bsky.network/subscribe"`
	RedisUrl          string   `env:"LABELMUNCHER_REDIS_URL"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.LabelerDids) == 0 {
		return fmt.Errorf("no labeler dids configured")
	}
	seen := make(map[string]struct{})
	for _, did := range c.LabelerDids {
		if _, err := syntax.ParseDID(did); err != nil {
			return fmt.Errorf("invalid labeler did %q: %w", did, err)
		}
		if _, ok := seen[did]; ok {
			return fmt.Errorf("duplicate labeler did %q", did)
		}
		seen[did] = struct{}{}
	}

	if c.ModServiceDid != "" {
		if _, err := syntax.ParseDID(c.ModServiceDid); err != nil {
			return fmt.Errorf("invalid mod service did %q: %w", c.ModServiceDid, err)
		}
		if len(c.Dataplane.Urls) == 0 {
			return fmt.Errorf("mod service did is set but no dataplane urls are configured")
		}
	}

	switch c.Dataplane.HttpVersion {
	case "1.1", "2":
	default:
		return fmt.Errorf("invalid dataplane http version %q: must be 1.1 or 2", c.Dataplane.HttpVersion)
	}

	return nil
}
