// Package dataplane is a thin client for the moderation dataplane's
// takedown RPCs. Requests are JSON over HTTP/1.1 or h2c, spread
// round-robin across the configured hosts.
package dataplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

type Client struct {
	hosts  []string
	httpc  *http.Client
	logger *slog.Logger
	next   atomic.Uint64
}

func NewClient(hosts []string, httpVersion string, logger *slog.Logger) (*Client, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no dataplane hosts configured")
	}
	for i, h := range hosts {
		hosts[i] = strings.TrimSuffix(h, "/")
	}

	var transport http.RoundTripper
	switch httpVersion {
	case "1.1":
		transport = &http.Transport{
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		}
	case "2":
		// dataplane hosts speak cleartext h2c on internal networks
		transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	default:
		return nil, fmt.Errorf("invalid dataplane http version %q", httpVersion)
	}

	return &Client{
		hosts: hosts,
		httpc: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		logger: logger,
	}, nil
}

func (c *Client) TakedownActor(ctx context.Context, did, ref string, seen time.Time) error {
	return c.call(ctx, "TakedownActor", map[string]any{
		"did":  did,
		"ref":  ref,
		"seen": seen.UTC().Format(time.RFC3339),
	})
}

func (c *Client) UntakedownActor(ctx context.Context, did string, seen time.Time) error {
	return c.call(ctx, "UntakedownActor", map[string]any{
		"did":  did,
		"seen": seen.UTC().Format(time.RFC3339),
	})
}

func (c *Client) TakedownRecord(ctx context.Context, recordUri, ref string, seen time.Time) error {
	return c.call(ctx, "TakedownRecord", map[string]any{
		"recordUri": recordUri,
		"ref":       ref,
		"seen":      seen.UTC().Format(time.RFC3339),
	})
}

func (c *Client) UntakedownRecord(ctx context.Context, recordUri string, seen time.Time) error {
	return c.call(ctx, "UntakedownRecord", map[string]any{
		"recordUri": recordUri,
		"seen":      seen.UTC().Format(time.RFC3339),
	})
}

func (c *Client) call(ctx context.Context, method string, body any) error {
	host := c.hosts[c.next.Add(1)%uint64(len(c.hosts))]
	url := host + "/bsky.Service/" + method

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: dataplane returned %d: %s", method, resp.StatusCode, string(msg))
	}
	return nil
}
