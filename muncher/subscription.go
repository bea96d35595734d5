package muncher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/gorilla/websocket"

	"tangled.org/labelmuncher/idresolver"
	"tangled.org/labelmuncher/sink"
	"tangled.org/labelmuncher/takedown"
	"tangled.org/labelmuncher/validator"
)

const subscribeLabelsPath = "/xrpc/com.atproto.label.subscribeLabels"

// ErrDeadPublisher marks a subscription that exhausted its reconnect
// budget. The orchestrator leaves the rest of the publishers running.
var ErrDeadPublisher = errors.New("publisher is dead")

type Resolver interface {
	ResolveLabeler(ctx context.Context, did string, noCache bool) (*idresolver.Labeler, error)
}

type LabelValidator interface {
	Validate(ctx context.Context, label *comatproto.LabelDefs_Label, expectedDid string) validator.Result
}

type LabelSink interface {
	Insert(ctx context.Context, row sink.Row) error
}

type CursorStore interface {
	Cursor(did string) (int64, error)
	SetCursor(did string, seq int64) error
}

type subscription struct {
	did       string
	cursors   CursorStore
	resolver  Resolver
	validator LabelValidator
	sink      LabelSink
	takedowns *takedown.Dispatcher // nil when no mod service is configured
	dialer    *websocket.Dialer
	logger    *slog.Logger

	reconnectDelay time.Duration
	maxReconnects  uint
	dialTimeout    time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func newSubscription(did string, cursors CursorStore, resolver Resolver, v LabelValidator, s LabelSink, td *takedown.Dispatcher, logger *slog.Logger) *subscription {
	return &subscription{
		did:            did,
		cursors:        cursors,
		resolver:       resolver,
		validator:      v,
		sink:           s,
		takedowns:      td,
		dialer:         websocket.DefaultDialer,
		logger:         logger,
		reconnectDelay: 5 * time.Second,
		maxReconnects:  10,
		dialTimeout:    10 * time.Second,
	}
}

// run drives the connection until ctx is cancelled or the reconnect
// budget runs out. Backoff is linear (delay × attempts since the last
// successful open); a successfully opened connection resets the
// budget, so only a continuous outage can kill a publisher.
func (s *subscription) run(ctx context.Context) error {
	var attempts uint

	err := retry.Do(
		func() error {
			opened, err := s.connectAndRead(ctx)
			if opened {
				attempts = 0
			}
			if err != nil {
				attempts++
				if attempts > s.maxReconnects {
					return retry.Unrecoverable(fmt.Errorf("%w: %s: %v", ErrDeadPublisher, s.did, err))
				}
			}
			return err
		},
		retry.Attempts(0), // bounded by the unrecoverable cutoff above
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(attempts) * s.reconnectDelay
		}),
		retry.OnRetry(func(_ uint, err error) {
			s.logger.Warn("reconnecting to labeler", "did", s.did, "attempt", attempts, "error", err)
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	if err != nil && ctx.Err() == nil {
		s.logger.Error("giving up on labeler", "did", s.did, "error", err)
		return err
	}
	return nil
}

// connectAndRead performs one connection cycle: re-read the persisted
// cursor, resolve the endpoint, dial, then read frames until the
// socket drops. opened reports whether the websocket handshake
// completed, which is what resets the reconnect budget.
func (s *subscription) connectAndRead(ctx context.Context) (opened bool, err error) {
	cursor, err := s.cursors.Cursor(s.did)
	if err != nil {
		return false, fmt.Errorf("failed to read cursor: %w", err)
	}

	lab, err := s.resolver.ResolveLabeler(ctx, s.did, false)
	if err != nil {
		return false, fmt.Errorf("failed to resolve labeler: %w", err)
	}
	if lab.Endpoint == "" {
		// the identity resolved but declares no labeler service;
		// retrying won't help
		return false, retry.Unrecoverable(fmt.Errorf("%w: %s declares no labeler endpoint", ErrDeadPublisher, s.did))
	}

	u, err := subscriptionUrl(lab.Endpoint, cursor)
	if err != nil {
		return false, retry.Unrecoverable(fmt.Errorf("%w: %s: %v", ErrDeadPublisher, s.did, err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, u.String(), nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", u, err)
	}

	s.setConn(conn)
	defer s.setConn(nil)
	defer conn.Close()

	s.logger.Info("subscribed to labeler", "did", s.did, "url", u.String(), "cursor", cursor)

	for {
		if ctx.Err() != nil {
			return true, nil
		}

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		s.handleMessage(ctx, msg)
	}
}

func (s *subscription) handleMessage(ctx context.Context, msg []byte) {
	f, err := decodeFrame(msg)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "did", s.did, "error", err)
		return
	}

	switch {
	case f.errf != nil:
		s.logger.Error("error frame from labeler", "did", s.did, "name", f.errf.Error, "message", f.errf.Message)
	case f.labels != nil:
		s.handleLabels(ctx, f.labels)
	case f.info != nil:
		msg := ""
		if f.info.Message != nil {
			msg = *f.info.Message
		}
		s.logger.Info("info frame from labeler", "did", s.did, "name", f.info.Name, "message", msg)
	default:
		s.logger.Warn("skipping unrecognized frame", "did", s.did, "t", f.header.MsgType, "op", f.header.Op)
	}
}

func (s *subscription) handleLabels(ctx context.Context, evt *comatproto.LabelSubscribeLabels_Labels) {
	// persist the cursor before touching any label: a crash mid-batch
	// then replays the whole frame rather than skipping it
	if err := s.cursors.SetCursor(s.did, evt.Seq); err != nil {
		s.logger.Error("failed to persist cursor", "did", s.did, "seq", evt.Seq, "error", err)
	}

	for _, label := range evt.Labels {
		if label == nil {
			continue
		}

		res := s.validator.Validate(ctx, label, s.did)
		if !res.Valid {
			s.logger.Warn("dropping label", "did", s.did, "uri", label.Uri, "val", label.Val, "reason", res.Reason)
			continue
		}

		if err := s.sink.Insert(ctx, sink.FromLabel(label)); err != nil {
			s.logger.Error("failed to insert label", "did", s.did, "uri", label.Uri, "error", err)
			continue
		}

		if s.takedowns != nil && s.takedowns.Relevant(label) {
			s.takedowns.Dispatch(ctx, label)
		}
	}
}

func (s *subscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = conn != nil
	s.mu.Unlock()
}

func (s *subscription) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// close tears down the socket so a blocked ReadMessage returns.
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func subscriptionUrl(endpoint string, cursor int64) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad labeler endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("bad labeler endpoint scheme %q", u.Scheme)
	}

	u.Path = subscribeLabelsPath
	query := url.Values{}
	query.Set("cursor", strconv.FormatInt(cursor, 10))
	u.RawQuery = query.Encode()
	return u, nil
}
