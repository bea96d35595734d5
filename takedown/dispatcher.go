// Package takedown translates a trusted moderation service's
// !takedown labels into dataplane calls.
package takedown

import (
	"context"
	"log/slog"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
)

const takedownValue = "!takedown"

type Dataplane interface {
	TakedownActor(ctx context.Context, did, ref string, seen time.Time) error
	UntakedownActor(ctx context.Context, did string, seen time.Time) error
	TakedownRecord(ctx context.Context, recordUri, ref string, seen time.Time) error
	UntakedownRecord(ctx context.Context, recordUri string, seen time.Time) error
}

type Dispatcher struct {
	modServiceDid string
	dataplane     Dataplane
	logger        *slog.Logger

	// overridable for tests
	now func() time.Time
}

func NewDispatcher(modServiceDid string, dataplane Dataplane, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		modServiceDid: modServiceDid,
		dataplane:     dataplane,
		logger:        logger,
		now:           time.Now,
	}
}

// Relevant reports whether a label should be dispatched: takedowns
// are only honored from the configured moderation service.
func (d *Dispatcher) Relevant(label *comatproto.LabelDefs_Label) bool {
	return d.modServiceDid != "" &&
		label.Src == d.modServiceDid &&
		label.Val == takedownValue
}

// Dispatch issues the dataplane call for a takedown label. RPC
// failures are logged and swallowed; the label row is already in the
// store by the time we get here.
func (d *Dispatcher) Dispatch(ctx context.Context, label *comatproto.LabelDefs_Label) {
	neg := label.Neg != nil && *label.Neg
	ref := Ref(label.Cts)
	seen := d.now()

	var err error
	switch {
	case strings.HasPrefix(label.Uri, "did:"):
		if neg {
			err = d.dataplane.UntakedownActor(ctx, label.Uri, seen)
		} else {
			err = d.dataplane.TakedownActor(ctx, label.Uri, ref, seen)
		}
	case strings.HasPrefix(label.Uri, "at://"):
		if neg {
			err = d.dataplane.UntakedownRecord(ctx, label.Uri, seen)
		} else {
			err = d.dataplane.TakedownRecord(ctx, label.Uri, ref, seen)
		}
	default:
		d.logger.Error("takedown subject is neither a did nor an at-uri", "uri", label.Uri)
		return
	}

	if err != nil {
		d.logger.Error("takedown dispatch failed", "uri", label.Uri, "neg", neg, "error", err)
	}
}

// Ref derives the dataplane takedown reference from a label's
// creation timestamp: "BSKY-TAKEDOWN-" plus the timestamp with every
// non-alphanumeric character stripped.
func Ref(cts string) string {
	var b strings.Builder
	b.WriteString("BSKY-TAKEDOWN-")
	for _, r := range cts {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
