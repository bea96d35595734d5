// Package validator decides whether a label received from a
// subscription may be persisted. Checks run in order: shape, source
// binding, signature, declared value, expiry; the first failure wins.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"tangled.org/labelmuncher/idresolver"
	"tangled.org/labelmuncher/store"
)

// globalLabelValues are always accepted regardless of what a labeler
// has declared; they match the appview's default accepted set.
var globalLabelValues = []string{
	"porn",
	"sexual",
	"nudity",
	"graphic-media",
	"gore",
}

// GlobalLabelValue reports whether val is in the fixed global set.
func GlobalLabelValue(val string) bool {
	return slices.Contains(globalLabelValues, val)
}

type Result struct {
	Valid  bool
	Reason string
}

func invalid(reason string) Result {
	return Result{Reason: reason}
}

var valid = Result{Valid: true}

type Resolver interface {
	ResolveLabeler(ctx context.Context, did string, noCache bool) (*idresolver.Labeler, error)
}

type PolicyFetcher interface {
	DeclaredValues(ctx context.Context, did string) ([]string, error)
}

type Validator struct {
	resolver Resolver
	policies PolicyFetcher
	store    *store.Store
	logger   *slog.Logger

	// overridable for tests
	now func() time.Time
}

func New(resolver Resolver, policies PolicyFetcher, st *store.Store, logger *slog.Logger) *Validator {
	return &Validator{
		resolver: resolver,
		policies: policies,
		store:    st,
		logger:   logger,
		now:      time.Now,
	}
}

// Validate checks a single label against the publisher it was received
// from. It never returns an error: every failure mode maps to an
// invalid Result so the stream keeps flowing.
func (v *Validator) Validate(ctx context.Context, label *comatproto.LabelDefs_Label, expectedDid string) Result {
	if res := checkShape(label); !res.Valid {
		return res
	}

	if label.Src != expectedDid {
		return invalid("source DID does not match")
	}

	if res := v.checkSignature(ctx, label); !res.Valid {
		return res
	}

	if res := v.checkDeclaredValue(ctx, label); !res.Valid {
		return res
	}

	if label.Exp != nil && *label.Exp != "" {
		exp, err := syntax.ParseDatetime(*label.Exp)
		if err != nil {
			return invalid("invalid expiry timestamp")
		}
		if !exp.Time().After(v.now()) {
			return invalid("expired")
		}
	}

	return valid
}

func checkShape(label *comatproto.LabelDefs_Label) Result {
	switch {
	case label.Src == "":
		return invalid("missing required field src")
	case label.Uri == "":
		return invalid("missing required field uri")
	case label.Val == "":
		return invalid("missing required field val")
	case label.Cts == "":
		return invalid("missing required field cts")
	case len(label.Sig) == 0:
		return invalid("missing required field sig")
	}
	return valid
}

// SigningBytes reconstructs the canonical payload a labeler signed:
// the label with sig stripped, encoded as DAG-CBOR with optional
// absent fields omitted.
func SigningBytes(label *comatproto.LabelDefs_Label) ([]byte, error) {
	unsigned := *label
	unsigned.Sig = nil

	var buf bytes.Buffer
	if err := unsigned.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Validator) checkSignature(ctx context.Context, label *comatproto.LabelDefs_Label) Result {
	payload, err := SigningBytes(label)
	if err != nil {
		v.logger.Warn("failed to encode signing payload", "src", label.Src, "error", err)
		return invalid("could not encode signing payload")
	}

	lab, err := v.resolver.ResolveLabeler(ctx, label.Src, false)
	if err != nil {
		v.logger.Warn("failed to resolve signing key", "src", label.Src, "error", err)
		return invalid("could not resolve signing key")
	}
	if lab.SigningKeyMultibase == "" {
		return invalid("labeler has no signing key")
	}

	key, err := lab.SigningKey()
	if err != nil {
		v.logger.Warn("bad signing key in identity", "src", label.Src, "error", err)
		return invalid("could not parse signing key")
	}

	if key.HashAndVerify(payload, label.Sig) == nil {
		return valid
	}

	// the key may have rotated under us; refresh it once and retry
	// only if the refreshed key actually differs
	refreshed, err := v.resolver.ResolveLabeler(ctx, label.Src, true)
	if err != nil {
		v.logger.Warn("key refresh failed", "src", label.Src, "error", err)
		return invalid("signature does not verify")
	}
	if refreshed.SigningKeyMultibase == lab.SigningKeyMultibase {
		return invalid("signature does not verify")
	}

	newKey, err := refreshed.SigningKey()
	if err != nil {
		v.logger.Warn("bad signing key after refresh", "src", label.Src, "error", err)
		return invalid("signature does not verify")
	}
	if newKey.HashAndVerify(payload, label.Sig) != nil {
		return invalid("signature does not verify")
	}
	return valid
}

func (v *Validator) checkDeclaredValue(ctx context.Context, label *comatproto.LabelDefs_Label) Result {
	if GlobalLabelValue(label.Val) {
		return valid
	}

	declared, err := v.declaredValues(ctx, label.Src)
	if err != nil {
		v.logger.Warn("failed to fetch declared values", "src", label.Src, "error", err)
	}
	if !slices.Contains(declared, label.Val) {
		return invalid("value not in labeler's declared values")
	}
	return valid
}

func (v *Validator) declaredValues(ctx context.Context, did string) ([]string, error) {
	svc, err := v.store.Service(did)
	if err == nil {
		return svc.LabelValues, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		return nil, fmt.Errorf("failed to read service cache: %w", err)
	}

	return v.policies.DeclaredValues(ctx, did)
}
