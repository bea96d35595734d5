// Package sink appends validated labels to the downstream relational
// label store. Inserts are append-only; replayed duplicates are the
// downstream store's problem, not ours.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Row struct {
	Src string
	Uri string
	Cid string
	Val string
	Neg bool
	Cts string
	Exp *string
}

// FromLabel maps a wire label to its database row: sig and ver are
// dropped, missing cid becomes empty string, missing neg becomes
// false, missing exp stays null.
func FromLabel(label *comatproto.LabelDefs_Label) Row {
	row := Row{
		Src: label.Src,
		Uri: label.Uri,
		Val: label.Val,
		Cts: label.Cts,
	}
	if label.Cid != nil {
		row.Cid = *label.Cid
	}
	if label.Neg != nil {
		row.Neg = *label.Neg
	}
	if label.Exp != nil && *label.Exp != "" {
		row.Exp = label.Exp
	}
	return row
}

type Sink struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

func New(ctx context.Context, url, schema string, logger *slog.Logger) (*Sink, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open label store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach label store: %w", err)
	}

	return &Sink{
		pool:   pool,
		table:  pgx.Identifier{schema, "label"}.Sanitize(),
		logger: logger,
	}, nil
}

func (s *Sink) Insert(ctx context.Context, row Row) error {
	query := fmt.Sprintf(`
		insert into %s (src, uri, cid, val, neg, cts, exp)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, s.table)

	_, err := s.pool.Exec(ctx, query, row.Src, row.Uri, row.Cid, row.Val, row.Neg, row.Cts, row.Exp)
	if err != nil {
		return fmt.Errorf("failed to insert label for %s: %w", row.Uri, err)
	}
	return nil
}

func (s *Sink) Close() {
	s.pool.Close()
}
