package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
//
// Each row carries the full proposal as JSON plus the columns List filters on.
// Updates are optimistic: the row is rewritten only if its version is the one
// that was read, otherwise the read-modify-write is retried.
type SQLStore struct {
	db          *sql.DB
	maxAttempts int
}

// DefaultMaxAttempts bounds optimistic update retries.
const DefaultMaxAttempts = 8

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, maxAttempts: DefaultMaxAttempts}
}

// WithMaxAttempts overrides the retry bound for conflicting updates.
func (s *SQLStore) WithMaxAttempts(n int) *SQLStore {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	producer_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT,
	version BIGINT NOT NULL,
	body TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS proposals_status_expires ON proposals (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS proposals_producer_created ON proposals (producer_name, created_at)`,
}

// Init creates the schema. Statements run one by one so both drivers accept them.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate proposals: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, p *contracts.Proposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}

	query := `
		INSERT INTO proposals (id, producer_name, kind, status, created_at, expires_at, version, body)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.ProducerName, string(p.Kind), string(p.Status),
		p.CreatedAt.UnixMilli(), nullMillis(p.ExpiresAt), string(body),
	)
	if err != nil {
		return fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadyExists, p.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.Proposal, error) {
	p, _, err := s.read(ctx, id)
	return p, err
}

func (s *SQLStore) read(ctx context.Context, id string) (*contracts.Proposal, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, body FROM proposals WHERE id = $1`, id)

	var (
		version int64
		body    string
	)
	if err := row.Scan(&version, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("read proposal %s: %w", id, err)
	}

	var p contracts.Proposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, 0, fmt.Errorf("corrupt proposal %s: %w", id, err)
	}
	return &p, version, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn UpdateFunc) (*contracts.Proposal, error) {
	query := `
		UPDATE proposals
		SET status = $1, expires_at = $2, version = version + 1, body = $3
		WHERE id = $4 AND version = $5
	`
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		p, version, err := s.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			if errors.Is(err, ErrNoChange) {
				return s.Get(ctx, id)
			}
			return nil, err
		}

		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode proposal %s: %w", id, err)
		}
		res, err := s.db.ExecContext(ctx, query, string(p.Status), nullMillis(p.ExpiresAt), string(body), id, version)
		if err != nil {
			return nil, fmt.Errorf("update proposal %s: %w", id, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 1 {
			return p, nil
		}
		// Lost the race; reread and reapply.
	}
	return nil, fmt.Errorf("%w: proposal %s after %d attempts", ErrConflict, id, s.maxAttempts)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*contracts.Proposal, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ProducerName != "" {
		where = append(where, "producer_name = "+arg(f.ProducerName))
	}
	if f.Kind != "" {
		where = append(where, "kind = "+arg(string(f.Kind)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = arg(string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedAfter.UnixMilli()))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at <= "+arg(f.CreatedBefore.UnixMilli()))
	}
	if !f.ExpiringBefore.IsZero() {
		// Millisecond columns are a coarse prefilter; Match below is exact.
		where = append(where, "expires_at IS NOT NULL AND expires_at <= "+arg(f.ExpiringBefore.UnixMilli()))
	}

	query := "SELECT body FROM proposals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Proposal, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p contracts.Proposal
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("corrupt proposal row: %w", err)
		}
		if f.Match(&p) {
			result = append(result, &p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortAndLimit(result, f), nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
