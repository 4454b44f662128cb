package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps inbox entries in the inbox table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get returns the entry for key
func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	e := &Entry{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Claim inserts or re-claims key
func (s *PostgresStore) Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, handler_name = $2, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	err := s.pool.QueryRow(ctx, query, key, handler, StatusStarted, payload, expiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

// Resolve records the final or intermediate status for key
func (s *PostgresStore) Resolve(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := s.pool.Exec(ctx, query, status, result, key)
	return err
}

// Sweep deletes expired entries
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MemoryStore is an in-process Store for single-instance runs and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

// Get returns a copy of the entry for key
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Claim inserts or re-claims key
func (s *MemoryStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status, e.Handler, e.UpdatedAt = StatusStarted, handler, now
		return nil
	}
	s.entries[key] = &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	return nil
}

// Resolve updates the status for key
func (s *MemoryStore) Resolve(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status, e.UpdatedAt = status, s.now()
	if result != nil {
		e.Result = result
	}
	return nil
}

// Sweep deletes expired entries
func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
