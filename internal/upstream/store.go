package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// SessionStore persists the last-known authenticated session across process
// restarts. Load returns (nil, nil) when no session is stored.
type SessionStore interface {
	Load(ctx context.Context, slot string) (*Session, error)
	Save(ctx context.Context, slot string, s *Session) error
}

// PostgresSessionStore keeps sessions in the proxy_sessions table, one row
// per slot, payload as JSON.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore creates a new Postgres-backed session store
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// Load retrieves the session stored under slot
func (r *PostgresSessionStore) Load(ctx context.Context, slot string) (*Session, error) {
	query := `SELECT payload, updated_at FROM proxy_sessions WHERE slot = $1`

	var payload []byte
	var updatedAt time.Time
	err := r.pool.QueryRow(ctx, query, slot).Scan(&payload, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}

	session := &Session{}
	if err := json.Unmarshal(payload, session); err != nil {
		return nil, errors.Wrap(err, "failed to decode stored session")
	}

	// The column is authoritative over whatever the payload claims.
	session.UpdatedAt = updatedAt

	return session, nil
}

// Save upserts the session under slot
func (r *PostgresSessionStore) Save(ctx context.Context, slot string, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	query := `
		INSERT INTO proxy_sessions (slot, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot) DO UPDATE SET payload = $2, updated_at = $3`

	_, err = r.pool.Exec(ctx, query, slot, payload, s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to save session")
	}

	return nil
}

// MemorySessionStore keeps sessions in memory. Used in tests and when the
// service runs without a database.
type MemorySessionStore struct {
	mu    sync.Mutex
	slots map[string]*Session
	saves int
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{slots: make(map[string]*Session)}
}

func (m *MemorySessionStore) Load(_ context.Context, slot string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slot]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessionStore) Save(_ context.Context, slot string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.slots[slot] = &cp
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemorySessionStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
