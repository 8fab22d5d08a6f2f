package records

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// SettingsRepository stores runtime-tunable settings. It backs the layered
// config source, so credential and tuning changes take effect without a
// restart.
type SettingsRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(pool *pgxpool.Pool, logger *slog.Logger) *SettingsRepository {
	return &SettingsRepository{pool: pool, logger: logger}
}

// Value implements config.SettingsReader. Lookup failures are treated as
// absence so a database blip never blocks credential resolution.
func (r *SettingsRepository) Value(ctx context.Context, key string) (string, bool) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false
	}
	if err != nil {
		r.logger.Warn("settings lookup failed", "key", key, "error", err)
		return "", false
	}
	return value, true
}

// Get retrieves a setting by key
func (r *SettingsRepository) Get(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{}
	var description *string
	err := r.pool.QueryRow(ctx,
		`SELECT key, value, description FROM app_settings WHERE key = $1`, key,
	).Scan(&s.Key, &s.Value, &description)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("setting", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get setting")
	}
	if description != nil {
		s.Description = *description
	}

	return s, nil
}

// List retrieves all settings
func (r *SettingsRepository) List(ctx context.Context) ([]*Setting, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value, description FROM app_settings ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list settings")
	}
	defer rows.Close()

	var items []*Setting
	for rows.Next() {
		s := &Setting{}
		var description *string
		if err := rows.Scan(&s.Key, &s.Value, &description); err != nil {
			return nil, errors.Wrap(err, "failed to scan setting")
		}
		if description != nil {
			s.Description = *description
		}
		items = append(items, s)
	}

	return items, rows.Err()
}

// Set creates or updates a setting
func (r *SettingsRepository) Set(ctx context.Context, s *Setting) error {
	query := `
		INSERT INTO app_settings (key, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, description = COALESCE($3, app_settings.description)`

	var description *string
	if s.Description != "" {
		description = &s.Description
	}

	_, err := r.pool.Exec(ctx, query, s.Key, s.Value, description)
	if err != nil {
		return errors.Wrap(err, "failed to set setting")
	}

	return nil
}

// Seed inserts the default settings that the authentication flow expects to
// exist. Existing values are left alone.
func (r *SettingsRepository) Seed(ctx context.Context) error {
	defaults := []Setting{
		{Key: "upstream_username", Value: "", Description: "Sign-in username for the upstream portal"},
		{Key: "upstream_password", Value: "", Description: "Sign-in password for the upstream portal"},
		{Key: "upstream_base_url", Value: "", Description: "Override for the upstream origin"},
		{Key: "otp_retry_count", Value: "10", Description: "Mailbox polls to attempt while waiting for a passcode"},
		{Key: "otp_retry_delay", Value: "5", Description: "Seconds between mailbox polls"},
	}

	for _, s := range defaults {
		query := `
			INSERT INTO app_settings (key, value, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING`
		if _, err := r.pool.Exec(ctx, query, s.Key, s.Value, s.Description); err != nil {
			return errors.Wrap(err, "failed to seed settings")
		}
	}

	return nil
}
