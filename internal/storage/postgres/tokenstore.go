// Package postgres stores device tokens in a relational user_fcm_tokens table,
// the layout used by hosted Postgres backends such as Supabase.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

const tokenFields = `fcm_token, device_id, user_email, device_type, updated_at`

// PgTokenStore implements push.TokenStore on a pgx connection pool.
type PgTokenStore struct {
	db *pgxpool.Pool
}

var _ push.TokenStore = (*PgTokenStore)(nil)

func NewPgTokenStore(db *pgxpool.Pool) *PgTokenStore {
	return &PgTokenStore{db: db}
}

type tokenRow struct {
	Token      string    `db:"fcm_token"`
	DeviceID   string    `db:"device_id"`
	UserEmail  string    `db:"user_email"`
	DeviceType string    `db:"device_type"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (s *PgTokenStore) Upsert(ctx context.Context, record push.TokenRecord) error {
	r := record.Normalize()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	query := `INSERT INTO user_fcm_tokens (` + tokenFields + `)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fcm_token) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			user_email = EXCLUDED.user_email,
			device_type = EXCLUDED.device_type,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, query, r.Token, r.DeviceID, r.UserEmail, r.DeviceType, r.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

func (s *PgTokenStore) DeleteDeviceTokensExcept(ctx context.Context, deviceID, keepToken string) error {
	query := `DELETE FROM user_fcm_tokens WHERE device_id = $1 AND fcm_token <> $2`
	if _, err := s.db.Exec(ctx, query, deviceID, keepToken); err != nil {
		return fmt.Errorf("failed to delete stale device tokens: %w", err)
	}
	return nil
}

func (s *PgTokenStore) ListTokens(ctx context.Context, deviceType string) ([]push.TokenRecord, error) {
	query := `SELECT ` + tokenFields + ` FROM user_fcm_tokens`
	args := []any{}
	if deviceType != "" {
		query += ` WHERE device_type = $1`
		args = append(args, deviceType)
	}
	query += ` ORDER BY updated_at`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[tokenRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan tokens: %w", err)
	}

	records := make([]push.TokenRecord, 0, len(found))
	for _, row := range found {
		records = append(records, push.TokenRecord{
			Token:      row.Token,
			DeviceID:   row.DeviceID,
			UserEmail:  row.UserEmail,
			DeviceType: row.DeviceType,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return records, nil
}

func (s *PgTokenStore) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM user_fcm_tokens WHERE fcm_token = ANY($1)`, tokens); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}
