package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screensplit/server/internal/domain/preferences"
)

var _ preferences.Repository = (*PreferencesRepository)(nil)

type PreferencesRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (r *PreferencesRepository) Get(ctx context.Context, userID string) (*preferences.Stored, error) {
	if !validUUID(userID) {
		return nil, preferences.ErrNotFound
	}
	var stored preferences.Stored
	err := pick(r.pool, r.tx).QueryRow(ctx, `
SELECT user_id::text, settings, updated_at
  FROM designer_preferences
 WHERE user_id = $1::uuid`, userID,
	).Scan(&stored.UserID, &stored.Preferences, &stored.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, preferences.ErrNotFound
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return &stored, nil
}

func (r *PreferencesRepository) Upsert(ctx context.Context, userID string, prefs preferences.Preferences, at time.Time) (*preferences.Stored, error) {
	var stored preferences.Stored
	err := pick(r.pool, r.tx).QueryRow(ctx, `
INSERT INTO designer_preferences (user_id, settings, updated_at)
VALUES ($1::uuid, $2, $3)
ON CONFLICT (user_id) DO UPDATE
   SET settings = EXCLUDED.settings,
       updated_at = EXCLUDED.updated_at
RETURNING user_id::text, settings, updated_at`,
		userID, prefs, at,
	).Scan(&stored.UserID, &stored.Preferences, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert preferences: %w", err)
	}
	return &stored, nil
}
