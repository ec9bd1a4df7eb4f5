package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/udisondev/bedrockproxy/internal/model"
)

// LoginRepository stores the audit trail of logins through the proxy.
type LoginRepository struct {
	db *pgxpool.Pool
}

// NewLoginRepository creates a new LoginRepository.
func NewLoginRepository(db *pgxpool.Pool) *LoginRepository {
	return &LoginRepository{db: db}
}

// RecordLogin inserts rec and returns its id. A zero CreatedAt is filled by
// the database.
func (r *LoginRepository) RecordLogin(ctx context.Context, rec model.LoginRecord) (int64, error) {
	var id int64
	var err error
	if rec.CreatedAt.IsZero() {
		err = r.db.QueryRow(ctx, `
			INSERT INTO login_records (display_name, player_id, xuid, authenticated, remote_addr)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			rec.DisplayName, rec.PlayerID, rec.XUID, rec.Authenticated, rec.RemoteAddr,
		).Scan(&id)
	} else {
		err = r.db.QueryRow(ctx, `
			INSERT INTO login_records (display_name, player_id, xuid, authenticated, remote_addr, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			rec.DisplayName, rec.PlayerID, rec.XUID, rec.Authenticated, rec.RemoteAddr, rec.CreatedAt,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("recording login of %q: %w", rec.DisplayName, err)
	}
	return id, nil
}

// RecentLogins returns up to limit latest records, newest first.
func (r *LoginRepository) RecentLogins(ctx context.Context, limit int) ([]model.LoginRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, display_name, player_id, xuid, authenticated, remote_addr, created_at
		FROM login_records
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent logins: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LoginRecord, error) {
		var rec model.LoginRecord
		err := row.Scan(&rec.ID, &rec.DisplayName, &rec.PlayerID, &rec.XUID,
			&rec.Authenticated, &rec.RemoteAddr, &rec.CreatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning recent logins: %w", err)
	}
	return recs, nil
}

// CountByPlayer returns how many logins were recorded for a player id.
func (r *LoginRepository) CountByPlayer(ctx context.Context, playerID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_records WHERE player_id = $1`, playerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting logins of %s: %w", playerID, err)
	}
	return n, nil
}
