package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/recipient"
)

const recipientColumns = `r.id, r.name, COALESCE(r.email, ''), COALESCE(r.phone, ''),
	COALESCE(r.device_token, ''), r.opted_out, r.created_at`

// Directory implements recipient.Directory against PostgreSQL.
type Directory struct{ db *sql.DB }

var _ recipient.Directory = (*Directory)(nil)

// NewDirectory creates a Postgres-backed recipient directory.
func NewDirectory(db *sql.DB) *Directory { return &Directory{db: db} }

func (d *Directory) All(ctx context.Context) ([]domain.Recipient, error) {
	return d.query(ctx, `
		SELECT `+recipientColumns+` FROM recipients r
		WHERE r.deleted_at IS NULL
		ORDER BY r.created_at, r.id
	`)
}

func (d *Directory) Segment(ctx context.Context, segmentID string) ([]domain.Recipient, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM segments WHERE id = $1 AND deleted_at IS NULL`, segmentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recipient.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup segment: %w", err)
	}

	return d.query(ctx, `
		SELECT `+recipientColumns+` FROM recipients r
		JOIN segment_members m ON m.recipient_id = r.id
		WHERE m.segment_id = $1 AND r.deleted_at IS NULL
		ORDER BY r.created_at, r.id
	`, segmentID)
}

func (d *Directory) ByIDs(ctx context.Context, ids []string) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return []domain.Recipient{}, nil
	}
	return d.query(ctx, `
		SELECT `+recipientColumns+` FROM recipients r
		WHERE r.id = ANY($1) AND r.deleted_at IS NULL
	`, pq.Array(ids))
}

func (d *Directory) query(ctx context.Context, q string, args ...interface{}) ([]domain.Recipient, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	out := []domain.Recipient{}
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Email, &r.Phone, &r.DeviceToken, &r.OptedOut, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
