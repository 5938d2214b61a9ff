package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

const campaignColumns = `id, name, subject, body, type, status,
	target_kind, COALESCE(target_segment_id, ''), target_recipient_ids,
	total_recipients, sent_count, opened_count, clicked_count,
	scheduled_at, max_retries, failure_reason,
	started_at, completed_at, created_at, updated_at`

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

var _ campaign.Repository = (*CampaignRepo)(nil)

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.Body, &c.Type, &c.Status,
		&c.Target.Kind, &c.Target.SegmentID, pq.Array(&c.Target.RecipientIDs),
		&c.TotalRecipients, &c.SentCount, &c.OpenedCount, &c.ClickedCount,
		&c.ScheduledAt, &c.MaxRetries, &c.FailureReason,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR subject ILIKE $%d)", n, n))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM campaigns WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		campaignColumns, cond, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, nullLimit(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	out := []domain.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, subject, body, type, status,
			 target_kind, target_segment_id, target_recipient_ids,
			 scheduled_at, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, c.Name, c.Subject, c.Body, c.Type, c.Status,
		c.Target.Kind, nullString(c.Target.SegmentID), pq.Array(c.Target.RecipientIDs),
		c.ScheduledAt, c.MaxRetries, created)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return id, nil
}

func (r *CampaignRepo) Update(ctx context.Context, id string, u campaign.UpdateFields, allowed []domain.CampaignStatus) error {
	sets := []string{}
	args := []interface{}{}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Type != nil {
		add("type", *u.Type)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.Body != nil {
		add("body", *u.Body)
	}
	if u.Target != nil {
		add("target_kind", u.Target.Kind)
		add("target_segment_id", nullString(u.Target.SegmentID))
		add("target_recipient_ids", pq.Array(u.Target.RecipientIDs))
	}
	if u.ScheduledAt != nil {
		add("scheduled_at", *u.ScheduledAt)
	}
	if u.MaxRetries != nil {
		add("max_retries", *u.MaxRetries)
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id, statusArray(allowed))
	q := fmt.Sprintf("UPDATE campaigns SET %s WHERE id = $%d AND status = ANY($%d)",
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.missOr(ctx, id, campaign.ErrNotEditable)
}

func (r *CampaignRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM campaigns c
		WHERE c.id = $1 AND c.status IN ('draft', 'scheduled')
		  AND NOT EXISTS (SELECT 1 FROM delivery_attempts a WHERE a.campaign_id = c.id)
	`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.missOr(ctx, id, campaign.ErrNotDeletable)
}

func (r *CampaignRepo) Schedule(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'scheduled', scheduled_at = $2, updated_at = $3
		WHERE id = $1 AND status IN ('draft', 'scheduled')
	`, id, at, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.missOr(ctx, id, campaign.ErrInvalidTransition)
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			status = $2,
			updated_at = $3,
			completed_at = CASE WHEN $4 THEN $3 ELSE completed_at END,
			failure_reason = CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END
		WHERE id = $1 AND status = ANY($6)
	`, id, to, now, to.IsTerminal(), reason, statusArray(from))
	if err != nil {
		return false, fmt.Errorf("transition campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	found, err := exists(ctx, r.db, "campaigns", id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, campaign.ErrNotFound
	}
	return false, nil
}

func (r *CampaignRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	return r.query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at, created_at
		LIMIT $2
	`, now, nullLimit(limit))
}

func (r *CampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	return r.query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at
	`, status)
}

func (r *CampaignRepo) Totals(ctx context.Context) (domain.CampaignTotals, error) {
	t := domain.CampaignTotals{ByStatus: make(map[domain.CampaignStatus]int, len(domain.CampaignStatuses))}
	for _, s := range domain.CampaignStatuses {
		t.ByStatus[s] = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_recipients), 0), COALESCE(SUM(sent_count), 0),
		       COALESCE(SUM(opened_count), 0), COALESCE(SUM(clicked_count), 0)
		FROM campaigns GROUP BY status
	`)
	if err != nil {
		return t, fmt.Errorf("campaign totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.CampaignStatus
		var n, recipients, sent, opened, clicked int
		if err := rows.Scan(&status, &n, &recipients, &sent, &opened, &clicked); err != nil {
			return t, fmt.Errorf("scan totals: %w", err)
		}
		t.ByStatus[status] = n
		t.Campaigns += n
		t.TotalRecipients += recipients
		t.SentCount += sent
		t.OpenedCount += opened
		t.ClickedCount += clicked
	}
	if err := rows.Err(); err != nil {
		return t, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(opened_count::float8 / sent_count), 0),
		       COALESCE(AVG(clicked_count::float8 / sent_count), 0)
		FROM campaigns WHERE sent_count > 0
	`).Scan(&t.AverageOpenRate, &t.AverageClickRate)
	if err != nil {
		return t, fmt.Errorf("campaign averages: %w", err)
	}
	return t, nil
}

func (r *CampaignRepo) query(ctx context.Context, q string, args ...interface{}) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// missOr returns ErrNotFound when the campaign does not exist, else conflict.
func (r *CampaignRepo) missOr(ctx context.Context, id string, conflict error) error {
	found, err := exists(ctx, r.db, "campaigns", id)
	if err != nil {
		return err
	}
	if !found {
		return campaign.ErrNotFound
	}
	return conflict
}
