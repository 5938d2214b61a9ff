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
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
)

// attemptColumns lists delivery_attempts columns qualified with alias a.
const attemptColumns = `a.id, a.campaign_id, a.recipient_id, a.recipient_name, a.address, a.state,
	a.attempt_count, a.last_failure_kind, a.last_error, a.next_attempt_at, a.last_attempt_at,
	COALESCE(a.claimed_by, ''), a.claimed_until, a.opened_at, a.clicked_at, a.created_at, a.updated_at`

// AttemptStore implements delivery.Store against PostgreSQL.
type AttemptStore struct{ db *sql.DB }

var _ delivery.Store = (*AttemptStore)(nil)

// NewAttemptStore creates a Postgres-backed delivery store.
func NewAttemptStore(db *sql.DB) *AttemptStore { return &AttemptStore{db: db} }

func scanAttempt(row rowScanner) (*domain.DeliveryAttempt, error) {
	a := &domain.DeliveryAttempt{}
	err := row.Scan(
		&a.ID, &a.CampaignID, &a.RecipientID, &a.RecipientName, &a.Address, &a.State,
		&a.AttemptCount, &a.LastFailureKind, &a.LastError, &a.NextAttemptAt, &a.LastAttemptAt,
		&a.ClaimedBy, &a.ClaimedUntil, &a.OpenedAt, &a.ClickedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AttemptStore) BeginDispatch(ctx context.Context, campaignID string, from []domain.CampaignStatus, recipients []domain.ResolvedRecipient, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin dispatch: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = ANY($3)
	`, campaignID, now, statusArray(from))
	if err != nil {
		return false, fmt.Errorf("start campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		found, err := exists(ctx, tx, "campaigns", campaignID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, campaign.ErrNotFound
		}
		return false, nil
	}

	ids := make([]string, len(recipients))
	recipientIDs := make([]string, len(recipients))
	names := make([]string, len(recipients))
	addresses := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = uuid.New().String()
		recipientIDs[i] = r.RecipientID
		names[i] = r.Name
		addresses[i] = r.Address
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(id, campaign_id, recipient_id, recipient_name, address, state, attempt_count, created_at, updated_at)
		SELECT u.id, $1, u.recipient_id, u.name, u.address, 'pending', 0, $2, $2
		FROM unnest($3::text[], $4::text[], $5::text[], $6::text[]) WITH ORDINALITY AS u(id, recipient_id, name, address, ord)
		ORDER BY u.ord
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING
	`, campaignID, now, pq.Array(ids), pq.Array(recipientIDs), pq.Array(names), pq.Array(addresses)); err != nil {
		return false, fmt.Errorf("insert attempts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET total_recipients = (SELECT COUNT(*) FROM delivery_attempts WHERE campaign_id = $1)
		WHERE id = $1
	`, campaignID); err != nil {
		return false, fmt.Errorf("set total recipients: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit dispatch: %w", err)
	}
	return true, nil
}

func (s *AttemptStore) ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH picked AS (
			SELECT p.id FROM delivery_attempts p
			JOIN campaigns c ON c.id = p.campaign_id
			WHERE p.state = 'pending' AND c.status = 'running'
			  AND (p.claimed_until IS NULL OR p.claimed_until <= $3)
			ORDER BY p.created_at
			LIMIT $4
			FOR UPDATE OF p SKIP LOCKED
		)
		UPDATE delivery_attempts a
		SET claimed_by = $1, claimed_until = $2, updated_at = $3
		FROM picked WHERE a.id = picked.id
		RETURNING `+attemptColumns,
		workerID, now.Add(lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *AttemptStore) MarkSent(ctx context.Context, attemptID, workerID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	defer tx.Rollback()

	var campaignID string
	err = tx.QueryRowContext(ctx, `
		UPDATE delivery_attempts
		SET state = 'sent', next_attempt_at = NULL, last_attempt_at = $3,
		    claimed_by = NULL, claimed_until = NULL, updated_at = $3
		WHERE id = $1 AND state = 'pending' AND claimed_by = $2
		RETURNING campaign_id
	`, attemptID, workerID, now).Scan(&campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return leaseError(ctx, tx, attemptID)
	}
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1, updated_at = $2
		WHERE id = $1 AND sent_count < total_recipients
	`, campaignID, now); err != nil {
		return fmt.Errorf("bump sent count: %w", err)
	}
	return tx.Commit()
}

func (s *AttemptStore) MarkRetrying(ctx context.Context, attemptID, workerID string, f delivery.Failure, next, now time.Time) error {
	return s.finish(ctx, attemptID, workerID, `
		UPDATE delivery_attempts
		SET state = 'retrying', attempt_count = attempt_count + 1,
		    last_failure_kind = $3, last_error = $4, next_attempt_at = $5, last_attempt_at = $6,
		    claimed_by = NULL, claimed_until = NULL, updated_at = $6
		WHERE id = $1 AND state = 'pending' AND claimed_by = $2
	`, attemptID, workerID, f.Kind, delivery.TruncateError(f.Message), next, now)
}

func (s *AttemptStore) MarkFailed(ctx context.Context, attemptID, workerID string, f delivery.Failure, now time.Time) error {
	return s.finish(ctx, attemptID, workerID, `
		UPDATE delivery_attempts
		SET state = 'failed', last_failure_kind = $3, last_error = $4,
		    next_attempt_at = NULL, last_attempt_at = $5,
		    claimed_by = NULL, claimed_until = NULL, updated_at = $5
		WHERE id = $1 AND state = 'pending' AND claimed_by = $2
	`, attemptID, workerID, f.Kind, delivery.TruncateError(f.Message), now)
}

func (s *AttemptStore) Release(ctx context.Context, attemptID, workerID string) error {
	return s.finish(ctx, attemptID, workerID, `
		UPDATE delivery_attempts SET claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2
	`, attemptID, workerID)
}

// finish runs a lease-guarded single-row update.
func (s *AttemptStore) finish(ctx context.Context, attemptID, workerID, q string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", attemptID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return leaseError(ctx, s.db, attemptID)
	}
	return nil
}

func leaseError(ctx context.Context, q rowQueryer, attemptID string) error {
	found, err := exists(ctx, q, "delivery_attempts", attemptID)
	if err != nil {
		return err
	}
	if !found {
		return delivery.ErrAttemptNotFound
	}
	return delivery.ErrLeaseLost
}

func (s *AttemptStore) DueRetryCampaigns(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.campaign_id
		FROM delivery_attempts a
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE c.status = 'running' AND a.state = 'retrying' AND a.next_attempt_at <= $1
		GROUP BY a.campaign_id, c.created_at
		ORDER BY c.created_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due retry campaigns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *AttemptStore) RequeueDue(ctx context.Context, campaignID string, now time.Time, maxRetries int) (delivery.RequeueResult, error) {
	var res delivery.RequeueResult
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT p.id, p.attempt_count > $3 AS exhausted
			FROM delivery_attempts p
			JOIN campaigns c ON c.id = p.campaign_id
			WHERE p.campaign_id = $1 AND c.status = 'running'
			  AND p.state = 'retrying' AND p.next_attempt_at <= $2
			FOR UPDATE OF p SKIP LOCKED
		)
		UPDATE delivery_attempts a
		SET state = CASE WHEN due.exhausted THEN 'failed' ELSE 'pending' END,
		    next_attempt_at = NULL, updated_at = $2
		FROM due WHERE a.id = due.id
		RETURNING due.exhausted
	`, campaignID, now, maxRetries)
	if err != nil {
		return res, fmt.Errorf("requeue due: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var exhausted bool
		if err := rows.Scan(&exhausted); err != nil {
			return res, err
		}
		if exhausted {
			res.Exhausted++
		} else {
			res.Requeued++
		}
	}
	return res, rows.Err()
}

func (s *AttemptStore) OpenCount(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_attempts
		WHERE campaign_id = $1 AND state IN ('pending', 'retrying')
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("open count: %w", err)
	}
	return n, nil
}

func (s *AttemptStore) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_attempts a
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE c.status = 'running' AND a.state IN ('pending', 'retrying')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

func (s *AttemptStore) Tally(ctx context.Context, campaignID string) (domain.AttemptTally, error) {
	t := domain.AttemptTally{FailureKinds: domain.NewFailureBreakdown()}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'sent'),
			COUNT(*) FILTER (WHERE state = 'retrying'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE attempt_count > 0),
			COUNT(*) FILTER (WHERE attempt_count > 0 AND state = 'sent'),
			COALESCE(SUM(attempt_count), 0)
		FROM delivery_attempts
		WHERE $1 = '' OR campaign_id = $1
	`, campaignID).Scan(&t.Pending, &t.Sent, &t.Retrying, &t.Failed, &t.Retried, &t.RetriedSent, &t.TotalRetries)
	if err != nil {
		return t, fmt.Errorf("tally attempts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT last_failure_kind, COUNT(*)
		FROM delivery_attempts
		WHERE state IN ('retrying', 'failed') AND last_failure_kind IS NOT NULL
		  AND ($1 = '' OR campaign_id = $1)
		GROUP BY last_failure_kind
	`, campaignID)
	if err != nil {
		return t, fmt.Errorf("failure breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind domain.FailureKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return t, err
		}
		t.FailureKinds[kind] += n
	}
	return t, rows.Err()
}

func (s *AttemptStore) ListAttempts(ctx context.Context, campaignID string, f delivery.AttemptFilter) ([]domain.DeliveryAttempt, int, error) {
	where := []string{"a.campaign_id = $1"}
	args := []interface{}{campaignID}
	if f.State != "" {
		args = append(args, f.State)
		where = append(where, fmt.Sprintf("a.state = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_attempts a WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM delivery_attempts a WHERE %s ORDER BY a.created_at, a.id LIMIT $%d OFFSET $%d`,
		attemptColumns, cond, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, q, append(args, nullLimit(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out, err := collectAttempts(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// engagementColumns maps an event kind to its timestamp and counter columns.
var engagementColumns = map[domain.EngagementKind][2]string{
	domain.EngagementOpen:  {"opened_at", "opened_count"},
	domain.EngagementClick: {"clicked_at", "clicked_count"},
}

func (s *AttemptStore) RecordEngagement(ctx context.Context, attemptID string, kind domain.EngagementKind, at time.Time) (bool, error) {
	cols, ok := engagementColumns[kind]
	if !ok {
		return false, fmt.Errorf("unknown engagement kind %q", kind)
	}
	stampCol, countCol := cols[0], cols[1]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record engagement: %w", err)
	}
	defer tx.Rollback()

	var campaignID string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE delivery_attempts SET %[1]s = $2, updated_at = $2
		WHERE id = $1 AND state = 'sent' AND %[1]s IS NULL
		RETURNING campaign_id
	`, stampCol), attemptID, at).Scan(&campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		found, err := exists(ctx, tx, "delivery_attempts", attemptID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, delivery.ErrAttemptNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stamp %s: %w", stampCol, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaigns SET %[1]s = %[1]s + 1
		WHERE id = $1 AND %[1]s < sent_count
	`, countCol), campaignID); err != nil {
		return false, fmt.Errorf("bump %s: %w", countCol, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit engagement: %w", err)
	}
	return true, nil
}

func collectAttempts(rows *sql.Rows) ([]domain.DeliveryAttempt, error) {
	out := []domain.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
