package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

const recordColumns = `id, channel, recipient, template_key, fields, run_at, status, attempts`

type Record struct {
	ID          uuid.UUID
	Channel     Channel
	Recipient   string
	TemplateKey string
	Fields      map[string]string
	RunAt       time.Time
	Status      Status
	Attempts    int
}

type InsertParams struct {
	Channel     Channel
	Recipient   string
	TemplateKey string
	Fields      map[string]string
	RunAt       time.Time
}

type Repository struct {
	pool db.Pool
}

func New(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, p InsertParams) (uuid.UUID, error) {
	switch {
	case p.Channel != ChannelEmail && p.Channel != ChannelSMS:
		return uuid.Nil, fmt.Errorf("unknown channel %q", p.Channel)
	case p.Recipient == "":
		return uuid.Nil, errors.New("recipient is required")
	case p.TemplateKey == "":
		return uuid.Nil, errors.New("template key is required")
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Fields == nil {
		p.Fields = map[string]string{}
	}

	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal fields: %w", err)
	}

	var id uuid.UUID
	err = db.QuerierFromCtx(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO notification_outbox (channel, recipient, template_key, fields, run_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		string(p.Channel), p.Recipient, p.TemplateKey, fields, p.RunAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, db.MapError(err)
	}
	return id, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM notification_outbox WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, db.MapError(err)
	}
	return rec, nil
}

// ClaimPending moves up to limit due rows to enqueued. Concurrent
// dispatchers never claim the same row.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM notification_outbox
		WHERE status = 'pending' AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE notification_outbox o
	SET status = 'enqueued', updated_at = now()
	FROM cte
	WHERE o.id = cte.id
	RETURNING o.id, o.channel, o.recipient, o.template_key, o.fields, o.run_at, o.status, o.attempts`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// MarkPending hands the row back to the dispatcher at runAt.
func (r *Repository) MarkPending(ctx context.Context, id uuid.UUID, lastError string, runAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'pending', last_error = NULLIF($2, ''), run_at = $3, updated_at = now()
		 WHERE id = $1`,
		id, lastError, runAt,
	)
	return err
}

// MarkProcessing claims an enqueued row for delivery and counts the attempt.
// It reports false when another worker already holds or finished the row.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'processing', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'enqueued')`,
		id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSucceeded also clears the template fields; OTP rows carry plaintext
// codes.
func (r *Repository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'succeeded', last_error = NULL, fields = '{}', updated_at = now()
		 WHERE id = $1`,
		id,
	)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'failed', last_error = $2, fields = '{}', updated_at = now()
		 WHERE id = $1`,
		id, lastError,
	)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		channel string
		status  string
		fields  []byte
	)
	if err := row.Scan(&rec.ID, &channel, &rec.Recipient, &rec.TemplateKey, &fields, &rec.RunAt, &status, &rec.Attempts); err != nil {
		return Record{}, err
	}
	rec.Channel = Channel(channel)
	rec.Status = Status(status)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return Record{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return rec, nil
}
