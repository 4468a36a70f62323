package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// ActivityStore is the Postgres-backed activity sink. A committed INSERT is
// durable, which satisfies the log's crash guarantee.
type ActivityStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewActivityStore(pool *pgxpool.Pool, logger *zap.Logger) *ActivityStore {
	return &ActivityStore{pool: pool, logger: logger.Named("activity_store")}
}

const insertActivity = `
	INSERT INTO activity_events (sequence, id, occurred_at, source, category, severity, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *ActivityStore) Append(ctx context.Context, event activity.Event) error {
	payload, err := json.Marshal(event.Payload.Clone())
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, insertActivity,
		int64(event.Sequence),
		event.ID,
		event.Timestamp,
		string(event.Source),
		string(event.Category),
		int16(event.Severity),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity event %d: %w", event.Sequence, err)
	}
	return nil
}

const selectActivityPage = `
	SELECT sequence, id, occurred_at, source, category, severity, payload
	FROM activity_events
	WHERE sequence > $1
	ORDER BY sequence
	LIMIT $2`

func (s *ActivityStore) ReadPage(ctx context.Context, after uint64, limit int) ([]activity.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, selectActivityPage, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity events: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanActivity)
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity events: %w", err)
	}
	return events, nil
}

func scanActivity(row pgx.CollectableRow) (activity.Event, error) {
	var (
		ev       activity.Event
		seq      int64
		source   string
		category string
		severity int16
		payload  []byte
	)
	if err := row.Scan(&seq, &ev.ID, &ev.Timestamp, &source, &category, &severity, &payload); err != nil {
		return ev, err
	}
	ev.Sequence = uint64(seq)
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Source = activity.Source(source)
	ev.Category = activity.Category(category)
	ev.Severity = activity.Severity(severity)
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return ev, fmt.Errorf("decode payload of event %d: %w", seq, err)
	}
	return ev, nil
}

func (s *ActivityStore) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM activity_events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return uint64(last), nil
}
