package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// OutboxMessage is a notification stored in the same transaction as the
// state it reports, to be relayed to the log afterwards.
type OutboxMessage struct {
	ID          int64
	Subject     string
	Key         string
	Payload     []byte
	CreatedDate time.Time
}

// OutboxStore reads and writes the transactional outbox.
type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Insert appends messages in order.
func (s *OutboxStore) Insert(ctx context.Context, q querier, msgs []OutboxMessage) error {
	for _, m := range msgs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO outbox (subject, partition_key, payload) VALUES ($1, $2, $3)`,
			m.Subject, m.Key, m.Payload,
		); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
	}
	return nil
}

// FetchPending returns unpublished messages in insertion order.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outbox_id, subject, partition_key, payload, created_date
		FROM outbox
		WHERE published_date IS NULL
		ORDER BY outbox_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Subject, &m.Key, &m.Payload, &m.CreatedDate); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkPublished stamps the given messages as relayed.
func (s *OutboxStore) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_date = NOW() WHERE outbox_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// CountPending returns the number of unpublished messages.
func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_date IS NULL`).Scan(&n)
	return n, err
}
