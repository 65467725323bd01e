package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CentralLedger/internal/core"

	"github.com/lib/pq"
)

// pgUniqueViolation is the SQLSTATE of a unique-key conflict.
const pgUniqueViolation = "23505"

var duplicateTables = map[core.DuplicateKind]string{
	core.DuplicateTransfer:           "transfer_duplicate_check",
	core.DuplicateTransferFulfilment: "transfer_fulfilment_duplicate_check",
	core.DuplicateTransferError:      "transfer_error_duplicate_check",
	core.DuplicateFxTransfer:         "fx_transfer_duplicate_check",
	core.DuplicateFxTransferFulfil:   "fx_transfer_fulfilment_duplicate_check",
	core.DuplicateFxTransferError:    "fx_transfer_error_duplicate_check",
}

// PostgresDuplicateStore keeps one duplicate-check table per kind. Records
// are written once and never updated.
type PostgresDuplicateStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresDuplicateStore(db *sql.DB, timeout time.Duration) *PostgresDuplicateStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &PostgresDuplicateStore{db: db, timeout: timeout}
}

func duplicateTable(kind core.DuplicateKind) (string, error) {
	table, ok := duplicateTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown duplicate check kind %q", kind)
	}
	return table, nil
}

// GetHash returns the stored hash for id.
func (s *PostgresDuplicateStore) GetHash(ctx context.Context, kind core.DuplicateKind, id string) (string, bool, error) {
	table, err := duplicateTable(kind)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var hash string
	err = s.db.QueryRowContext(ctx, `SELECT hash FROM `+table+` WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// InsertHash stores hash for id unless a record exists. A concurrent writer
// that got there first is reported as inserted=false.
func (s *PostgresDuplicateStore) InsertHash(ctx context.Context, kind core.DuplicateKind, id, hash string) (bool, error) {
	table, err := duplicateTable(kind)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, hash) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, hash)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Recent returns the newest records of a kind, used to warm the LRU at
// startup.
func (s *PostgresDuplicateStore) Recent(ctx context.Context, kind core.DuplicateKind, limit int) (map[string]string, error) {
	table, err := duplicateTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hash FROM `+table+` ORDER BY created_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, limit)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}
