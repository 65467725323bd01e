package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CentralLedger/internal/ledger"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PositionStore reads participant accounts, positions and limits.
// Positions are only written by BinWriter, as signed deltas.
type PositionStore struct {
	db *sql.DB
}

func NewPositionStore(db *sql.DB) *PositionStore {
	return &PositionStore{db: db}
}

// ParticipantPosition is one account of a participant as reported by the
// query API.
type ParticipantPosition struct {
	ParticipantCurrencyID int64
	Currency              string
	LedgerAccountType     ledger.LedgerAccountType
	Value                 decimal.Decimal
	ReservedValue         decimal.Decimal
	ChangedDate           time.Time
}

// ResolveAccount finds the account of a participant for a currency and
// account type.
func (s *PositionStore) ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error) {
	var (
		a       ledger.ParticipantCurrency
		accType string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pc.participant_currency_id, pc.participant_id, p.name, pc.currency_id,
		       pc.ledger_account_type, pc.is_active AND p.is_active
		FROM participant_currency pc
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE p.name = $1 AND pc.currency_id = $2 AND pc.ledger_account_type = $3`,
		participant, currency, string(accountType),
	).Scan(&a.ID, &a.ParticipantID, &a.ParticipantName, &a.Currency, &accType, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ParticipantCurrency{}, fmt.Errorf("account %s/%s/%s: %w", participant, currency, accountType, ErrNotFound)
	}
	if err != nil {
		return ledger.ParticipantCurrency{}, fmt.Errorf("resolve account %s/%s: %w", participant, currency, err)
	}
	if a.LedgerAccountType, err = ledger.ParseLedgerAccountType(accType); err != nil {
		return ledger.ParticipantCurrency{}, err
	}
	return a, nil
}

// GetPositions returns the current positions of the given accounts.
func (s *PositionStore) GetPositions(ctx context.Context, ids []int64) (map[int64]ledger.Position, error) {
	return getPositions(ctx, s.db, ids)
}

func getPositions(ctx context.Context, q querier, ids []int64) (map[int64]ledger.Position, error) {
	out := make(map[int64]ledger.Position, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT participant_currency_id, value, reserved_value, changed_date
		FROM participant_position
		WHERE participant_currency_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ledger.Position
		if err := rows.Scan(&p.ParticipantCurrencyID, &p.Value, &p.ReservedValue, &p.ChangedDate); err != nil {
			return nil, err
		}
		out[p.ParticipantCurrencyID] = p
	}
	return out, rows.Err()
}

// GetAccountSnapshots returns, per position account, the participant, the
// position of the matching settlement account and the active net debit
// cap. A missing limit reads as a cap of zero.
func (s *PositionStore) GetAccountSnapshots(ctx context.Context, ids []int64) (map[int64]ledger.AccountSnapshot, error) {
	out := make(map[int64]ledger.AccountSnapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.participant_currency_id, pc.participant_id, p.name, pc.currency_id, pc.ledger_account_type,
		       pc.is_active AND p.is_active,
		       COALESCE(sp.value, 0),
		       COALESCE(pl.limit_type, $2), COALESCE(pl.value, 0), COALESCE(pl.threshold_alarm_percentage, 0)
		FROM participant_currency pc
		JOIN participant p ON p.participant_id = pc.participant_id
		LEFT JOIN participant_currency sc
		       ON sc.participant_id = pc.participant_id
		      AND sc.currency_id = pc.currency_id
		      AND sc.ledger_account_type = $3
		LEFT JOIN participant_position sp ON sp.participant_currency_id = sc.participant_currency_id
		LEFT JOIN participant_limit pl
		       ON pl.participant_currency_id = pc.participant_currency_id
		      AND pl.limit_type = $2
		      AND pl.is_active
		WHERE pc.participant_currency_id = ANY($1)`,
		pq.Array(ids), string(ledger.LimitNetDebitCap), string(ledger.AccountSettlement))
	if err != nil {
		return nil, fmt.Errorf("query account snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			snap      ledger.AccountSnapshot
			accType   string
			limitType string
		)
		if err := rows.Scan(&snap.Account.ID, &snap.Account.ParticipantID, &snap.Account.ParticipantName,
			&snap.Account.Currency, &accType, &snap.Account.IsActive, &snap.SettlementPosition,
			&limitType, &snap.Limit.Value, &snap.Limit.ThresholdAlarmPercentage); err != nil {
			return nil, err
		}
		if snap.Account.LedgerAccountType, err = ledger.ParseLedgerAccountType(accType); err != nil {
			return nil, err
		}
		snap.Limit.ParticipantCurrencyID = snap.Account.ID
		snap.Limit.Type = ledger.LimitType(limitType)
		out[snap.Account.ID] = snap
	}
	return out, rows.Err()
}

// ListParticipantPositions returns every account position of a participant.
func (s *PositionStore) ListParticipantPositions(ctx context.Context, participant string) ([]ParticipantPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.participant_currency_id, pc.currency_id, pc.ledger_account_type,
		       pp.value, pp.reserved_value, pp.changed_date
		FROM participant p
		JOIN participant_currency pc ON pc.participant_id = p.participant_id
		JOIN participant_position pp ON pp.participant_currency_id = pc.participant_currency_id
		WHERE p.name = $1
		ORDER BY pc.currency_id, pc.ledger_account_type`, participant)
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", participant, err)
	}
	defer rows.Close()

	var out []ParticipantPosition
	for rows.Next() {
		var (
			p       ParticipantPosition
			accType string
		)
		if err := rows.Scan(&p.ParticipantCurrencyID, &p.Currency, &accType, &p.Value, &p.ReservedValue, &p.ChangedDate); err != nil {
			return nil, err
		}
		p.LedgerAccountType = ledger.LedgerAccountType(accType)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("participant %s: %w", participant, ErrNotFound)
	}
	return out, nil
}
