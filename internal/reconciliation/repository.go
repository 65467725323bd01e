package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CentralLedger/internal/event"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Participant roles and ledger entry types of reconciliation transfers.
const (
	RoleHub             = "HUB"
	RoleDFSPSettlement  = "DFSP_SETTLEMENT"
	EntryRecordFundsIn  = "RECORD_FUNDS_IN"
	EntryRecordFundsOut = "RECORD_FUNDS_OUT"
)

// ErrTransferExists is returned by InsertTransfer when a transfer row with
// the same id was committed first.
var ErrTransferExists = errors.New("transfer already exists")

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// PgStore runs reconciliation steps against Postgres through pgx.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error) {
	acc := ledger.ParticipantCurrency{ParticipantName: participant, LedgerAccountType: accountType}
	err := t.tx.QueryRow(ctx, `
		SELECT pc.participant_currency_id, pc.participant_id, pc.currency_id, pc.is_active AND p.is_active
		FROM participant_currency pc
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE p.name = $1 AND pc.currency_id = $2 AND pc.ledger_account_type = $3`,
		participant, currency, string(accountType),
	).Scan(&acc.ID, &acc.ParticipantID, &acc.Currency, &acc.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return acc, persistence.ErrNotFound
	}
	if err != nil {
		return acc, fmt.Errorf("resolve account %s/%s/%s: %w", participant, currency, accountType, err)
	}
	return acc, nil
}

// CurrentState locks the transfer row and returns its latest state.
func (t *pgTx) CurrentState(ctx context.Context, transferID string) (state.TransferState, error) {
	var st string
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT transfer_state_id FROM transfer_state_change
			WHERE transfer_id = t.transfer_id
			ORDER BY transfer_state_change_id DESC LIMIT 1
		), '')
		FROM transfer t
		WHERE t.transfer_id = $1
		FOR UPDATE`, transferID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.StateNone, persistence.ErrNotFound
	}
	if err != nil {
		return state.StateNone, fmt.Errorf("load state %s: %w", transferID, err)
	}
	return state.TransferState(st), nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr Transfer) error {
	debtor, creditor := tr.Settlement, tr.Hub
	entry := EntryRecordFundsOut
	if tr.Hub.IsPayer {
		debtor, creditor = tr.Hub, tr.Settlement
		entry = EntryRecordFundsIn
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO transfer (transfer_id, payer_fsp, payee_fsp, amount, currency_id, expiration_date)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		tr.ID, debtor.ParticipantName, creditor.ParticipantName,
		tr.Amount.Amount.String(), tr.Amount.Currency, tr.Expiration,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert transfer %s: %w", tr.ID, ErrTransferExists)
		}
		return fmt.Errorf("insert transfer: %w", err)
	}

	for _, p := range []struct {
		leg  ledger.Leg
		role string
	}{{tr.Hub, RoleHub}, {tr.Settlement, RoleDFSPSettlement}} {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO transfer_participant (transfer_id, participant_currency_id, transfer_participant_role_type, ledger_entry_type, amount)
			VALUES ($1, $2, $3, $4, $5::numeric)`,
			tr.ID, p.leg.ParticipantCurrencyID, p.role, entry, p.leg.Amount.String(),
		); err != nil {
			return fmt.Errorf("insert transfer participant: %w", err)
		}
	}
	return t.InsertExtensions(ctx, tr.ID, tr.Extensions)
}

func (t *pgTx) Legs(ctx context.Context, transferID string) (hub, settlement ledger.Leg, err error) {
	rows, err := t.tx.Query(ctx, `
		SELECT tp.participant_currency_id, p.name, pc.currency_id, tp.amount::text, tp.transfer_participant_role_type
		FROM transfer_participant tp
		JOIN participant_currency pc ON pc.participant_currency_id = tp.participant_currency_id
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE tp.transfer_id = $1`, transferID)
	if err != nil {
		return hub, settlement, fmt.Errorf("load legs %s: %w", transferID, err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var (
			leg    ledger.Leg
			amount string
			role   string
		)
		if err := rows.Scan(&leg.ParticipantCurrencyID, &leg.ParticipantName, &leg.Currency, &amount, &role); err != nil {
			return hub, settlement, err
		}
		if leg.Amount, err = decimal.NewFromString(amount); err != nil {
			return hub, settlement, fmt.Errorf("parse leg amount: %w", err)
		}
		leg.IsPayer = leg.Amount.IsPositive()
		switch role {
		case RoleHub:
			hub = leg
			found++
		case RoleDFSPSettlement:
			settlement = leg
			found++
		}
	}
	if err := rows.Err(); err != nil {
		return hub, settlement, err
	}
	if found != 2 {
		return hub, settlement, fmt.Errorf("transfer %s is not a reconciliation transfer", transferID)
	}
	return hub, settlement, nil
}

func (t *pgTx) InsertStateChange(ctx context.Context, transferID string, st state.TransferState, reason string) (int64, error) {
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	var id int64
	if err := t.tx.QueryRow(ctx, `
		INSERT INTO transfer_state_change (transfer_id, transfer_state_id, reason)
		VALUES ($1, $2, $3) RETURNING transfer_state_change_id`,
		transferID, string(st), reasonArg,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert state change: %w", err)
	}
	return id, nil
}

// ApplyPosition adds delta to the account's position value, creating the
// position row on first use, and records the change.
func (t *pgTx) ApplyPosition(ctx context.Context, accountID int64, delta decimal.Decimal, stateChangeID int64) (decimal.Decimal, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO participant_position (participant_currency_id, value, reserved_value)
		VALUES ($1, 0, 0)
		ON CONFLICT (participant_currency_id) DO NOTHING`, accountID); err != nil {
		return decimal.Zero, fmt.Errorf("init position %d: %w", accountID, err)
	}

	var (
		positionID      int64
		value, reserved string
	)
	if err := t.tx.QueryRow(ctx, `
		UPDATE participant_position
		SET value = value + $2::numeric, changed_date = NOW()
		WHERE participant_currency_id = $1
		RETURNING participant_position_id, value::text, reserved_value::text`,
		accountID, delta.String(),
	).Scan(&positionID, &value, &reserved); err != nil {
		return decimal.Zero, fmt.Errorf("update position %d: %w", accountID, err)
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO participant_position_change (participant_position_id, transfer_state_change_id, value, reserved_value, change)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric)`,
		positionID, stateChangeID, value, reserved, delta.String(),
	); err != nil {
		return decimal.Zero, fmt.Errorf("insert position change %d: %w", accountID, err)
	}

	pos, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse position: %w", err)
	}
	return pos, nil
}

func (t *pgTx) InsertFulfilment(ctx context.Context, transferID string, completed time.Time) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO transfer_fulfilment (transfer_id, ilp_fulfilment, completed_date)
		VALUES ($1, '', $2)`, transferID, completed); err != nil {
		return fmt.Errorf("insert fulfilment: %w", err)
	}
	return nil
}

func (t *pgTx) InsertExtensions(ctx context.Context, transferID string, exts []event.Extension) error {
	if len(exts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ext := range exts {
		batch.Queue(`INSERT INTO transfer_extension (transfer_id, key, value) VALUES ($1, $2, $3)`,
			transferID, ext.Key, ext.Value)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert extensions: %w", err)
	}
	return nil
}
