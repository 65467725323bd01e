package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CentralLedger/internal/core"
	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ledger"
	"CentralLedger/internal/state"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a transfer, FX transfer or account does not
// exist.
var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Participant roles recorded in transfer_participant.
const (
	RolePayerDFSP       = "PAYER_DFSP"
	RolePayeeDFSP       = "PAYEE_DFSP"
	RoleInitiatingFSP   = "INITIATING_FSP"
	RoleCounterPartyFSP = "COUNTER_PARTY_FSP"

	EntryPrincipleValue = "PRINCIPLE_VALUE"
)

// kindSchema names the tables of one state machine.
type kindSchema struct {
	transfer      string
	idColumn      string
	participant   string
	stateChange   string
	stateChangeID string
	fulfilment    string
	errorTable    string
	payerRole     string
	payeeRole     string
}

var schemas = map[state.Kind]kindSchema{
	state.KindTransfer: {
		transfer:      "transfer",
		idColumn:      "transfer_id",
		participant:   "transfer_participant",
		stateChange:   "transfer_state_change",
		stateChangeID: "transfer_state_change_id",
		fulfilment:    "transfer_fulfilment",
		errorTable:    "transfer_error",
		payerRole:     RolePayerDFSP,
		payeeRole:     RolePayeeDFSP,
	},
	state.KindFxTransfer: {
		transfer:      "fx_transfer",
		idColumn:      "commit_request_id",
		participant:   "fx_transfer_participant",
		stateChange:   "fx_transfer_state_change",
		stateChangeID: "fx_transfer_state_change_id",
		fulfilment:    "fx_transfer_fulfilment",
		errorTable:    "fx_transfer_error",
		payerRole:     RoleInitiatingFSP,
		payeeRole:     RoleCounterPartyFSP,
	},
}

// TransferRecord is the stored form of a transfer with its latest state.
type TransferRecord struct {
	TransferID       string
	PayerFsp         string
	PayeeFsp         string
	Amount           decimal.Decimal
	Currency         string
	Condition        string
	IlpPacket        string
	Expiration       time.Time
	Fulfilment       string
	CompletedDate    *time.Time
	State            state.TransferState
	Reason           string
	ErrorCode        string
	ErrorDescription string
	Extensions       []event.Extension
	CreatedDate      time.Time
}

// FxTransferRecord is the stored form of an FX transfer with its latest
// state.
type FxTransferRecord struct {
	CommitRequestID       string
	DeterminingTransferID string
	InitiatingFsp         string
	CounterPartyFsp       string
	SourceAmount          event.Money
	TargetAmount          event.Money
	Condition             string
	Expiration            time.Time
	Fulfilment            string
	CompletedDate         *time.Time
	State                 state.TransferState
	Reason                string
	CreatedDate           time.Time
}

// ExpiredTransfer is a transfer whose expiration passed while it was still
// in flight.
type ExpiredTransfer struct {
	Kind       state.Kind
	ID         string
	State      state.TransferState
	PayerFsp   string
	PayeeFsp   string
	Expiration time.Time
}

// TransferStore persists transfers, FX transfers and their state-change
// logs.
type TransferStore struct {
	db *sql.DB
}

func NewTransferStore(db *sql.DB) *TransferStore {
	return &TransferStore{db: db}
}

// DB exposes the pool for callers that compose transactions.
func (s *TransferStore) DB() *sql.DB { return s.db }

// SavePrepare stores a prepare request, its participants and its first
// state change in one transaction. legs is nil when the request failed
// validation before its accounts could be resolved.
func (s *TransferStore) SavePrepare(ctx context.Context, p *event.TransferPrepare, legs *ledger.Legs, st state.TransferState, reason string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfer (transfer_id, payer_fsp, payee_fsp, amount, currency_id, ilp_condition, ilp_packet, expiration_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.TransferID, p.PayerFsp, p.PayeeFsp, p.Amount.Amount, p.Amount.Currency,
			p.Condition, p.IlpPacket, p.Expiration,
		); err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		if legs != nil {
			if err := insertLegs(ctx, tx, state.KindTransfer, p.TransferID, *legs); err != nil {
				return err
			}
		}
		if p.ExtensionList != nil {
			for _, ext := range p.ExtensionList.Extension {
				if err := insertExtension(ctx, tx, p.TransferID, ext); err != nil {
					return err
				}
			}
		}
		_, err := insertStateChange(ctx, tx, state.KindTransfer, p.TransferID, st, reason)
		return err
	})
}

// SaveFxPrepare is SavePrepare for FX transfers.
func (s *TransferStore) SaveFxPrepare(ctx context.Context, p *event.FxTransferPrepare, legs *ledger.Legs, st state.TransferState, reason string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var determining *string
		if p.DeterminingTransferID != "" {
			determining = &p.DeterminingTransferID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fx_transfer (commit_request_id, determining_transfer_id, initiating_fsp, counter_party_fsp,
				source_amount, source_currency_id, target_amount, target_currency_id, ilp_condition, expiration_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			p.CommitRequestID, determining, p.InitiatingFsp, p.CounterPartyFsp,
			p.SourceAmount.Amount, p.SourceAmount.Currency, p.TargetAmount.Amount, p.TargetAmount.Currency,
			p.Condition, p.Expiration,
		); err != nil {
			return fmt.Errorf("insert fx transfer: %w", err)
		}
		if legs != nil {
			if err := insertLegs(ctx, tx, state.KindFxTransfer, p.CommitRequestID, *legs); err != nil {
				return err
			}
		}
		_, err := insertStateChange(ctx, tx, state.KindFxTransfer, p.CommitRequestID, st, reason)
		return err
	})
}

// SaveFulfil records the fulfilment and the state it moved the transfer to.
func (s *TransferStore) SaveFulfil(ctx context.Context, kind state.Kind, id, fulfilment string, completed time.Time, st state.TransferState) error {
	sc := schemas[kind]
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+sc.fulfilment+` (`+sc.idColumn+`, ilp_fulfilment, completed_date)
			VALUES ($1, $2, $3) ON CONFLICT (`+sc.idColumn+`) DO NOTHING`,
			id, fulfilment, completed,
		); err != nil {
			return fmt.Errorf("insert fulfilment: %w", err)
		}
		_, err := insertStateChange(ctx, tx, kind, id, st, "")
		return err
	})
}

// SaveError records the error reported for a transfer and its new state.
func (s *TransferStore) SaveError(ctx context.Context, kind state.Kind, id string, info fspiop.ErrorInformation, st state.TransferState) error {
	sc := schemas[kind]
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+sc.errorTable+` (`+sc.idColumn+`, error_code, error_description)
			VALUES ($1, $2, $3) ON CONFLICT (`+sc.idColumn+`) DO NOTHING`,
			id, string(info.ErrorCode), info.ErrorDescription,
		); err != nil {
			return fmt.Errorf("insert transfer error: %w", err)
		}
		_, err := insertStateChange(ctx, tx, kind, id, st, info.ErrorDescription)
		return err
	})
}

// InsertStateChanges appends state changes in order in one transaction.
func (s *TransferStore) InsertStateChanges(ctx context.Context, changes []core.StateChange) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, c := range changes {
			if _, err := insertStateChange(ctx, tx, c.Kind, c.ID, c.State, c.Reason); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkExpired appends to if the latest state of id is still from. The
// transfer row is locked for the check. It reports whether the change was
// written.
func (s *TransferStore) MarkExpired(ctx context.Context, kind state.Kind, id string, from, to state.TransferState, reason string) (bool, error) {
	sc := schemas[kind]
	written := false
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT (
				SELECT transfer_state_id FROM `+sc.stateChange+`
				WHERE `+sc.idColumn+` = t.`+sc.idColumn+`
				ORDER BY `+sc.stateChangeID+` DESC LIMIT 1
			)
			FROM `+sc.transfer+` t
			WHERE t.`+sc.idColumn+` = $1
			FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock %s %s: %w", kind, id, err)
		}
		if state.TransferState(current.String) != from {
			return nil
		}
		if _, err := insertStateChange(ctx, tx, kind, id, to, reason); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

// GetState returns the latest state of id, or StateNone when id is unknown.
func (s *TransferStore) GetState(ctx context.Context, kind state.Kind, id string) (state.TransferState, error) {
	states, err := s.GetStates(ctx, kind, []string{id})
	if err != nil {
		return state.StateNone, err
	}
	return states[id], nil
}

// GetStates returns the latest state of every known id.
func (s *TransferStore) GetStates(ctx context.Context, kind state.Kind, ids []string) (map[string]state.TransferState, error) {
	return getStates(ctx, s.db, kind, ids)
}

func getStates(ctx context.Context, q querier, kind state.Kind, ids []string) (map[string]state.TransferState, error) {
	out := make(map[string]state.TransferState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sc := schemas[kind]
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT ON (`+sc.idColumn+`) `+sc.idColumn+`, transfer_state_id
		FROM `+sc.stateChange+`
		WHERE `+sc.idColumn+` = ANY($1)
		ORDER BY `+sc.idColumn+`, `+sc.stateChangeID+` DESC`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query %s states: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, err
		}
		out[id] = state.TransferState(st)
	}
	return out, rows.Err()
}

// GetLegs returns the payer and payee legs of every id that has them.
func (s *TransferStore) GetLegs(ctx context.Context, kind state.Kind, ids []string) (map[string]ledger.Legs, error) {
	return getLegs(ctx, s.db, kind, ids)
}

func getLegs(ctx context.Context, q querier, kind state.Kind, ids []string) (map[string]ledger.Legs, error) {
	out := make(map[string]ledger.Legs, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sc := schemas[kind]
	rows, err := q.QueryContext(ctx, `
		SELECT tp.`+sc.idColumn+`, tp.participant_currency_id, p.name, pc.currency_id,
		       tp.amount, tp.transfer_participant_role_type
		FROM `+sc.participant+` tp
		JOIN participant_currency pc ON pc.participant_currency_id = tp.participant_currency_id
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE tp.`+sc.idColumn+` = ANY($1)
		  AND tp.transfer_participant_role_type IN ($2, $3)`,
		pq.Array(ids), sc.payerRole, sc.payeeRole)
	if err != nil {
		return nil, fmt.Errorf("query %s participants: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   string
			leg  ledger.Leg
			role string
		)
		if err := rows.Scan(&id, &leg.ParticipantCurrencyID, &leg.ParticipantName, &leg.Currency, &leg.Amount, &role); err != nil {
			return nil, err
		}
		legs := out[id]
		if role == sc.payerRole {
			leg.IsPayer = true
			legs.Payer = leg
		} else {
			legs.Payee = leg
		}
		out[id] = legs
	}
	return out, rows.Err()
}

// GetTransfer loads a transfer with its latest state, fulfilment, error and
// extensions.
func (s *TransferStore) GetTransfer(ctx context.Context, id string) (*TransferRecord, error) {
	var (
		r          TransferRecord
		fulfilment sql.NullString
		completed  sql.NullTime
		st, reason sql.NullString
		errCode    sql.NullString
		errDesc    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT t.transfer_id, t.payer_fsp, t.payee_fsp, t.amount, t.currency_id, t.ilp_condition, t.ilp_packet,
		       t.expiration_date, t.created_date, tf.ilp_fulfilment, tf.completed_date,
		       tsc.transfer_state_id, tsc.reason, te.error_code, te.error_description
		FROM transfer t
		LEFT JOIN transfer_fulfilment tf ON tf.transfer_id = t.transfer_id
		LEFT JOIN transfer_error te ON te.transfer_id = t.transfer_id
		LEFT JOIN LATERAL (
			SELECT transfer_state_id, reason FROM transfer_state_change
			WHERE transfer_id = t.transfer_id
			ORDER BY transfer_state_change_id DESC LIMIT 1
		) tsc ON TRUE
		WHERE t.transfer_id = $1`, id,
	).Scan(&r.TransferID, &r.PayerFsp, &r.PayeeFsp, &r.Amount, &r.Currency, &r.Condition, &r.IlpPacket,
		&r.Expiration, &r.CreatedDate, &fulfilment, &completed, &st, &reason, &errCode, &errDesc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, err)
	}
	r.Fulfilment = fulfilment.String
	if completed.Valid {
		t := completed.Time
		r.CompletedDate = &t
	}
	r.State = state.TransferState(st.String)
	r.Reason = reason.String
	r.ErrorCode = errCode.String
	r.ErrorDescription = errDesc.String

	r.Extensions, err = s.extensions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *TransferStore) extensions(ctx context.Context, id string) ([]event.Extension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM transfer_extension WHERE transfer_id = $1 ORDER BY transfer_extension_id`, id)
	if err != nil {
		return nil, fmt.Errorf("get extensions %s: %w", id, err)
	}
	defer rows.Close()

	var out []event.Extension
	for rows.Next() {
		var e event.Extension
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetFxTransfer loads an FX transfer with its latest state and fulfilment.
func (s *TransferStore) GetFxTransfer(ctx context.Context, id string) (*FxTransferRecord, error) {
	var (
		r           FxTransferRecord
		determining sql.NullString
		fulfilment  sql.NullString
		completed   sql.NullTime
		st, reason  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT f.commit_request_id, f.determining_transfer_id, f.initiating_fsp, f.counter_party_fsp,
		       f.source_amount, f.source_currency_id, f.target_amount, f.target_currency_id,
		       f.ilp_condition, f.expiration_date, f.created_date, ff.ilp_fulfilment, ff.completed_date,
		       fsc.transfer_state_id, fsc.reason
		FROM fx_transfer f
		LEFT JOIN fx_transfer_fulfilment ff ON ff.commit_request_id = f.commit_request_id
		LEFT JOIN LATERAL (
			SELECT transfer_state_id, reason FROM fx_transfer_state_change
			WHERE commit_request_id = f.commit_request_id
			ORDER BY fx_transfer_state_change_id DESC LIMIT 1
		) fsc ON TRUE
		WHERE f.commit_request_id = $1`, id,
	).Scan(&r.CommitRequestID, &determining, &r.InitiatingFsp, &r.CounterPartyFsp,
		&r.SourceAmount.Amount, &r.SourceAmount.Currency, &r.TargetAmount.Amount, &r.TargetAmount.Currency,
		&r.Condition, &r.Expiration, &r.CreatedDate, &fulfilment, &completed, &st, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fx transfer %s: %w", id, err)
	}
	r.DeterminingTransferID = determining.String
	r.Fulfilment = fulfilment.String
	if completed.Valid {
		t := completed.Time
		r.CompletedDate = &t
	}
	r.State = state.TransferState(st.String)
	r.Reason = reason.String
	return &r, nil
}

// ListExpired returns in-flight transfers of kind whose expiration is
// before now, oldest first. Transfers already marked RESERVED_TIMEOUT are
// included so a lost timeout event can be injected again.
func (s *TransferStore) ListExpired(ctx context.Context, kind state.Kind, now time.Time, limit int) ([]ExpiredTransfer, error) {
	sc := schemas[kind]
	payer, payee := "t.payer_fsp", "t.payee_fsp"
	if kind == state.KindFxTransfer {
		payer, payee = "t.initiating_fsp", "t.counter_party_fsp"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.`+sc.idColumn+`, sc.transfer_state_id, `+payer+`, `+payee+`, t.expiration_date
		FROM `+sc.transfer+` t
		JOIN LATERAL (
			SELECT transfer_state_id FROM `+sc.stateChange+`
			WHERE `+sc.idColumn+` = t.`+sc.idColumn+`
			ORDER BY `+sc.stateChangeID+` DESC LIMIT 1
		) sc ON TRUE
		WHERE t.expiration_date < $1
		  AND sc.transfer_state_id IN ($2, $3, $4)
		ORDER BY t.expiration_date
		LIMIT $5`,
		now, string(state.StateReceivedPrepare), string(state.StateReserved), string(state.StateReservedTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired %s: %w", kind, err)
	}
	defer rows.Close()

	var out []ExpiredTransfer
	for rows.Next() {
		e := ExpiredTransfer{Kind: kind}
		var st string
		if err := rows.Scan(&e.ID, &st, &e.PayerFsp, &e.PayeeFsp, &e.Expiration); err != nil {
			return nil, err
		}
		e.State = state.TransferState(st)
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertLegs(ctx context.Context, tx *sql.Tx, kind state.Kind, id string, legs ledger.Legs) error {
	sc := schemas[kind]
	for _, leg := range []ledger.Leg{legs.Payer, legs.Payee} {
		role := sc.payeeRole
		if leg.IsPayer {
			role = sc.payerRole
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+sc.participant+` (`+sc.idColumn+`, participant_currency_id, transfer_participant_role_type, ledger_entry_type, amount)
			VALUES ($1, $2, $3, $4, $5)`,
			id, leg.ParticipantCurrencyID, role, EntryPrincipleValue, leg.Amount,
		); err != nil {
			return fmt.Errorf("insert %s participant: %w", kind, err)
		}
	}
	return nil
}

func insertExtension(ctx context.Context, q querier, id string, ext event.Extension) error {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO transfer_extension (transfer_id, key, value) VALUES ($1, $2, $3)`,
		id, ext.Key, ext.Value,
	); err != nil {
		return fmt.Errorf("insert extension: %w", err)
	}
	return nil
}

// insertStateChange appends one row to the state-change log and returns
// its id.
func insertStateChange(ctx context.Context, q querier, kind state.Kind, id string, st state.TransferState, reason string) (int64, error) {
	sc := schemas[kind]
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	var changeID int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO `+sc.stateChange+` (`+sc.idColumn+`, transfer_state_id, reason)
		VALUES ($1, $2, $3) RETURNING `+sc.stateChangeID,
		id, string(st), reasonArg,
	).Scan(&changeID)
	if err != nil {
		return 0, fmt.Errorf("insert %s state change: %w", kind, err)
	}
	return changeID, nil
}

// withTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
