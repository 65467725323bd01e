package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAccountType is the purpose of a participant-currency account.
type LedgerAccountType string

const (
	AccountPosition                  LedgerAccountType = "POSITION"
	AccountSettlement                LedgerAccountType = "SETTLEMENT"
	AccountHubReconciliation         LedgerAccountType = "HUB_RECONCILIATION"
	AccountHubMultilateralSettlement LedgerAccountType = "HUB_MULTILATERAL_SETTLEMENT"
	AccountInterchangeFee            LedgerAccountType = "INTERCHANGE_FEE"
)

func ParseLedgerAccountType(s string) (LedgerAccountType, error) {
	switch t := LedgerAccountType(s); t {
	case AccountPosition, AccountSettlement, AccountHubReconciliation,
		AccountHubMultilateralSettlement, AccountInterchangeFee:
		return t, nil
	}
	return "", fmt.Errorf("unknown ledger account type %q", s)
}

// ParticipantCurrency is one account of a participant in one currency.
// A participant has at most one active account per (currency, type).
type ParticipantCurrency struct {
	ID                int64
	ParticipantID     int64
	ParticipantName   string
	Currency          string
	LedgerAccountType LedgerAccountType
	IsActive          bool
}

// Position is the running balance of a POSITION-type account.
type Position struct {
	ParticipantCurrencyID int64
	Value                 decimal.Decimal
	ReservedValue         decimal.Decimal
	ChangedDate           time.Time
}

// Effective is the position including in-flight reservations.
func (p Position) Effective() decimal.Decimal {
	return p.Value.Add(p.ReservedValue)
}

type LimitType string

const LimitNetDebitCap LimitType = "NET_DEBIT_CAP"

// ParticipantLimit caps the payer's effective position.
type ParticipantLimit struct {
	ParticipantCurrencyID    int64
	Type                     LimitType
	Value                    decimal.Decimal
	ThresholdAlarmPercentage decimal.Decimal
}

// AccountSnapshot is everything the liquidity check needs for one payer
// account: its participant, the settlement balance that backs it and the
// limit that caps it.
type AccountSnapshot struct {
	Account            ParticipantCurrency
	SettlementPosition decimal.Decimal
	Limit              ParticipantLimit
}

// LiquidityCover is the collateral available from the settlement account.
// Settlement balances are recorded with the hub-side sign, so cover is the
// negation.
func (s AccountSnapshot) LiquidityCover() decimal.Decimal {
	return s.SettlementPosition.Neg()
}
