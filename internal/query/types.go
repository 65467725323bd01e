package query

import (
	"encoding/json"
	"fmt"
	"time"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/state"
)

// ViewKind tells which variant a TransferView carries.
type ViewKind int

const (
	// ViewReadModel is a transfer past the prepare stage that has not
	// committed: reserved, aborted or expired.
	ViewReadModel ViewKind = iota
	// ViewPrepared is a transfer that was received but not yet reserved.
	ViewPrepared
	// ViewExecuted is a committed transfer.
	ViewExecuted
)

func (k ViewKind) String() string {
	switch k {
	case ViewPrepared:
		return "prepared"
	case ViewExecuted:
		return "executed"
	default:
		return "read_model"
	}
}

// ReadModel is the generic view of a transfer.
type ReadModel struct {
	TransferID       string                   `json:"transferId"`
	TransferState    string                   `json:"transferState"`
	Amount           event.Money              `json:"amount"`
	PayerFsp         string                   `json:"payerFsp"`
	PayeeFsp         string                   `json:"payeeFsp"`
	Expiration       time.Time                `json:"expiration"`
	ErrorInformation *fspiop.ErrorInformation `json:"errorInformation,omitempty"`
	ExtensionList    *event.ExtensionList     `json:"extensionList,omitempty"`
}

// PreparedProjection is the prepare request as it was accepted.
type PreparedProjection struct {
	event.TransferPrepare
	TransferState string `json:"transferState"`
}

// ExecutedProjection is the fulfil body of a committed transfer.
type ExecutedProjection struct {
	TransferID string `json:"transferId"`
	event.TransferFulfil
}

// TransferView is exactly one of ReadModel, PreparedProjection or
// ExecutedProjection, chosen from the stored state by NewTransferView.
// Callers switch on Kind and never inspect the other fields.
type TransferView struct {
	Kind      ViewKind
	ReadModel *ReadModel
	Prepared  *PreparedProjection
	Executed  *ExecutedProjection
}

// NewTransferView picks the variant for a stored transfer.
func NewTransferView(rec *persistence.TransferRecord) TransferView {
	ext := extensionList(rec.Extensions)
	switch rec.State {
	case state.StateReceivedPrepare:
		return TransferView{Kind: ViewPrepared, Prepared: &PreparedProjection{
			TransferPrepare: event.TransferPrepare{
				TransferID:    rec.TransferID,
				PayerFsp:      rec.PayerFsp,
				PayeeFsp:      rec.PayeeFsp,
				Amount:        event.Money{Currency: rec.Currency, Amount: rec.Amount},
				IlpPacket:     rec.IlpPacket,
				Condition:     rec.Condition,
				Expiration:    rec.Expiration,
				ExtensionList: ext,
			},
			TransferState: rec.State.External(),
		}}
	case state.StateCommitted:
		return TransferView{Kind: ViewExecuted, Executed: &ExecutedProjection{
			TransferID: rec.TransferID,
			TransferFulfil: event.TransferFulfil{
				Fulfilment:         rec.Fulfilment,
				CompletedTimestamp: rec.CompletedDate,
				TransferState:      rec.State.External(),
				ExtensionList:      ext,
			},
		}}
	}

	rm := &ReadModel{
		TransferID:    rec.TransferID,
		TransferState: rec.State.External(),
		Amount:        event.Money{Currency: rec.Currency, Amount: rec.Amount},
		PayerFsp:      rec.PayerFsp,
		PayeeFsp:      rec.PayeeFsp,
		Expiration:    rec.Expiration,
		ExtensionList: ext,
	}
	if rec.ErrorCode != "" {
		rm.ErrorInformation = &fspiop.ErrorInformation{
			ErrorCode:        fspiop.ErrorCode(rec.ErrorCode),
			ErrorDescription: rec.ErrorDescription,
		}
	}
	return TransferView{Kind: ViewReadModel, ReadModel: rm}
}

// MarshalJSON writes the body of the carried variant.
func (v TransferView) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ViewPrepared:
		return json.Marshal(v.Prepared)
	case ViewExecuted:
		return json.Marshal(v.Executed)
	case ViewReadModel:
		return json.Marshal(v.ReadModel)
	}
	return nil, fmt.Errorf("unknown transfer view kind %d", v.Kind)
}

// FxTransferView is the query body of an FX transfer.
type FxTransferView struct {
	CommitRequestID       string      `json:"commitRequestId"`
	DeterminingTransferID string      `json:"determiningTransferId,omitempty"`
	InitiatingFsp         string      `json:"initiatingFsp"`
	CounterPartyFsp       string      `json:"counterPartyFsp"`
	SourceAmount          event.Money `json:"sourceAmount"`
	TargetAmount          event.Money `json:"targetAmount"`
	Condition             string      `json:"condition"`
	Expiration            time.Time   `json:"expiration"`
	ConversionState       string      `json:"conversionState"`
	Fulfilment            string      `json:"fulfilment,omitempty"`
	CompletedTimestamp    *time.Time  `json:"completedTimestamp,omitempty"`
}

func newFxTransferView(rec *persistence.FxTransferRecord) *FxTransferView {
	return &FxTransferView{
		CommitRequestID:       rec.CommitRequestID,
		DeterminingTransferID: rec.DeterminingTransferID,
		InitiatingFsp:         rec.InitiatingFsp,
		CounterPartyFsp:       rec.CounterPartyFsp,
		SourceAmount:          rec.SourceAmount,
		TargetAmount:          rec.TargetAmount,
		Condition:             rec.Condition,
		Expiration:            rec.Expiration,
		ConversionState:       rec.State.External(),
		Fulfilment:            rec.Fulfilment,
		CompletedTimestamp:    rec.CompletedDate,
	}
}

// PositionView is one account of a participant.
type PositionView struct {
	ParticipantCurrencyID int64     `json:"participantCurrencyId"`
	Currency              string    `json:"currency"`
	LedgerAccountType     string    `json:"ledgerAccountType"`
	Value                 string    `json:"value"`
	ReservedValue         string    `json:"reservedValue"`
	ChangedDate           time.Time `json:"changedDate"`
}

// ParticipantPositions is the query body for a participant's accounts.
type ParticipantPositions struct {
	Participant string         `json:"participant"`
	Positions   []PositionView `json:"positions"`
}

func extensionList(ext []event.Extension) *event.ExtensionList {
	if len(ext) == 0 {
		return nil
	}
	return &event.ExtensionList{Extension: ext}
}
