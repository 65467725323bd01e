package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/observability"
	"CentralLedger/internal/persistence"

	"github.com/google/uuid"
)

// TransferReader reads stored transfers.
type TransferReader interface {
	GetTransfer(ctx context.Context, id string) (*persistence.TransferRecord, error)
	GetFxTransfer(ctx context.Context, id string) (*persistence.FxTransferRecord, error)
}

// PositionReader reads participant accounts.
type PositionReader interface {
	ListParticipantPositions(ctx context.Context, participant string) ([]persistence.ParticipantPosition, error)
}

// QueryService serves read-only lookups of transfers and positions straight
// from the stores. Lookups of unknown ids return an error wrapping
// persistence.ErrNotFound.
type QueryService struct {
	transfers TransferReader
	positions PositionReader
	metrics   *observability.Metrics
}

func NewQueryService(transfers TransferReader, positions PositionReader, metrics *observability.Metrics) *QueryService {
	return &QueryService{transfers: transfers, positions: positions, metrics: metrics}
}

// GetTransfer returns the view of a transfer for its current state.
func (qs *QueryService) GetTransfer(ctx context.Context, id string) (view TransferView, err error) {
	defer qs.observe("transfer", time.Now(), &err)

	if err := validID("transferId", id); err != nil {
		return TransferView{}, err
	}
	rec, err := qs.transfers.GetTransfer(ctx, id)
	if err != nil {
		return TransferView{}, readErr("get transfer", err)
	}
	return NewTransferView(rec), nil
}

// GetFxTransfer returns an FX transfer by commit request id.
func (qs *QueryService) GetFxTransfer(ctx context.Context, id string) (view *FxTransferView, err error) {
	defer qs.observe("fx_transfer", time.Now(), &err)

	if err := validID("commitRequestId", id); err != nil {
		return nil, err
	}
	rec, err := qs.transfers.GetFxTransfer(ctx, id)
	if err != nil {
		return nil, readErr("get fx transfer", err)
	}
	return newFxTransferView(rec), nil
}

// GetParticipantPositions lists every account of a participant with its
// position.
func (qs *QueryService) GetParticipantPositions(ctx context.Context, participant string) (out *ParticipantPositions, err error) {
	defer qs.observe("positions", time.Now(), &err)

	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, &fspiop.ValidationError{Reasons: []string{"participant name is required"}}
	}
	rows, err := qs.positions.ListParticipantPositions(ctx, participant)
	if err != nil {
		return nil, readErr("list positions", err)
	}

	out = &ParticipantPositions{Participant: participant, Positions: make([]PositionView, 0, len(rows))}
	for _, p := range rows {
		out.Positions = append(out.Positions, PositionView{
			ParticipantCurrencyID: p.ParticipantCurrencyID,
			Currency:              p.Currency,
			LedgerAccountType:     string(p.LedgerAccountType),
			Value:                 p.Value.StringFixed(4),
			ReservedValue:         p.ReservedValue.StringFixed(4),
			ChangedDate:           p.ChangedDate,
		})
	}
	return out, nil
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, persistence.ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func validID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &fspiop.ValidationError{Reasons: []string{field + " must be a UUID"}}
	}
	return nil
}

// readErr keeps not-found errors as they are and marks everything else as
// a store failure.
func readErr(op string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	return fspiop.Infra(op, err)
}
