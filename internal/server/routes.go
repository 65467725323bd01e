package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	fpmath "CentralLedger/internal/math"
	"CentralLedger/internal/persistence"
	"CentralLedger/internal/reconciliation"
)

// openFundsRequest is the body of POST /participants/{name}/funds.
type openFundsRequest struct {
	TransferID        string                `json:"transferId"`
	Action            reconciliation.Action `json:"action"`
	Amount            wireMoney             `json:"amount"`
	ExternalReference string                `json:"externalReference"`
	Reason            string                `json:"reason"`
	ExtensionList     *event.ExtensionList  `json:"extensionList,omitempty"`
}

// wireMoney keeps the amount as text so that its grammar can be checked
// before it becomes a decimal.
type wireMoney struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// completeFundsRequest is the body of PUT /participants/{name}/funds/{transferId}.
type completeFundsRequest struct {
	Action            reconciliation.Action `json:"action"`
	ExternalReference string                `json:"externalReference"`
	Reason            string                `json:"reason"`
}

type fundsResponse struct {
	TransferID         string `json:"transferId"`
	TransferState      string `json:"transferState"`
	SettlementAccount  int64  `json:"settlementAccountId"`
	SettlementPosition string `json:"settlementPosition"`
}

func (s *GRPCServer) registerRoutes() error {
	routes := []struct {
		method, pattern string
		handler         func(w http.ResponseWriter, r *http.Request, params map[string]string)
	}{
		{http.MethodPost, "/participants/{name}/funds", s.openFunds},
		{http.MethodPut, "/participants/{name}/funds/{transferId}", s.completeFunds},
		{http.MethodGet, "/participants/{name}/positions", s.getPositions},
		{http.MethodGet, "/transfers/{id}", s.getTransfer},
		{http.MethodGet, "/fxTransfers/{id}", s.getFxTransfer},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (s *GRPCServer) openFunds(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req openFundsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := fpmath.ParseAmount(req.Amount.Amount)
	if err != nil {
		s.writeError(w, &fspiop.ValidationError{Reasons: []string{err.Error()}})
		return
	}
	mv := reconciliation.FundsMovement{
		TransferID:        req.TransferID,
		Participant:       params["name"],
		Amount:            event.Money{Currency: req.Amount.Currency, Amount: amount},
		ExternalReference: req.ExternalReference,
		Reason:            req.Reason,
	}
	if req.ExtensionList != nil {
		mv.Extensions = req.ExtensionList.Extension
	}

	var res *reconciliation.Result
	switch req.Action {
	case reconciliation.ActionRecordFundsIn:
		res, err = s.deps.Reconciliation.RecordFundsIn(r.Context(), mv)
	case reconciliation.ActionRecordFundsOutPrepareReserve:
		res, err = s.deps.Reconciliation.RecordFundsOutPrepareReserve(r.Context(), mv)
	default:
		err = unsupportedAction(req.Action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toFundsResponse(res))
}

func (s *GRPCServer) completeFunds(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req completeFundsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c := reconciliation.Completion{
		TransferID:        params["transferId"],
		Reason:            req.Reason,
		ExternalReference: req.ExternalReference,
	}

	var (
		res *reconciliation.Result
		err error
	)
	switch req.Action {
	case reconciliation.ActionRecordFundsOutCommit:
		res, err = s.deps.Reconciliation.RecordFundsOutCommit(r.Context(), c)
	case reconciliation.ActionRecordFundsOutAbort:
		res, err = s.deps.Reconciliation.RecordFundsOutAbort(r.Context(), c)
	default:
		err = unsupportedAction(req.Action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toFundsResponse(res))
}

func (s *GRPCServer) getTransfer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	view, err := s.deps.Query.GetTransfer(r.Context(), params["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *GRPCServer) getFxTransfer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	view, err := s.deps.Query.GetFxTransfer(r.Context(), params["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *GRPCServer) getPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	out, err := s.deps.Query.GetParticipantPositions(r.Context(), params["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func toFundsResponse(res *reconciliation.Result) fundsResponse {
	return fundsResponse{
		TransferID:         res.TransferID,
		TransferState:      string(res.State),
		SettlementAccount:  res.SettlementAccount,
		SettlementPosition: res.SettlementPosition.StringFixed(4),
	}
}

func unsupportedAction(a reconciliation.Action) error {
	return &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("unsupported action %q", a)}}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &fspiop.ValidationError{Reasons: []string{"malformed request body: " + err.Error()}}
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve  *fspiop.ValidationError
		dup *fspiop.DuplicateConflictError
		sc  *fspiop.StateConflictError
		ie  *fspiop.InfrastructureError
	)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &dup), errors.As(err, &sc):
		return http.StatusConflict
	case errors.As(err, &ie):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *GRPCServer) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", code).Msg("request failed")
	}
	var body fspiop.ErrorPayload
	if code == http.StatusNotFound {
		body = fspiop.NewErrorPayload(fspiop.CodeValidationError, err.Error())
	} else {
		body = fspiop.ErrorPayload{ErrorInformation: fspiop.ToErrorInformation(err)}
	}
	s.writeJSON(w, code, body)
}

func (s *GRPCServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("write response")
	}
}
