package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Money is an amount in a currency. Amounts travel as JSON strings.
type Money struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

type Extension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ExtensionList struct {
	Extension []Extension `json:"extension"`
}

// TransferPrepare is the payload of a prepare request.
type TransferPrepare struct {
	TransferID    string         `json:"transferId"`
	PayerFsp      string         `json:"payerFsp"`
	PayeeFsp      string         `json:"payeeFsp"`
	Amount        Money          `json:"amount"`
	IlpPacket     string         `json:"ilpPacket,omitempty"`
	Condition     string         `json:"condition"`
	Expiration    time.Time      `json:"expiration"`
	ExtensionList *ExtensionList `json:"extensionList,omitempty"`
}

// TransferFulfil is the payload of a commit/reserve request and of the
// success notification sent back to the participants.
type TransferFulfil struct {
	Fulfilment         string         `json:"fulfilment,omitempty"`
	CompletedTimestamp *time.Time     `json:"completedTimestamp,omitempty"`
	TransferState      string         `json:"transferState,omitempty"`
	ExtensionList      *ExtensionList `json:"extensionList,omitempty"`
}

// FxTransferPrepare is the payload of an fx-prepare request.
type FxTransferPrepare struct {
	CommitRequestID       string    `json:"commitRequestId"`
	DeterminingTransferID string    `json:"determiningTransferId,omitempty"`
	InitiatingFsp         string    `json:"initiatingFsp"`
	CounterPartyFsp       string    `json:"counterPartyFsp"`
	AmountType            string    `json:"amountType,omitempty"`
	SourceAmount          Money     `json:"sourceAmount"`
	TargetAmount          Money     `json:"targetAmount"`
	Condition             string    `json:"condition"`
	Expiration            time.Time `json:"expiration"`
}

// AmountIn returns the leg of the conversion denominated in currency.
func (p *FxTransferPrepare) AmountIn(currency string) (decimal.Decimal, bool) {
	switch currency {
	case p.SourceAmount.Currency:
		return p.SourceAmount.Amount, true
	case p.TargetAmount.Currency:
		return p.TargetAmount.Amount, true
	}
	return decimal.Zero, false
}

// FxTransferFulfil is the payload of an fx-fulfil request.
type FxTransferFulfil struct {
	Fulfilment         string     `json:"fulfilment,omitempty"`
	CompletedTimestamp *time.Time `json:"completedTimestamp,omitempty"`
	ConversionState    string     `json:"conversionState,omitempty"`
}

// DecodePayload unmarshals the message payload into v. The payload is
// either inline JSON or a JSON string holding a data URI
// ("data:<mime>;base64,<data>").
func (m *Message) DecodePayload(v any) error {
	raw, err := PayloadBytes(m.Content.Payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// PayloadBytes returns the JSON document carried by a payload field.
func PayloadBytes(payload json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode payload: empty")
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if !strings.HasPrefix(s, "data:") {
		return []byte(s), nil
	}
	return decodeDataURI(s)
}

func decodeDataURI(s string) ([]byte, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, fmt.Errorf("decode payload: malformed data uri")
	}
	meta, data := s[len("data:"):comma], s[comma+1:]
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return b, nil
	}
	unescaped, err := url.PathUnescape(data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return []byte(unescaped), nil
}

// EncodeDataURI renders a JSON document as a base64 data URI.
func EncodeDataURI(mime string, doc []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(doc)
}
