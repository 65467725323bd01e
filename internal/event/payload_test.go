package event_test

import (
	"encoding/json"
	"testing"

	"CentralLedger/internal/event"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const preparePayload = `{"transferId":"b51ec534-ee48-4575-b6a9-ead2955b8069","payerFsp":"dfsp1","payeeFsp":"dfsp2","amount":{"currency":"USD","amount":"100.50"},"condition":"GRzLaTP7DJ9t4P-a_BA0WA9wzzlsugf00-Tn6kESAfM","expiration":"2030-01-01T00:00:00.000Z"}`

func TestDecodePayload_InlineJSON(t *testing.T) {
	msg := &event.Message{Content: event.Content{Payload: json.RawMessage(preparePayload)}}

	var p event.TransferPrepare
	require.NoError(t, msg.DecodePayload(&p))
	assert.Equal(t, "dfsp1", p.PayerFsp)
	assert.True(t, p.Amount.Amount.Equal(decimal.RequireFromString("100.5")))
}

func TestDecodePayload_DataURI(t *testing.T) {
	uri := event.EncodeDataURI("application/vnd.interoperability.transfers+json;version=1.1", []byte(preparePayload))
	raw, err := json.Marshal(uri)
	require.NoError(t, err)
	msg := &event.Message{Content: event.Content{Payload: raw}}

	var p event.TransferPrepare
	require.NoError(t, msg.DecodePayload(&p))
	assert.Equal(t, "b51ec534-ee48-4575-b6a9-ead2955b8069", p.TransferID)
	assert.Equal(t, "USD", p.Amount.Currency)
}

func TestDecodePayload_Malformed(t *testing.T) {
	cases := map[string]json.RawMessage{
		"empty":      nil,
		"bad base64": json.RawMessage(`"data:application/json;base64,!!!"`),
		"no comma":   json.RawMessage(`"data:application/json;base64"`),
		"bad json":   json.RawMessage(`{"transferId":`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			msg := &event.Message{Content: event.Content{Payload: payload}}
			var p event.TransferPrepare
			assert.Error(t, msg.DecodePayload(&p))
		})
	}
}

func TestMessageClone_DoesNotShareHeaders(t *testing.T) {
	msg := &event.Message{
		ID: "m1",
		Content: event.Content{
			Headers:   map[string]string{event.HeaderSource: "dfsp1"},
			URIParams: &event.URIParams{ID: "t1"},
		},
	}
	c := msg.Clone()
	c.Content.Headers[event.HeaderSource] = "hub"
	c.Content.URIParams.ID = "t2"

	assert.Equal(t, "dfsp1", msg.Content.Headers[event.HeaderSource])
	assert.Equal(t, "t1", msg.Key())
}

func TestMessageHeader_CaseInsensitive(t *testing.T) {
	msg := &event.Message{Content: event.Content{Headers: map[string]string{"FSPIOP-Source": "dfsp1"}}}
	assert.Equal(t, "dfsp1", msg.Header(event.HeaderSource))
}

func TestFxTransferPrepare_AmountIn(t *testing.T) {
	p := event.FxTransferPrepare{
		SourceAmount: event.Money{Currency: "USD", Amount: decimal.NewFromInt(100)},
		TargetAmount: event.Money{Currency: "XOF", Amount: decimal.NewFromInt(60000)},
	}
	amt, ok := p.AmountIn("XOF")
	require.True(t, ok)
	assert.True(t, amt.Equal(decimal.NewFromInt(60000)))

	_, ok = p.AmountIn("EUR")
	assert.False(t, ok)
}

func TestActionMapping(t *testing.T) {
	a, err := event.ActionFxFulfil.PositionAction()
	require.NoError(t, err)
	assert.Equal(t, "POSITION_COMMIT", string(a))
	assert.True(t, event.ActionFxFulfil.IsFx())

	_, err = event.ActionFxNotify.PositionAction()
	assert.Error(t, err)
}
