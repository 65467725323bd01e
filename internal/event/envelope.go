package event

import (
	"encoding/json"
	"strings"
	"time"

	"CentralLedger/internal/fspiop"

	"github.com/google/uuid"
)

// Routing headers carried in Content.Headers.
const (
	HeaderSource        = "fspiop-source"
	HeaderDestination   = "fspiop-destination"
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
)

const ContentTypeJSON = "application/json"

// EventType is the functional topic of a message.
type EventType string

const (
	TypeTransfer     EventType = "transfer"
	TypePrepare      EventType = "prepare"
	TypeFulfil       EventType = "fulfil"
	TypePosition     EventType = "position"
	TypeNotification EventType = "notification"
	TypeAdmin        EventType = "admin"
)

// EventStatus values for Metadata.Event.State.Status.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Message is the envelope exchanged on the log.
type Message struct {
	ID       string   `json:"id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Type     string   `json:"type"`
	Content  Content  `json:"content"`
	Metadata Metadata `json:"metadata"`
}

type Content struct {
	Headers   map[string]string `json:"headers"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	URIParams *URIParams        `json:"uriParams,omitempty"`
	Context   json.RawMessage   `json:"context,omitempty"`
}

type URIParams struct {
	ID string `json:"id"`
}

type Metadata struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	Event         EventMeta         `json:"event"`
	Trace         map[string]string `json:"trace,omitempty"`
}

type EventMeta struct {
	ID         string     `json:"id"`
	ResponseTo string     `json:"responseTo,omitempty"`
	Type       EventType  `json:"type"`
	Action     Action     `json:"action"`
	CreatedAt  time.Time  `json:"createdAt"`
	State      EventState `json:"state"`
}

type EventState struct {
	Status      string           `json:"status"`
	Code        fspiop.ErrorCode `json:"code,omitempty"`
	Description string           `json:"description,omitempty"`
}

// Key returns the id the message refers to: uriParams.id when present,
// otherwise the envelope id.
func (m *Message) Key() string {
	if m.Content.URIParams != nil && m.Content.URIParams.ID != "" {
		return m.Content.URIParams.ID
	}
	return m.ID
}

// Header returns a header value, matching the name case-insensitively.
func (m *Message) Header(name string) string {
	if v, ok := m.Content.Headers[name]; ok {
		return v
	}
	for k, v := range m.Content.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Clone returns a deep copy. Headers and raw payload bytes are not shared.
func (m *Message) Clone() *Message {
	c := *m
	c.Content.Headers = CopyHeaders(m.Content.Headers)
	if m.Content.Payload != nil {
		c.Content.Payload = append(json.RawMessage(nil), m.Content.Payload...)
	}
	if m.Content.Context != nil {
		c.Content.Context = append(json.RawMessage(nil), m.Content.Context...)
	}
	if m.Content.URIParams != nil {
		p := *m.Content.URIParams
		c.Content.URIParams = &p
	}
	if m.Metadata.Trace != nil {
		c.Metadata.Trace = make(map[string]string, len(m.Metadata.Trace))
		for k, v := range m.Metadata.Trace {
			c.Metadata.Trace[k] = v
		}
	}
	return &c
}

// CopyHeaders copies h. A nil map yields an empty one.
func CopyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// NewMessage builds an outbound envelope correlated with id.
func NewMessage(id, to, from string, eventType EventType, action Action, st EventState,
	headers map[string]string, payload any, context json.RawMessage) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		ID:   id,
		From: from,
		To:   to,
		Type: ContentTypeJSON,
		Content: Content{
			Headers:   headers,
			Payload:   raw,
			URIParams: &URIParams{ID: id},
			Context:   context,
		},
		Metadata: Metadata{
			CorrelationID: id,
			Event: EventMeta{
				ID:        uuid.NewString(),
				Type:      eventType,
				Action:    action,
				CreatedAt: time.Now().UTC(),
				State:     st,
			},
		},
	}, nil
}

// SuccessState is the event state of a successful outcome.
func SuccessState() EventState {
	return EventState{Status: StatusSuccess}
}

// FailureState is the event state mirroring an error payload.
func FailureState(info fspiop.ErrorInformation) EventState {
	return EventState{Status: StatusFailure, Code: info.ErrorCode, Description: info.ErrorDescription}
}
