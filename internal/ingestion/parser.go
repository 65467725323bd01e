package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
)

// ParseRawEvent decodes the envelope of a delivery. The action defaults to
// the last token of the subject when the envelope omits it. Errors are
// *fspiop.ValidationError: a malformed envelope is never retried.
func ParseRawEvent(raw RawEvent) (*event.Message, error) {
	var msg event.Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return nil, &fspiop.ValidationError{Reasons: []string{fmt.Sprintf("decode envelope: %v", err)}}
	}

	if msg.Metadata.Event.Action == "" {
		msg.Metadata.Event.Action = event.Action(ActionFromSubject(raw.Subject))
	}

	var reasons []string
	if msg.Key() == "" {
		reasons = append(reasons, "envelope has no id")
	}
	if msg.Metadata.Event.Action == "" {
		reasons = append(reasons, "envelope has no action")
	}
	if msg.From == "" {
		reasons = append(reasons, "envelope has no source")
	}
	if len(msg.Content.Payload) == 0 && !isTimeout(msg.Metadata.Event.Action) {
		reasons = append(reasons, "envelope has no payload")
	}
	if len(reasons) > 0 {
		return &msg, &fspiop.ValidationError{Reasons: reasons}
	}
	if msg.Content.Headers == nil {
		msg.Content.Headers = map[string]string{}
	}
	return &msg, nil
}

// ActionFromSubject returns the action token of cl.<topic>.<action>.
func ActionFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "cl" {
		return ""
	}
	return parts[len(parts)-1]
}

func isTimeout(a event.Action) bool {
	switch a {
	case event.ActionTimeoutReserved, event.ActionBulkTimeoutReserved, event.ActionFxTimeoutReserved:
		return true
	}
	return false
}
