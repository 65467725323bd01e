package ingestion

import (
	"context"
	"fmt"
	"strconv"

	"CentralLedger/internal/event"
	"CentralLedger/internal/state"
)

// Injector publishes events the switch originates itself onto the log, so
// they are ordered with participant traffic on the same partition.
type Injector struct {
	pub     MessagePublisher
	hubName string
}

func NewInjector(pub MessagePublisher, hubName string) *Injector {
	return &Injector{pub: pub, hubName: hubName}
}

// TimeoutEvent builds the timeout-reserved message for an expired transfer.
// The message travels from the hub to the payer and is keyed on the payer
// account.
func (inj *Injector) TimeoutEvent(kind state.Kind, id, payerFsp string, payerAccount int64) (OutboundMessage, error) {
	action := event.ActionTimeoutReserved
	if kind == state.KindFxTransfer {
		action = event.ActionFxTimeoutReserved
	}
	headers := map[string]string{
		event.HeaderSource:      inj.hubName,
		event.HeaderDestination: payerFsp,
		event.HeaderContentType: event.ContentTypeJSON,
	}
	msg, err := event.NewMessage(id, payerFsp, inj.hubName, event.TypePosition, action,
		event.SuccessState(), headers, nil, nil)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("build timeout event %s: %w", id, err)
	}
	return OutboundMessage{
		Subject: Subject(TopicPosition, string(action)),
		Key:     strconv.FormatInt(payerAccount, 10),
		Message: msg,
	}, nil
}

// Inject publishes m.
func (inj *Injector) Inject(ctx context.Context, m OutboundMessage) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return inj.pub.Publish(ctx, m.Subject, m.Key, data)
}
