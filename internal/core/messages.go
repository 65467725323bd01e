package core

import (
	"strings"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
)

// errorMessage builds the error outcome of an item. The envelope goes from
// the hub to dest with the inbound headers re-addressed accordingly.
func (bp *BinProcessor) errorMessage(item BinItem, dest string, err error) (*event.Message, error) {
	in := item.Message
	if dest == "" {
		dest = in.Header(event.HeaderSource)
	}
	info := fspiop.ToErrorInformation(err)

	headers := outboundHeaders(in)
	setHeader(headers, event.HeaderDestination, dest)
	setHeader(headers, event.HeaderSource, bp.cfg.HubName)

	msg, buildErr := event.NewMessage(in.Key(), dest, bp.cfg.HubName, event.TypeNotification, item.Action,
		event.FailureState(info), headers, fspiop.ErrorPayload{ErrorInformation: info}, in.Content.Context)
	if buildErr != nil {
		return nil, buildErr
	}
	msg.Metadata.Event.ResponseTo = in.Metadata.Event.ID
	return msg, nil
}

// successMessage builds a success outcome from -> to. A nil payload forwards
// the inbound payload unchanged.
func (bp *BinProcessor) successMessage(item BinItem, to, from string, eventType event.EventType,
	action event.Action, payload any) (*event.Message, error) {
	in := item.Message
	msg, err := event.NewMessage(in.Key(), to, from, eventType, action,
		event.SuccessState(), outboundHeaders(in), payload, in.Content.Context)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		msg.Content.Payload = append(msg.Content.Payload[:0:0], in.Content.Payload...)
	}
	msg.Metadata.Event.ResponseTo = in.Metadata.Event.ID
	return msg, nil
}

// failureMessage builds a failure notification for a transition that
// succeeded but is reported to the participants as an error, such as an
// abort or an expiry.
func (bp *BinProcessor) failureMessage(item BinItem, to, from string, action event.Action, info fspiop.ErrorInformation) (*event.Message, error) {
	in := item.Message
	msg, err := event.NewMessage(in.Key(), to, from, event.TypeNotification, action,
		event.FailureState(info), outboundHeaders(in), fspiop.ErrorPayload{ErrorInformation: info}, in.Content.Context)
	if err != nil {
		return nil, err
	}
	msg.Metadata.Event.ResponseTo = in.Metadata.Event.ID
	return msg, nil
}

// outboundHeaders copies the inbound headers without content-length, which
// no longer matches once the payload is rewritten.
func outboundHeaders(in *event.Message) map[string]string {
	headers := event.CopyHeaders(in.Content.Headers)
	deleteHeader(headers, event.HeaderContentLength)
	return headers
}

func setHeader(h map[string]string, name, value string) {
	deleteHeader(h, name)
	h[name] = value
}

func deleteHeader(h map[string]string, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}
