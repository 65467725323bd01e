package pipeline

import (
	"strconv"
	"strings"

	"CentralLedger/internal/event"
	"CentralLedger/internal/fspiop"
	"CentralLedger/internal/ingestion"
)

// hubMessage builds a notification the hub sends to dest about in.
func hubMessage(hub string, in *event.Message, dest string, action event.Action, st event.EventState, payload any) (ingestion.OutboundMessage, error) {
	headers := event.CopyHeaders(in.Content.Headers)
	deleteHeader(headers, event.HeaderContentLength)
	setHeader(headers, event.HeaderSource, hub)
	setHeader(headers, event.HeaderDestination, dest)

	msg, err := event.NewMessage(in.Key(), dest, hub, event.TypeNotification, action, st, headers, payload, in.Content.Context)
	if err != nil {
		return ingestion.OutboundMessage{}, err
	}
	msg.Metadata.Event.ResponseTo = in.Metadata.Event.ID
	return ingestion.OutboundMessage{
		Subject: ingestion.Subject(ingestion.TopicNotification, string(action)),
		Key:     dest,
		Message: msg,
	}, nil
}

// errorNotification answers in with the error information of err.
func errorNotification(hub string, in *event.Message, dest string, err error) (ingestion.OutboundMessage, error) {
	info := fspiop.ToErrorInformation(err)
	return hubMessage(hub, in, dest, in.Metadata.Event.Action, event.FailureState(info), fspiop.ErrorPayload{ErrorInformation: info})
}

// forward re-publishes in on the position topic, keyed on account.
func forward(in *event.Message, action event.Action, to string, account int64) ingestion.OutboundMessage {
	msg := in.Clone()
	msg.To = to
	msg.Metadata.Event.Type = event.TypePosition
	msg.Metadata.Event.Action = action
	return ingestion.OutboundMessage{
		Subject: ingestion.Subject(ingestion.TopicPosition, string(action)),
		Key:     strconv.FormatInt(account, 10),
		Message: msg,
	}
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
