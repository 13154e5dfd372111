// Package facade exposes the external collaborators rule actions may call:
// attribute writes, notifications, webhooks and datapoint services. All of
// them are asynchronous fire-and-forget dispatchers; rule execution must
// never block on I/O.
package facade

import (
	"time"

	"github.com/openremote/openremote-sub002/attribute"
)

// Assets dispatches attribute writes back into the processing pipeline.
type Assets interface {
	Dispatch(e *attribute.Event)
}

// Notification is a user-facing message produced by a rule action.
type Notification struct {
	Name    string         `json:"name,omitempty"`
	Targets []string       `json:"targets,omitempty"`
	Title   string         `json:"title,omitempty"`
	Body    string         `json:"body,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifications sends notifications.
type Notifications interface {
	Send(n *Notification)
}

// WebhookRequest is an outbound HTTP call produced by a rule action.
type WebhookRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload any               `json:"payload,omitempty"`
}

// Webhooks delivers webhook requests.
type Webhooks interface {
	Send(w *WebhookRequest)
}

// Datapoint is one historic or predicted value sample.
type Datapoint struct {
	Ref       attribute.Ref `json:"ref"`
	Value     any           `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
}

// PredictedDatapoints writes predicted future values.
type PredictedDatapoints interface {
	Write(p *Datapoint)
}

// HistoricDatapoints writes historic value samples.
type HistoricDatapoints interface {
	Write(p *Datapoint)
}

// Facades bundles every collaborator handed to rule actions.
type Facades struct {
	Assets              Assets
	Notifications       Notifications
	Webhooks            Webhooks
	PredictedDatapoints PredictedDatapoints
	HistoricDatapoints  HistoricDatapoints
}
