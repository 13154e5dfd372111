package facade

import (
	"encoding/json"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/openremote/openremote-sub002/attribute"
)

// Subjects the facades publish on.
const (
	SubjectAttributeWrite     = "rules.asset.attribute.write"
	SubjectNotificationSend   = "rules.notification.send"
	SubjectWebhookSend        = "rules.webhook.send"
	SubjectPredictedDatapoint = "rules.datapoint.predicted.write"
	SubjectHistoricDatapoint  = "rules.datapoint.historic.write"
)

// Publisher is the messaging surface the facades need. Satisfied by
// *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSFacades publishes every side effect as a message for the platform's
// processing pipeline to pick up.
type NATSFacades struct {
	logger  *slog.Logger
	pub     Publisher
	limiter *rate.Limiter
}

// NewNATSFacades creates the facade bundle. dispatchRate limits attribute
// event publishes per second; zero or negative disables the limit.
func NewNATSFacades(pub Publisher, dispatchRate float64) *Facades {
	limit := rate.Inf
	burst := 1
	if dispatchRate > 0 {
		limit = rate.Limit(dispatchRate)
		burst = int(dispatchRate)
		if burst < 1 {
			burst = 1
		}
	}
	n := &NATSFacades{
		logger:  slog.Default().With("component", "Facades"),
		pub:     pub,
		limiter: rate.NewLimiter(limit, burst),
	}
	return &Facades{
		Assets:              n,
		Notifications:       (*notificationFacade)(n),
		Webhooks:            (*webhookFacade)(n),
		PredictedDatapoints: (*predictedFacade)(n),
		HistoricDatapoints:  (*historicFacade)(n),
	}
}

// Dispatch publishes an attribute write. Writes beyond the configured rate
// are dropped rather than queued; a runaway rule must not flood the
// pipeline.
func (n *NATSFacades) Dispatch(e *attribute.Event) {
	if !n.limiter.Allow() {
		n.logger.Warn("attribute dispatch rate exceeded, dropping event", "ref", e.Ref.String())
		return
	}
	n.publish(SubjectAttributeWrite, e)
}

func (n *NATSFacades) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshal payload", "subject", subject, "error", err)
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.Error("publish failed", "subject", subject, "error", err)
	}
}

type notificationFacade NATSFacades

func (f *notificationFacade) Send(msg *Notification) {
	(*NATSFacades)(f).publish(SubjectNotificationSend, msg)
}

type webhookFacade NATSFacades

func (f *webhookFacade) Send(w *WebhookRequest) {
	(*NATSFacades)(f).publish(SubjectWebhookSend, w)
}

type predictedFacade NATSFacades

func (f *predictedFacade) Write(p *Datapoint) {
	(*NATSFacades)(f).publish(SubjectPredictedDatapoint, p)
}

type historicFacade NATSFacades

func (f *historicFacade) Write(p *Datapoint) {
	(*NATSFacades)(f).publish(SubjectHistoricDatapoint, p)
}
