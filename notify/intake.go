// Package notify subscribes the dispatcher to the bus: attribute updates
// flowing out of the asset pipeline and persistence events for rulesets,
// realms and assets.
package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/dispatch"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/natsclient"
	"github.com/openremote/openremote-sub002/ruleset"
)

// Bus subjects consumed by the rules service.
const (
	SubjectAssetUpdates  = "rules.asset.attribute.updated"
	SubjectRulesetEvents = "rules.persistence.ruleset"
	SubjectRealmEvents   = "rules.persistence.realm"
	SubjectAssetEvents   = "rules.persistence.asset"
	SubjectPredicted     = "rules.datapoint.predicted.changed"
)

type rulesetEvent struct {
	Action  dispatch.ChangeAction `json:"action"`
	Ruleset *ruleset.Ruleset      `json:"ruleset"`
}

type realmEvent struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
	Deleted bool   `json:"deleted"`
}

type assetEvent struct {
	AssetID string `json:"assetId"`
	Realm   string `json:"realm"`
	Deleted bool   `json:"deleted"`
}

type predictedEvent struct {
	AssetID string `json:"assetId"`
}

// Intake owns the subscriptions feeding one dispatcher.
type Intake struct {
	logger     *slog.Logger
	client     *natsclient.Client
	dispatcher *dispatch.Dispatcher
	subs       []*nats.Subscription
}

func NewIntake(client *natsclient.Client, dispatcher *dispatch.Dispatcher) *Intake {
	return &Intake{
		logger:     slog.Default().With("component", "Intake"),
		client:     client,
		dispatcher: dispatcher,
	}
}

// Start subscribes to every subject. Partial failures unsubscribe what was
// established.
func (i *Intake) Start() error {
	handlers := map[string]func([]byte){
		SubjectAssetUpdates:  i.handleAssetUpdate,
		SubjectRulesetEvents: i.handleRulesetEvent,
		SubjectRealmEvents:   i.handleRealmEvent,
		SubjectAssetEvents:   i.handleAssetEvent,
		SubjectPredicted:     i.handlePredicted,
	}
	for subject, handler := range handlers {
		sub, err := i.client.Subscribe(subject, handler)
		if err != nil {
			i.Stop()
			return errors.Wrap(err, "Intake", "Start", subject)
		}
		i.subs = append(i.subs, sub)
	}
	i.logger.Info("subscribed", "subjects", len(i.subs))
	return nil
}

// Stop drains the subscriptions.
func (i *Intake) Stop() {
	for _, sub := range i.subs {
		if err := sub.Drain(); err != nil {
			i.logger.Warn("drain failed", "subject", sub.Subject, "error", err)
		}
	}
	i.subs = nil
}

func (i *Intake) handleAssetUpdate(data []byte) {
	var ev attribute.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		i.logger.Warn("malformed asset update", "error", err)
		return
	}
	if !i.dispatcher.ProcessAssetUpdate(&ev) {
		i.logger.Debug("asset update not rules-relevant", "ref", ev.Key().String())
	}
}

func (i *Intake) handleRulesetEvent(data []byte) {
	var ev rulesetEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Ruleset == nil {
		i.logger.Warn("malformed ruleset event", "error", err)
		return
	}
	i.dispatcher.OnRulesetChange(ev.Ruleset, ev.Action)
}

func (i *Intake) handleRealmEvent(data []byte) {
	var ev realmEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Realm == "" {
		i.logger.Warn("malformed realm event", "error", err)
		return
	}
	i.dispatcher.OnRealmChange(ev.Realm, ev.Enabled && !ev.Deleted)
}

func (i *Intake) handleAssetEvent(data []byte) {
	var ev assetEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.AssetID == "" {
		i.logger.Warn("malformed asset event", "error", err)
		return
	}
	i.dispatcher.OnAssetChange(ev.AssetID, ev.Realm, ev.Deleted)
}

func (i *Intake) handlePredicted(data []byte) {
	var ev predictedEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.AssetID == "" {
		i.logger.Warn("malformed predicted datapoint event", "error", err)
		return
	}
	i.dispatcher.FireDeploymentsWithPredictedData(ev.AssetID)
}
