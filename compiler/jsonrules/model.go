// Package jsonrules compiles the declarative JSON ruleset format: predicate
// conditions over current state facts, reset semantics that suppress
// re-firing on already-matched facts, and a closed set of side-effecting
// actions.
package jsonrules

import (
	"encoding/json"
	"fmt"

	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/query"
)

// Document is one declarative ruleset.
type Document struct {
	Rules []*RuleDef `json:"rules"`
}

// RuleDef is one declarative rule.
type RuleDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`

	When *ConditionGroup `json:"when,omitempty"`
	// Reset controls when an already-fired (rule, fact) pair may fire
	// again. Absent means "when the fact no longer matches".
	Reset *ResetDef `json:"reset,omitempty"`

	Then      []*ActionDef `json:"then,omitempty"`
	Otherwise []*ActionDef `json:"otherwise,omitempty"`
	OnStart   []*ActionDef `json:"onStart,omitempty"`
	OnStop    []*ActionDef `json:"onStop,omitempty"`
}

// ConditionGroup combines conditions with AND/OR, nesting allowed.
type ConditionGroup struct {
	Operator query.LogicOperator `json:"operator,omitempty"`
	Items    []*ConditionDef     `json:"items,omitempty"`
	Groups   []*ConditionGroup   `json:"groups,omitempty"`
}

// Op returns the operator, defaulting to AND.
func (g *ConditionGroup) Op() query.LogicOperator {
	if g.Operator == "" {
		return query.LogicAnd
	}
	return g.Operator
}

// ConditionDef is one leaf condition: either an asset query over the fact
// base or a periodic timer.
type ConditionDef struct {
	// Assets matches current state facts.
	Assets *query.AssetQuery `json:"assets,omitempty"`
	// Tag names the matched facts for action targeting.
	Tag string `json:"tag,omitempty"`
	// Timer fires the condition periodically, e.g. "1h".
	Timer string `json:"timer,omitempty"`
}

// ResetDef lists the triggers that clear the fired mark on a matched fact.
// Any one of them becoming true resets the pair.
type ResetDef struct {
	NoLongerMatches  bool `json:"noLongerMatches,omitempty"`
	ValueChanges     bool `json:"valueChanges,omitempty"`
	TimestampChanges bool `json:"timestampChanges,omitempty"`
	// Timer resets the pair a fixed duration after it fired, e.g. "10m".
	Timer string `json:"timer,omitempty"`
}

// TargetDef selects the assets an action applies to.
type TargetDef struct {
	// MatchedTag targets the facts bound under a condition tag; empty tag
	// with no other selector targets all matched facts.
	MatchedTag string `json:"matchedTag,omitempty"`
	// AssetIDs targets fixed assets.
	AssetIDs []string `json:"assetIds,omitempty"`
	// Assets targets facts matching a fresh query.
	Assets *query.AssetQuery `json:"assets,omitempty"`
}

// ActionDef is the closed union of rule actions, discriminated by "action".
type ActionDef struct {
	WriteAttribute *WriteAttributeAction
	Notification   *NotificationAction
	Webhook        *WebhookAction
	Wait           *WaitAction
}

// WriteAttributeAction dispatches an attribute write to the target assets.
type WriteAttributeAction struct {
	Target        *TargetDef `json:"target,omitempty"`
	AttributeName string     `json:"attributeName"`
	Value         any        `json:"value"`
	// DelayMillis postpones the dispatch.
	DelayMillis int64 `json:"delay,omitempty"`
}

// NotificationAction sends a notification.
type NotificationAction struct {
	Target       *TargetDef           `json:"target,omitempty"`
	Notification *facade.Notification `json:"notification"`
}

// WebhookAction delivers a webhook request.
type WebhookAction struct {
	Webhook *facade.WebhookRequest `json:"webhook"`
}

// WaitAction delays the remaining actions of the rule.
type WaitAction struct {
	Millis int64 `json:"millis"`
}

type actionEnvelope struct {
	Action string `json:"action"`
}

// UnmarshalJSON dispatches on the "action" discriminator.
func (a *ActionDef) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Action {
	case "write-attribute":
		a.WriteAttribute = &WriteAttributeAction{}
		return json.Unmarshal(data, a.WriteAttribute)
	case "notification":
		a.Notification = &NotificationAction{}
		return json.Unmarshal(data, a.Notification)
	case "webhook":
		a.Webhook = &WebhookAction{}
		return json.Unmarshal(data, a.Webhook)
	case "wait":
		a.Wait = &WaitAction{}
		return json.Unmarshal(data, a.Wait)
	}
	return fmt.Errorf("unknown action %q", env.Action)
}
