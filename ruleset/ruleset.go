// Package ruleset defines the ruleset model: persisted rule documents with a
// language tag, a deployment scope (global, realm or asset), an optional
// recurring validity window and the status values a deployment moves
// through.
package ruleset

import (
	"context"
	"time"
)

// Lang tags the rule-source language of a ruleset. Compilers register per
// tag.
type Lang string

const (
	LangJSON       Lang = "JSON"
	LangFlow       Lang = "FLOW"
	LangGroovy     Lang = "GROOVY"
	LangJavascript Lang = "JAVASCRIPT"
)

// Scope is the evaluation scope a ruleset deploys into.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeRealm
	ScopeAsset
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeRealm:
		return "realm"
	case ScopeAsset:
		return "asset"
	}
	return "unknown"
}

// Status is the lifecycle state of a ruleset's deployment.
type Status string

const (
	StatusEmpty               Status = "EMPTY"
	StatusReady               Status = "READY"
	StatusDeployed            Status = "DEPLOYED"
	StatusCompilationError    Status = "COMPILATION_ERROR"
	StatusValidityPeriodError Status = "VALIDITY_PERIOD_ERROR"
	StatusExecutionError      Status = "EXECUTION_ERROR"
	StatusLoopError           Status = "LOOP_ERROR"
	StatusDisabled            Status = "DISABLED"
	StatusPaused              Status = "PAUSED"
	StatusExpired             Status = "EXPIRED"
	StatusRemoved             Status = "REMOVED"
)

// Ruleset is one persisted rule document. Realm and AssetID select the
// scope: both empty is global, realm only is realm scope, both set is asset
// scope.
type Ruleset struct {
	ID           string    `json:"id"`
	Version      int64     `json:"version"`
	CreatedOn    time.Time `json:"createdOn"`
	LastModified time.Time `json:"lastModified"`

	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Rules   string `json:"rules"`
	Lang    Lang   `json:"lang"`

	Realm   string `json:"realm,omitempty"`
	AssetID string `json:"assetId,omitempty"`

	// ContinueOnError keeps the owning engine running when this ruleset
	// hits a compilation or execution error.
	ContinueOnError bool `json:"continueOnError,omitempty"`
	// TriggerOnPredictedData additionally fires on predicted datapoints.
	TriggerOnPredictedData bool `json:"triggerOnPredictedData,omitempty"`

	Validity *CalendarEvent `json:"validity,omitempty"`
}

// Scope derives the deployment scope from the realm/asset fields.
func (r *Ruleset) Scope() Scope {
	switch {
	case r.AssetID != "":
		return ScopeAsset
	case r.Realm != "":
		return ScopeRealm
	}
	return ScopeGlobal
}

// Query selects rulesets from storage. Zero-valued fields are ignored.
type Query struct {
	IDs         []string
	Realm       string
	AssetID     string
	Languages   []Lang
	EnabledOnly bool
	// FullyPopulate requests the rule text; list queries leave it out.
	FullyPopulate bool
}

// Storage is the persistence contract the dispatcher consumes. List results
// may be partially populated (rule text withheld) unless the query asks for
// full population.
type Storage interface {
	Find(ctx context.Context, id string) (*Ruleset, error)
	FindAll(ctx context.Context, q Query) ([]*Ruleset, error)
	Merge(ctx context.Context, rs *Ruleset) (*Ruleset, error)
	Delete(ctx context.Context, id string) error
}
