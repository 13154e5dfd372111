// Package compiler defines the pluggable rule-source compiler contract. One
// compiler is registered per ruleset language; a deployment dispatches to
// the registry and receives an ordered, executable rule list.
package compiler

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/fact"
	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/ruleset"
)

// DefaultPriority orders rules that declare none.
const DefaultPriority = 1000

// Rule is one compiled (condition, action) pair. Conditions are pure reads
// of the fact store; actions mutate facts or call facades.
type Rule struct {
	Name        string
	Description string
	Priority    int
	Condition   func(*fact.Store) (bool, error)
	Action      func(*fact.Store) error
}

// Compilation is the executable form of one ruleset.
type Compilation struct {
	// Rules in firing order.
	Rules []*Rule
	// OnStart runs when the deployment starts, OnStop when it stops.
	OnStart func(*fact.Store) error
	OnStop  func(*fact.Store) error
	// TracksLocation turns on location-predicate recording in the fact
	// store, feeding geofence aggregation.
	TracksLocation bool
	// HasTimers marks rulesets with timer conditions; the engine keeps
	// firing periodically for these even without temporal facts.
	HasTimers bool
}

// Environment is what a compiler may close rule functions over.
type Environment struct {
	Facades *facade.Facades
	Logger  *slog.Logger
	// Schedule runs a function after a delay, for delayed rule actions and
	// rule timers. Never nil when handed to a compiler.
	Schedule func(delay time.Duration, f func())
}

// Compiler builds executable rules from one rule-source language.
type Compiler interface {
	Lang() ruleset.Lang
	Compile(rs *ruleset.Ruleset, env *Environment) (*Compilation, error)
}

// Registry holds the compiler per language. It is constructed once at
// startup and injected into the dispatcher.
type Registry struct {
	mu     sync.RWMutex
	byLang map[ruleset.Lang]Compiler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byLang: make(map[ruleset.Lang]Compiler)}
}

// Register adds a compiler, replacing any prior one for the same language.
func (r *Registry) Register(c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLang[c.Lang()] = c
}

// Get returns the compiler for a language.
func (r *Registry) Get(lang ruleset.Lang) (Compiler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byLang[lang]
	if !ok {
		return nil, errors.WrapCompilation(errors.ErrUnknownLanguage, "Registry", "Get", string(lang))
	}
	return c, nil
}

// SortRules orders rules by ascending priority value, lower firing first.
// Stable for equal priorities so declaration order is kept.
func SortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}
