// Package dispatch maintains the engine hierarchy and routes fact mutations
// and change notifications into it. One dispatcher owns at most one global
// engine, one engine per realm and one per asset subtree; every mutation
// fans out to the scope chain global, realm, asset root-to-leaf.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/engine"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/geofence"
	"github.com/openremote/openremote-sub002/metric"
	"github.com/openremote/openremote-sub002/query"
	"github.com/openremote/openremote-sub002/ruleset"
)

const defaultEventExpires = time.Hour

// Options configures a dispatcher and the engines it creates.
type Options struct {
	// QuickFireDelay and TempFactExpiration are handed to every engine.
	QuickFireDelay     time.Duration
	TempFactExpiration time.Duration
	// DefaultEventExpires bounds temporal event facts whose attribute does
	// not carry its own expiry.
	DefaultEventExpires time.Duration
	Metrics             *metric.RulesMetrics
	// Geofences receives aggregated location predicate batches. Optional.
	Geofences *geofence.Chain
}

// Dispatcher owns the engine hierarchy. All entry points serialize on the
// dispatcher lock; engines fire on their own timers and report location
// predicate changes back through a callback.
type Dispatcher struct {
	logger   *slog.Logger
	registry *compiler.Registry
	env      *compiler.Environment
	storage  ruleset.Storage
	opts     Options

	mu           sync.Mutex
	started      bool
	globalEngine *engine.Engine
	realmEngines map[string]*engine.Engine
	assetEngines map[string]*engine.Engine
	rulesets     map[string]*ruleset.Ruleset
	index        map[attribute.Ref]*attribute.Event
	buffered     []*attribute.Event

	// engineLocation holds the last reported (asset, radial predicates)
	// set per engine scope, the baseline for geofence diffing.
	engineLocation map[string]map[string][]*query.RadialGeofencePredicate
}

// New creates a stopped dispatcher. storage may be nil when rulesets are
// deployed through OnRulesetChange only.
func New(registry *compiler.Registry, env *compiler.Environment, storage ruleset.Storage, opts Options) *Dispatcher {
	if opts.DefaultEventExpires <= 0 {
		opts.DefaultEventExpires = defaultEventExpires
	}
	return &Dispatcher{
		logger:         slog.Default().With("component", "Dispatcher"),
		registry:       registry,
		env:            env,
		storage:        storage,
		opts:           opts,
		realmEngines:   make(map[string]*engine.Engine),
		assetEngines:   make(map[string]*engine.Engine),
		rulesets:       make(map[string]*ruleset.Ruleset),
		index:          make(map[attribute.Ref]*attribute.Event),
		engineLocation: make(map[string]map[string][]*query.RadialGeofencePredicate),
	}
}

// Start deploys every enabled ruleset from storage and replays asset
// updates buffered before startup.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.storage != nil {
		all, err := d.storage.FindAll(ctx, ruleset.Query{EnabledOnly: true, FullyPopulate: true})
		if err != nil {
			return errors.Wrap(err, "Dispatcher", "Start", "load rulesets")
		}
		for _, rs := range all {
			d.deploy(rs)
		}
	}

	d.mu.Lock()
	d.started = true
	buffered := d.buffered
	d.buffered = nil
	d.mu.Unlock()

	d.logger.Info("dispatcher started", "buffered_updates", len(buffered))
	for _, e := range buffered {
		d.ProcessAssetUpdate(e)
	}
	return nil
}

// Stop halts every engine. Deployments and facts are kept.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	for _, e := range d.allEnginesLocked() {
		e.Stop()
	}
	d.logger.Info("dispatcher stopped")
}

// EnginesInScope returns the engines an asset's facts reach: global, then
// the realm engine, then asset engines along the path from root to leaf.
// path is leaf-to-root as carried on events.
func (d *Dispatcher) EnginesInScope(realm string, path []string) []*engine.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enginesInScopeLocked(realm, path)
}

func (d *Dispatcher) enginesInScopeLocked(realm string, path []string) []*engine.Engine {
	var out []*engine.Engine
	if d.globalEngine != nil {
		out = append(out, d.globalEngine)
	}
	if e, ok := d.realmEngines[realm]; ok {
		out = append(out, e)
	}
	for i := len(path) - 1; i >= 0; i-- {
		if e, ok := d.assetEngines[path[i]]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (d *Dispatcher) allEnginesLocked() []*engine.Engine {
	var out []*engine.Engine
	if d.globalEngine != nil {
		out = append(out, d.globalEngine)
	}
	for _, e := range d.realmEngines {
		out = append(out, e)
	}
	for _, e := range d.assetEngines {
		out = append(out, e)
	}
	return out
}

// engineForScopeLocked returns the engine for a scope, creating and seeding
// it from the fact index on first use.
func (d *Dispatcher) engineForScopeLocked(s engine.Scope) *engine.Engine {
	if e := d.lookupEngineLocked(s); e != nil {
		return e
	}

	e := engine.New(s, d.registry, d.env, engine.Options{
		QuickFireDelay:         d.opts.QuickFireDelay,
		TempFactExpiration:     d.opts.TempFactExpiration,
		Metrics:                d.opts.Metrics,
		OnLocationRulesChanged: d.onEngineLocationRulesChanged,
	})
	for _, ev := range d.index {
		if factInScope(ev, s) {
			e.Facts().PutState(ev)
		}
	}

	switch {
	case s.AssetID != "":
		d.assetEngines[s.AssetID] = e
	case s.Realm != "":
		d.realmEngines[s.Realm] = e
	default:
		d.globalEngine = e
	}
	d.opts.Metrics.SetEngineCount(len(d.allEnginesLocked()))
	d.logger.Info("engine created", "scope", s.String())
	return e
}

func (d *Dispatcher) lookupEngineLocked(s engine.Scope) *engine.Engine {
	switch {
	case s.AssetID != "":
		return d.assetEngines[s.AssetID]
	case s.Realm != "":
		return d.realmEngines[s.Realm]
	default:
		return d.globalEngine
	}
}

// destroyEngineLocked removes an emptied engine and flushes its geofence
// contribution. Returns the assets whose geofences changed.
func (d *Dispatcher) destroyEngineLocked(s engine.Scope) map[string]bool {
	e := d.lookupEngineLocked(s)
	if e == nil {
		return nil
	}
	e.Stop()
	switch {
	case s.AssetID != "":
		delete(d.assetEngines, s.AssetID)
	case s.Realm != "":
		delete(d.realmEngines, s.Realm)
	default:
		d.globalEngine = nil
	}

	changed := make(map[string]bool)
	for assetID := range d.engineLocation[s.String()] {
		changed[assetID] = true
	}
	delete(d.engineLocation, s.String())

	d.opts.Metrics.DropScope(s.String())
	d.opts.Metrics.SetEngineCount(len(d.allEnginesLocked()))
	d.logger.Info("engine destroyed", "scope", s.String())
	return changed
}

// Stats summarizes the engine hierarchy for health reporting.
type Stats struct {
	Engines int
	Running int
	Errored int
}

// Stats counts the engines and their states.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	engines := d.allEnginesLocked()
	d.mu.Unlock()

	s := Stats{Engines: len(engines)}
	for _, e := range engines {
		if e.IsRunning() {
			s.Running++
		}
		if e.IsError() {
			s.Errored++
		}
	}
	return s
}

// RulesetDeployment finds the deployment of a ruleset id across all
// engines.
func (d *Dispatcher) RulesetDeployment(id string) (*engine.Deployment, bool) {
	d.mu.Lock()
	rs, ok := d.rulesets[id]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	e := d.lookupEngineLocked(scopeOf(rs))
	d.mu.Unlock()

	if e == nil {
		return nil, false
	}
	return e.Deployment(id)
}

// IsRulesetKnown reports whether this exact ruleset is already deployed. A
// changed rule body counts as unknown so updates redeploy.
func (d *Dispatcher) IsRulesetKnown(rs *ruleset.Ruleset) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	known, ok := d.rulesets[rs.ID]
	return ok && known.Rules == rs.Rules && known.Enabled == rs.Enabled
}

// FireDeploymentsWithPredictedData schedules a fire on every engine in
// scope of the asset, used when predicted datapoints change.
func (d *Dispatcher) FireDeploymentsWithPredictedData(assetID string) {
	d.mu.Lock()
	var realm string
	var path []string
	for _, ev := range d.index {
		if ev.EntityID == assetID {
			realm, path = ev.Realm, ev.Path
			break
		}
	}
	engines := d.enginesInScopeLocked(realm, path)
	d.mu.Unlock()

	for _, e := range engines {
		if hasPredictedTrigger(e) {
			e.ScheduleFire(false)
		}
	}
}

func hasPredictedTrigger(e *engine.Engine) bool {
	for _, dep := range e.Deployments() {
		if dep.Ruleset().TriggerOnPredictedData {
			return true
		}
	}
	return false
}

func scopeOf(rs *ruleset.Ruleset) engine.Scope {
	switch rs.Scope() {
	case ruleset.ScopeAsset:
		return engine.AssetScope(rs.Realm, rs.AssetID)
	case ruleset.ScopeRealm:
		return engine.RealmScope(rs.Realm)
	}
	return engine.GlobalScope()
}

// factInScope reports whether a state fact belongs to an engine scope. An
// asset scope covers the asset itself and its subtree via the event path.
func factInScope(ev *attribute.Event, s engine.Scope) bool {
	switch {
	case s.AssetID != "":
		if ev.EntityID == s.AssetID {
			return true
		}
		for _, id := range ev.Path {
			if id == s.AssetID {
				return true
			}
		}
		return false
	case s.Realm != "":
		return ev.Realm == s.Realm
	}
	return true
}
