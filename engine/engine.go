package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/fact"
	"github.com/openremote/openremote-sub002/metric"
	"github.com/openremote/openremote-sub002/query"
	"github.com/openremote/openremote-sub002/ruleset"
)

// Scope identifies one engine: global, realm or asset.
type Scope struct {
	Realm   string
	AssetID string
}

// GlobalScope is the system-wide scope.
func GlobalScope() Scope { return Scope{} }

// RealmScope is a tenant scope.
func RealmScope(realm string) Scope { return Scope{Realm: realm} }

// AssetScope is an asset-subtree scope.
func AssetScope(realm, assetID string) Scope { return Scope{Realm: realm, AssetID: assetID} }

// String names the scope for logging and metrics.
func (s Scope) String() string {
	switch {
	case s.AssetID != "":
		return fmt.Sprintf("asset:%s:%s", s.Realm, s.AssetID)
	case s.Realm != "":
		return fmt.Sprintf("realm:%s", s.Realm)
	}
	return "global"
}

// Options configures an engine.
type Options struct {
	// QuickFireDelay debounces fires after fact mutations.
	QuickFireDelay time.Duration
	// TempFactExpiration is the periodic re-fire interval while temporal
	// facts or rule timers remain.
	TempFactExpiration time.Duration
	Metrics            *metric.RulesMetrics
	// OnLocationRulesChanged receives the location predicates recorded
	// during a fire cycle, invoked outside the engine lock.
	OnLocationRulesChanged func(scope Scope, preds map[string][]*query.RadialGeofencePredicate)
}

const (
	defaultQuickFireDelay     = 3 * time.Second
	defaultTempFactExpiration = 50 * time.Second
)

// Engine owns one scope's deployments and fact store and drives the fire
// cycle. Concurrent fires serialize on the engine lock; structural changes
// (add/remove ruleset, start, stop) take the same lock, so they wait for an
// in-progress cycle.
type Engine struct {
	logger   *slog.Logger
	scope    Scope
	registry *compiler.Registry
	env      *compiler.Environment
	opts     Options

	mu          sync.Mutex
	deployments map[string]*Deployment
	order       []string
	facts       *fact.Store
	running     bool

	// fireGen invalidates scheduled fires that already left AfterFunc but
	// have not taken the lock yet. Cancel and replace both bump it.
	fireGen       uint64
	fireTimer     *time.Timer
	firePendingAt time.Time
	fireQuick     bool
}

// New creates a stopped engine for a scope.
func New(scope Scope, registry *compiler.Registry, env *compiler.Environment, opts Options) *Engine {
	if opts.QuickFireDelay <= 0 {
		opts.QuickFireDelay = defaultQuickFireDelay
	}
	if opts.TempFactExpiration <= 0 {
		opts.TempFactExpiration = defaultTempFactExpiration
	}
	logger := slog.Default().With("component", "Engine", "scope", scope.String())
	return &Engine{
		logger:      logger,
		scope:       scope,
		registry:    registry,
		env:         env,
		opts:        opts,
		deployments: make(map[string]*Deployment),
		facts:       fact.NewStore(),
	}
}

// Scope returns the engine's scope identity.
func (e *Engine) Scope() Scope {
	return e.scope
}

// Facts exposes the fact store for seeding a freshly created engine.
func (e *Engine) Facts() *fact.Store {
	return e.facts
}

// IsRunning reports whether the engine evaluates fires.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsError reports whether any deployment blocks the engine.
func (e *Engine) IsError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.deployments {
		if d.IsError() {
			return true
		}
	}
	return false
}

// Error returns the first blocking deployment error, in insertion order.
func (e *Engine) Error() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.order {
		if d := e.deployments[id]; d.IsError() {
			return d.Error()
		}
	}
	return nil
}

// Deployment returns the deployment for a ruleset id.
func (e *Engine) Deployment(id string) (*Deployment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deployments[id]
	return d, ok
}

// Deployments returns the deployments in insertion order.
func (e *Engine) Deployments() []*Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Deployment, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.deployments[id])
	}
	return out
}

// AddRuleset stops the engine, deploys the ruleset (replacing any prior
// deployment of the same id), recomputes statuses and attempts a start. The
// returned deployment carries any compile error.
func (e *Engine) AddRuleset(rs *ruleset.Ruleset) *Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()

	d := NewDeployment(rs, e.registry, e.env, time.Now())
	if _, exists := e.deployments[rs.ID]; !exists {
		e.order = append(e.order, rs.ID)
	}
	e.deployments[rs.ID] = d

	e.recomputeStatusesLocked()
	if err := e.startLocked(); err != nil {
		e.logger.Warn("engine not started after deploy", "error", err)
	}
	return d
}

// RemoveRuleset stops the engine, removes the deployment and restarts if
// any remain. It reports whether the engine is now empty; an empty engine
// should be destroyed by its owner.
func (e *Engine) RemoveRuleset(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()

	if _, ok := e.deployments[id]; ok {
		delete(e.deployments, id)
		for i, oid := range e.order {
			if oid == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	if len(e.deployments) == 0 {
		return true
	}

	e.recomputeStatusesLocked()
	if err := e.startLocked(); err != nil {
		e.logger.Warn("engine not restarted after undeploy", "error", err)
	}
	return false
}

// Start begins evaluation. Refused unless every startable deployment is
// DEPLOYED and no deployment is in a blocking error state.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked()
}

// Stop halts evaluation and cancels any pending fire.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) startLocked() error {
	if e.running {
		return nil
	}
	if len(e.deployments) == 0 {
		return errors.ErrCannotStart
	}
	tracksLocation := false
	for _, d := range e.deployments {
		if d.IsError() {
			return fmt.Errorf("%w: %s is %s", errors.ErrCannotStart, d.Ruleset().Name, d.Status())
		}
		if d.CanStart() && d.Status() != ruleset.StatusDeployed && d.Status() != ruleset.StatusPaused {
			return fmt.Errorf("%w: %s is %s", errors.ErrCannotStart, d.Ruleset().Name, d.Status())
		}
		if c := d.Compilation(); c != nil && c.TracksLocation {
			tracksLocation = true
		}
	}

	e.logger.Info("starting engine", "deployments", len(e.deployments))
	e.facts.TrackLocationRules(tracksLocation)
	e.running = true

	for _, id := range e.order {
		d := e.deployments[id]
		if c := d.Compilation(); c != nil && c.OnStart != nil && d.Status() == ruleset.StatusDeployed {
			if err := c.OnStart(e.facts); err != nil {
				e.logger.Error("onStart actions failed", "ruleset", d.Ruleset().Name, "error", err)
			}
		}
	}

	e.updateDeploymentMetricsLocked()
	e.scheduleFireLocked(true)
	return nil
}

func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	e.logger.Info("stopping engine")
	e.cancelFireLocked()

	for _, id := range e.order {
		d := e.deployments[id]
		if c := d.Compilation(); c != nil && c.OnStop != nil && d.Status() == ruleset.StatusDeployed {
			if err := c.OnStop(e.facts); err != nil {
				e.logger.Error("onStop actions failed", "ruleset", d.Ruleset().Name, "error", err)
			}
		}
	}
	e.running = false
}

// recomputeStatusesLocked settles deployment statuses after a structural
// change: a blocking error anywhere demotes deployed siblings to READY;
// once the last blocker clears, ready deployments are promoted.
func (e *Engine) recomputeStatusesLocked() {
	blocked := false
	for _, d := range e.deployments {
		if d.IsError() {
			blocked = true
			break
		}
	}
	for _, d := range e.deployments {
		switch {
		case blocked && d.Status() == ruleset.StatusDeployed:
			d.MarkReady()
		case !blocked && d.Status() == ruleset.StatusReady && d.Compilation() != nil:
			d.MarkDeployed()
		}
	}
	e.updateDeploymentMetricsLocked()
}

func (e *Engine) updateDeploymentMetricsLocked() {
	if e.opts.Metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, d := range e.deployments {
		counts[string(d.Status())]++
	}
	for status, n := range counts {
		e.opts.Metrics.SetDeploymentStatus(e.scope.String(), status, n)
	}
}

// UpdateFact inserts or replaces a state fact and schedules a quick fire.
func (e *Engine) UpdateFact(ev *attribute.Event, quick bool) {
	e.mu.Lock()
	e.facts.PutState(ev)
	e.scheduleFireLocked(quick)
	e.mu.Unlock()
}

// RetractFact removes a state fact and schedules a quick fire.
func (e *Engine) RetractFact(ref attribute.Ref) {
	e.mu.Lock()
	e.facts.RemoveState(ref)
	e.scheduleFireLocked(true)
	e.mu.Unlock()
}

// InsertEvent adds a temporal event fact and schedules a quick fire.
func (e *Engine) InsertEvent(expires time.Duration, ev *attribute.Event) {
	e.mu.Lock()
	e.facts.InsertEvent(expires, ev)
	e.scheduleFireLocked(true)
	e.mu.Unlock()
}

// ScheduleFire requests an asynchronous fire. A quick request replaces a
// pending slow one; a slow request never delays a pending quick one.
func (e *Engine) ScheduleFire(quick bool) {
	e.mu.Lock()
	e.scheduleFireLocked(quick)
	e.mu.Unlock()
}

func (e *Engine) scheduleFireLocked(quick bool) {
	if !e.running {
		return
	}
	delay := e.opts.TempFactExpiration
	if quick {
		delay = e.opts.QuickFireDelay
	}
	at := time.Now().Add(delay)

	if e.fireTimer != nil {
		if !quick || e.fireQuick || e.firePendingAt.Before(at) {
			return
		}
		e.fireTimer.Stop()
	}
	e.fireGen++
	gen := e.fireGen
	e.fireQuick = quick
	e.firePendingAt = at
	e.fireTimer = time.AfterFunc(delay, func() { e.timerFire(gen) })
}

func (e *Engine) cancelFireLocked() {
	e.fireGen++
	if e.fireTimer != nil {
		e.fireTimer.Stop()
		e.fireTimer = nil
	}
}

// Fire runs one evaluation cycle immediately, superseding any pending
// scheduled fire.
func (e *Engine) Fire() {
	e.mu.Lock()
	e.cancelFireLocked()
	e.fireCycleLocked()
}

// timerFire is the scheduled entry point. A fire whose generation was
// superseded while it waited for the lock is dropped.
func (e *Engine) timerFire(gen uint64) {
	e.mu.Lock()
	if gen != e.fireGen {
		e.mu.Unlock()
		return
	}
	e.fireTimer = nil
	e.fireCycleLocked()
}

// fireCycleLocked runs one evaluation cycle: snapshot the clock, expire
// temporal facts, evaluate every deployment in insertion order and
// reschedule while temporal facts or rule timers remain. It releases the
// lock before the location callback runs.
func (e *Engine) fireCycleLocked() {
	if !e.running {
		e.mu.Unlock()
		return
	}

	now := time.Now()
	e.facts.SetClock(now)
	e.facts.ExpireTemporal(now)

	hasTimers := false
	for _, id := range e.order {
		d := e.deployments[id]
		d.UpdateValidity(now)
		if d.Status() != ruleset.StatusDeployed {
			e.logger.Debug("skipping deployment", "ruleset", d.Ruleset().Name, "status", d.Status())
			continue
		}
		if c := d.Compilation(); c != nil && c.HasTimers {
			hasTimers = true
		}

		depStart := time.Now()
		err := e.fireDeploymentLocked(d)
		e.logger.Debug("deployment evaluated", "ruleset", d.Ruleset().Name, "duration", time.Since(depStart))
		if err == nil {
			continue
		}

		if errors.IsLoop(err) {
			e.logger.Error("rules loop detected, stopping engine", "ruleset", d.Ruleset().Name, "error", err)
			d.MarkLoopError(err)
			e.stopLocked()
		} else {
			e.logger.Error("deployment execution failed", "ruleset", d.Ruleset().Name, "error", err)
			d.MarkExecutionError(err)
			if !d.Ruleset().ContinueOnError {
				e.stopLocked()
			}
		}
		// Remaining deployments are skipped this cycle either way.
		break
	}

	locationChanges := e.facts.TakeLocationPredicates()

	if e.running {
		if e.facts.HasTemporal() || hasTimers {
			e.scheduleFireLocked(false)
		}
		e.opts.Metrics.ObserveFire(e.scope.String(), time.Since(now), e.facts.TriggerCount(), e.facts.StateCount())
	}
	e.updateDeploymentMetricsLocked()
	e.facts.Reset()
	e.mu.Unlock()

	if len(locationChanges) > 0 && e.opts.OnLocationRulesChanged != nil {
		e.opts.OnLocationRulesChanged(e.scope, locationChanges)
	}
}

// fireDeploymentLocked evaluates a deployment's rules inference-style:
// actions may change facts that satisfy earlier rules again, so the pass
// repeats until no rule fires. The trigger ceiling bounds runaway
// self-triggering.
func (e *Engine) fireDeploymentLocked(d *Deployment) error {
	c := d.Compilation()
	if c == nil {
		return nil
	}
	for {
		fired := false
		for _, rule := range c.Rules {
			e.facts.ClearBindings()
			ok, err := rule.Condition(e.facts)
			if err != nil {
				return errors.WrapExecution(err, "Engine", "fire", rule.Name)
			}
			if !ok {
				continue
			}
			if err := e.facts.CountTriggered(); err != nil {
				return err
			}
			e.logger.Debug("rule fired", "rule", rule.Name)
			if err := rule.Action(e.facts); err != nil {
				return errors.WrapExecution(err, "Engine", "fire", rule.Name)
			}
			fired = true
		}
		if !fired {
			return nil
		}
	}
}
