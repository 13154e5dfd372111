// Package engine implements the rule evaluation unit: deployments compiled
// from rulesets and the engine that owns a fact store, drives fire cycles
// and contains deployment errors.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/ruleset"
)

// Status machine events.
const (
	evCompileFailed   = "compile-failed"
	evValidityFailed  = "validity-failed"
	evDisable         = "disable"
	evDeploy          = "deploy"
	evDemote          = "demote"
	evPause           = "pause"
	evExpire          = "expire"
	evExecutionFailed = "execution-failed"
	evLoopDetected    = "loop-detected"
)

// Deployment is one compiled ruleset bound to an engine. Its status state
// machine tracks compilation, validity and runtime faults.
type Deployment struct {
	logger *slog.Logger

	rs          *ruleset.Ruleset
	fsm         *fsm.FSM
	compilation *compiler.Compilation
	err         error

	// window caches the current or next validity window; recomputed once
	// its end has passed.
	window    ruleset.Window
	hasWindow bool
}

// NewDeployment compiles a ruleset into a deployment. Compile and validity
// failures are recorded on the deployment, not returned; the engine decides
// what they mean for its siblings.
func NewDeployment(rs *ruleset.Ruleset, registry *compiler.Registry, env *compiler.Environment, now time.Time) *Deployment {
	initial := string(ruleset.StatusReady)
	if rs.Rules == "" {
		initial = string(ruleset.StatusEmpty)
	}

	d := &Deployment{
		logger: slog.Default().With("component", "Deployment", "ruleset", rs.Name, "ruleset_id", rs.ID),
		rs:     rs,
	}
	d.fsm = fsm.NewFSM(initial, fsm.Events{
		{Name: evCompileFailed, Src: []string{string(ruleset.StatusReady)}, Dst: string(ruleset.StatusCompilationError)},
		{Name: evValidityFailed, Src: []string{string(ruleset.StatusReady), string(ruleset.StatusDeployed), string(ruleset.StatusPaused)}, Dst: string(ruleset.StatusValidityPeriodError)},
		{Name: evDisable, Src: []string{string(ruleset.StatusReady)}, Dst: string(ruleset.StatusDisabled)},
		{Name: evDeploy, Src: []string{string(ruleset.StatusReady), string(ruleset.StatusPaused)}, Dst: string(ruleset.StatusDeployed)},
		{Name: evDemote, Src: []string{string(ruleset.StatusDeployed), string(ruleset.StatusPaused)}, Dst: string(ruleset.StatusReady)},
		{Name: evPause, Src: []string{string(ruleset.StatusReady), string(ruleset.StatusDeployed)}, Dst: string(ruleset.StatusPaused)},
		{Name: evExpire, Src: []string{string(ruleset.StatusReady), string(ruleset.StatusDeployed), string(ruleset.StatusPaused)}, Dst: string(ruleset.StatusExpired)},
		{Name: evExecutionFailed, Src: []string{string(ruleset.StatusDeployed)}, Dst: string(ruleset.StatusExecutionError)},
		{Name: evLoopDetected, Src: []string{string(ruleset.StatusDeployed)}, Dst: string(ruleset.StatusLoopError)},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			d.logger.Debug("deployment status changed", "from", e.Src, "to", e.Dst)
		},
	})

	if initial == string(ruleset.StatusEmpty) {
		return d
	}

	if !rs.Enabled {
		d.event(evDisable)
		return d
	}

	if rs.Validity != nil {
		if _, _, err := rs.Validity.NextOrActive(now); err != nil {
			d.err = errors.WrapValidity(err, "Deployment", "NewDeployment", "parse validity")
			d.event(evValidityFailed)
			return d
		}
	}

	c, err := registry.Get(rs.Lang)
	if err == nil {
		d.compilation, err = c.Compile(rs, env)
	}
	if err != nil {
		d.err = err
		d.logger.Warn("ruleset failed to compile", "error", err)
		d.event(evCompileFailed)
		return d
	}
	return d
}

func (d *Deployment) event(name string) {
	if err := d.fsm.Event(context.Background(), name); err != nil {
		d.logger.Debug("status transition refused", "event", name, "status", d.fsm.Current(), "error", err)
	}
}

// Ruleset returns the deployed ruleset.
func (d *Deployment) Ruleset() *ruleset.Ruleset {
	return d.rs
}

// Status returns the current status.
func (d *Deployment) Status() ruleset.Status {
	return ruleset.Status(d.fsm.Current())
}

// Error returns the recorded compile, validity or runtime error.
func (d *Deployment) Error() error {
	return d.err
}

// Compilation returns the executable rules, nil when compilation failed.
func (d *Deployment) Compilation() *compiler.Compilation {
	return d.compilation
}

// CanStart reports whether the deployment may take part in a started
// engine.
func (d *Deployment) CanStart() bool {
	switch d.Status() {
	case ruleset.StatusCompilationError, ruleset.StatusDisabled, ruleset.StatusExpired:
		return false
	}
	return true
}

// IsError reports whether the deployment is in a state that blocks its
// engine. Compilation and execution errors are tolerated when the ruleset
// opts into continue-on-error; loop and validity errors never are.
func (d *Deployment) IsError() bool {
	switch d.Status() {
	case ruleset.StatusLoopError, ruleset.StatusValidityPeriodError:
		return true
	case ruleset.StatusExecutionError, ruleset.StatusCompilationError:
		return !d.rs.ContinueOnError
	}
	return false
}

// MarkDeployed promotes a ready or paused deployment.
func (d *Deployment) MarkDeployed() {
	d.event(evDeploy)
}

// MarkReady demotes a deployed deployment, used when a sibling's error
// blocks the engine.
func (d *Deployment) MarkReady() {
	d.event(evDemote)
}

// MarkExecutionError records a runtime fault.
func (d *Deployment) MarkExecutionError(err error) {
	d.err = err
	d.event(evExecutionFailed)
}

// MarkLoopError records a firing-ceiling violation.
func (d *Deployment) MarkLoopError(err error) {
	d.err = err
	d.event(evLoopDetected)
}

// UpdateValidity moves the deployment between DEPLOYED, PAUSED and EXPIRED
// per its validity window. Deployments without a validity stay put.
func (d *Deployment) UpdateValidity(now time.Time) {
	if d.rs.Validity == nil {
		return
	}
	if !d.hasWindow || !now.Before(d.window.To) {
		w, ok, err := d.rs.Validity.NextOrActive(now)
		if err != nil {
			d.err = errors.WrapValidity(err, "Deployment", "UpdateValidity", "compute window")
			d.event(evValidityFailed)
			return
		}
		if !ok {
			d.event(evExpire)
			return
		}
		d.window = w
		d.hasWindow = true
	}
	if d.window.Active(now) {
		d.event(evDeploy)
	} else {
		d.event(evPause)
	}
}
