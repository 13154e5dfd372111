package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/compiler/jsonrules"
	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/fact"
	"github.com/openremote/openremote-sub002/ruleset"
)

type dispatchRecorder struct {
	events []*attribute.Event
}

func (d *dispatchRecorder) Dispatch(e *attribute.Event) { d.events = append(d.events, e) }

// scriptCompiler stands in for an embedded-script language: it compiles to
// whatever rules the test wires up.
type scriptCompiler struct {
	rules func() []*compiler.Rule
}

func (s *scriptCompiler) Lang() ruleset.Lang { return ruleset.LangGroovy }

func (s *scriptCompiler) Compile(*ruleset.Ruleset, *compiler.Environment) (*compiler.Compilation, error) {
	return &compiler.Compilation{Rules: s.rules()}, nil
}

func testSetup(rules func() []*compiler.Rule) (*compiler.Registry, *compiler.Environment, *dispatchRecorder) {
	rec := &dispatchRecorder{}
	reg := compiler.NewRegistry()
	reg.Register(jsonrules.New())
	if rules != nil {
		reg.Register(&scriptCompiler{rules: rules})
	}
	env := &compiler.Environment{
		Facades:  &facade.Facades{Assets: rec},
		Schedule: func(time.Duration, func()) {},
	}
	return reg, env, rec
}

// Long delays keep background timers out of deterministic tests; Fire is
// invoked directly.
var quietTimings = Options{QuickFireDelay: time.Hour, TempFactExpiration: time.Hour}

const alarmRules = `{
	"rules": [{
		"name": "high temperature",
		"when": {
			"items": [{
				"assets": {
					"attributes": {
						"items": [{
							"name": {"value": "temperature"},
							"value": {"predicateType": "number", "value": 20, "operator": "GREATER_THAN"}
						}]
					}
				}
			}]
		},
		"then": [{"action": "write-attribute", "attributeName": "alarm", "value": true}]
	}]
}`

func declarativeRuleset(id, name string) *ruleset.Ruleset {
	return &ruleset.Ruleset{ID: id, Name: name, Enabled: true, Lang: ruleset.LangJSON, Rules: alarmRules, Realm: "acme"}
}

func TestDeployAndFire(t *testing.T) {
	reg, env, rec := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)

	e.Facts().PutState(&attribute.Event{
		Ref:       attribute.Ref{EntityID: "x", Name: "temperature"},
		Value:     21.0,
		Timestamp: time.Now(),
	})

	d := e.AddRuleset(declarativeRuleset("rs1", "alarm rule"))
	require.NoError(t, d.Error())
	assert.Equal(t, ruleset.StatusDeployed, d.Status())
	require.True(t, e.IsRunning())

	e.Fire()

	require.Len(t, rec.events, 1)
	assert.Equal(t, attribute.Ref{EntityID: "x", Name: "alarm"}, rec.events[0].Ref)
	assert.Equal(t, true, rec.events[0].Value)

	// The matched fact is suppressed until it resets; a second cycle does
	// not dispatch again.
	e.Fire()
	assert.Len(t, rec.events, 1)
}

// A scheduled fire that is superseded while waiting for the engine lock
// must not run a second cycle or leave an uncancellable timer behind.
func TestSupersededScheduledFireIgnored(t *testing.T) {
	reg, env, rec := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)
	e.AddRuleset(declarativeRuleset("rs1", "alarm rule"))
	require.True(t, e.IsRunning())

	e.UpdateFact(&attribute.Event{
		Ref:       attribute.Ref{EntityID: "x", Name: "temperature"},
		Value:     21.0,
		Timestamp: time.Now(),
	}, true)

	e.mu.Lock()
	require.NotNil(t, e.fireTimer)
	stale := e.fireGen
	e.mu.Unlock()

	// Manual fire supersedes the pending schedule.
	e.Fire()
	require.Len(t, rec.events, 1)

	e.mu.Lock()
	assert.Nil(t, e.fireTimer)
	assert.NotEqual(t, stale, e.fireGen)
	e.mu.Unlock()

	// The superseded fire arrives late: dropped, no extra cycle.
	e.timerFire(stale)
	assert.Len(t, rec.events, 1)
	assert.True(t, e.IsRunning())
}

func TestCompilationErrorBlocksSiblings(t *testing.T) {
	reg, env, _ := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)

	good := e.AddRuleset(declarativeRuleset("good", "good rule"))
	require.True(t, e.IsRunning())
	assert.Equal(t, ruleset.StatusDeployed, good.Status())

	bad := e.AddRuleset(&ruleset.Ruleset{ID: "bad", Name: "bad rule", Enabled: true, Lang: ruleset.LangJSON, Rules: "{broken"})
	assert.Equal(t, ruleset.StatusCompilationError, bad.Status())
	assert.Error(t, bad.Error())

	assert.False(t, e.IsRunning(), "blocking compile error refuses start")
	assert.True(t, e.IsError())
	assert.Equal(t, ruleset.StatusReady, good.Status(), "sibling demoted while blocked")

	// Removing the broken ruleset clears the blocker and restarts.
	empty := e.RemoveRuleset("bad")
	assert.False(t, empty)
	assert.True(t, e.IsRunning())
	assert.Equal(t, ruleset.StatusDeployed, good.Status())
	assert.False(t, e.IsError())
}

func TestContinueOnErrorKeepsEngineRunning(t *testing.T) {
	reg, env, _ := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)

	e.AddRuleset(declarativeRuleset("good", "good rule"))
	bad := e.AddRuleset(&ruleset.Ruleset{ID: "bad", Name: "tolerated", Enabled: true, ContinueOnError: true, Lang: ruleset.LangJSON, Rules: "{broken"})

	assert.Equal(t, ruleset.StatusCompilationError, bad.Status())
	assert.False(t, bad.IsError())
	assert.True(t, e.IsRunning())
	assert.False(t, e.IsError())
}

func TestExecutionErrorStopsEngine(t *testing.T) {
	reg, env, _ := testSetup(func() []*compiler.Rule {
		return []*compiler.Rule{{
			Name:      "exploding",
			Priority:  compiler.DefaultPriority,
			Condition: func(*fact.Store) (bool, error) { return true, nil },
			Action:    func(*fact.Store) error { return fmt.Errorf("boom") },
		}}
	})
	e := New(RealmScope("acme"), reg, env, quietTimings)

	d := e.AddRuleset(&ruleset.Ruleset{ID: "s1", Name: "script", Enabled: true, Lang: ruleset.LangGroovy, Rules: "whatever"})
	require.True(t, e.IsRunning())

	e.Fire()

	assert.Equal(t, ruleset.StatusExecutionError, d.Status())
	assert.False(t, e.IsRunning())
	assert.True(t, e.IsError())
	assert.Error(t, e.Error())
}

func TestLoopDetectionAbortsAtCeiling(t *testing.T) {
	actionRuns := 0
	reg, env, _ := testSetup(func() []*compiler.Rule {
		return []*compiler.Rule{{
			Name:      "self satisfying",
			Priority:  compiler.DefaultPriority,
			Condition: func(*fact.Store) (bool, error) { return true, nil },
			Action:    func(*fact.Store) error { actionRuns++; return nil },
		}}
	})
	e := New(RealmScope("acme"), reg, env, quietTimings)

	d := e.AddRuleset(&ruleset.Ruleset{ID: "s1", Name: "looper", Enabled: true, Lang: ruleset.LangGroovy, Rules: "whatever"})
	require.True(t, e.IsRunning())

	e.Fire()

	assert.Equal(t, ruleset.StatusLoopError, d.Status())
	assert.False(t, e.IsRunning())
	assert.True(t, e.IsError())
	assert.Equal(t, fact.MaxTriggersPerCycle-1, actionRuns, "the firing that hits the ceiling aborts before its action")
}

func TestLoopErrorStopsEvenWithContinueOnError(t *testing.T) {
	reg, env, _ := testSetup(func() []*compiler.Rule {
		return []*compiler.Rule{{
			Name:      "looper",
			Priority:  compiler.DefaultPriority,
			Condition: func(*fact.Store) (bool, error) { return true, nil },
			Action:    func(*fact.Store) error { return nil },
		}}
	})
	e := New(RealmScope("acme"), reg, env, quietTimings)

	e.AddRuleset(&ruleset.Ruleset{ID: "s1", Name: "looper", Enabled: true, ContinueOnError: true, Lang: ruleset.LangGroovy, Rules: "x"})
	e.Fire()

	assert.False(t, e.IsRunning(), "loop errors stop the engine regardless of continue-on-error")
}

func TestValidityWindowPausesAndExpires(t *testing.T) {
	reg, env, _ := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)

	future := declarativeRuleset("future", "future window")
	future.Validity = &ruleset.CalendarEvent{
		Start: time.Now().Add(24 * time.Hour),
		End:   time.Now().Add(25 * time.Hour),
	}
	d := e.AddRuleset(future)
	require.NoError(t, d.Error())

	e.Fire()
	assert.Equal(t, ruleset.StatusPaused, d.Status())

	past := declarativeRuleset("past", "past window")
	past.Validity = &ruleset.CalendarEvent{
		Start: time.Now().Add(-2 * time.Hour),
		End:   time.Now().Add(-time.Hour),
	}
	dp := e.AddRuleset(past)
	e.Fire()
	assert.Equal(t, ruleset.StatusExpired, dp.Status())
}

func TestMalformedValidityIsIsolated(t *testing.T) {
	reg, env, _ := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)

	rs := declarativeRuleset("rs1", "bad validity")
	rs.Validity = &ruleset.CalendarEvent{
		Start:      time.Now(),
		End:        time.Now().Add(time.Hour),
		Recurrence: "FREQ=NEVERMORE",
	}
	d := e.AddRuleset(rs)

	assert.Equal(t, ruleset.StatusValidityPeriodError, d.Status())
	assert.True(t, d.IsError())
	assert.False(t, e.IsRunning())
}

func TestRemoveLastRulesetReportsEmpty(t *testing.T) {
	reg, env, _ := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, quietTimings)

	e.AddRuleset(declarativeRuleset("only", "only rule"))
	assert.True(t, e.RemoveRuleset("only"))
	assert.False(t, e.IsRunning())
}

func TestStartRefusedWithoutDeployments(t *testing.T) {
	reg, env, _ := testSetup(nil)
	e := New(GlobalScope(), reg, env, quietTimings)
	assert.Error(t, e.Start())
}

func TestScheduledQuickFire(t *testing.T) {
	reg, env, rec := testSetup(nil)
	e := New(RealmScope("acme"), reg, env, Options{
		QuickFireDelay:     5 * time.Millisecond,
		TempFactExpiration: time.Hour,
	})

	e.AddRuleset(declarativeRuleset("rs1", "alarm rule"))
	require.True(t, e.IsRunning())

	e.UpdateFact(&attribute.Event{
		Ref:       attribute.Ref{EntityID: "x", Name: "temperature"},
		Value:     30.0,
		Timestamp: time.Now(),
	}, true)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(rec.events) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "global", GlobalScope().String())
	assert.Equal(t, "realm:acme", RealmScope("acme").String())
	assert.Equal(t, "asset:acme:a1", AssetScope("acme", "a1").String())
}
