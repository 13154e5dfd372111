package jsonrules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/fact"
	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/ruleset"
)

type capturedDispatch struct {
	events        []*attribute.Event
	notifications []*facade.Notification
	webhooks      []*facade.WebhookRequest
}

func (c *capturedDispatch) Dispatch(e *attribute.Event)       { c.events = append(c.events, e) }
func (c *capturedDispatch) Send(n *facade.Notification)       { c.notifications = append(c.notifications, n) }
func (c *capturedDispatch) SendHook(w *facade.WebhookRequest) { c.webhooks = append(c.webhooks, w) }

type webhookSender struct{ c *capturedDispatch }

func (w webhookSender) Send(r *facade.WebhookRequest) { w.c.SendHook(r) }

type scheduled struct {
	delay time.Duration
	f     func()
}

type testEnv struct {
	captured  *capturedDispatch
	env       *compiler.Environment
	scheduled []scheduled
}

func newTestEnv() *testEnv {
	c := &capturedDispatch{}
	te := &testEnv{captured: c}
	te.env = &compiler.Environment{
		Facades: &facade.Facades{
			Assets:        c,
			Notifications: c,
			Webhooks:      webhookSender{c},
		},
		Schedule: func(delay time.Duration, f func()) {
			te.scheduled = append(te.scheduled, scheduled{delay, f})
		},
	}
	return te
}

func compile(t *testing.T, rules string) (*compiler.Compilation, *testEnv) {
	t.Helper()
	te := newTestEnv()
	comp, err := New().Compile(&ruleset.Ruleset{Name: "test", Lang: ruleset.LangJSON, Rules: rules}, te.env)
	require.NoError(t, err)
	return comp, te
}

func putTemp(store *fact.Store, entity string, value float64) {
	store.PutState(&attribute.Event{
		Ref:       attribute.Ref{EntityID: entity, Name: "temperature"},
		Value:     value,
		Timestamp: store.Clock(),
	})
}

const tempRule = `{
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
				},
				"tag": "hot"
			}]
		},
		"then": [{"action": "write-attribute", "attributeName": "alarm", "value": true}]
	}]
}`

func fireOnce(t *testing.T, comp *compiler.Compilation, store *fact.Store) bool {
	t.Helper()
	fired := false
	for _, r := range comp.Rules {
		store.ClearBindings()
		ok, err := r.Condition(store)
		require.NoError(t, err)
		if ok {
			require.NoError(t, r.Action(store))
			fired = true
		}
	}
	return fired
}

func TestHighTemperatureFiresExactlyOnce(t *testing.T) {
	comp, te := compile(t, tempRule)
	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	putTemp(store, "x", 21.0)

	require.True(t, fireOnce(t, comp, store))
	require.Len(t, te.captured.events, 1)
	e := te.captured.events[0]
	assert.Equal(t, "x", e.EntityID)
	assert.Equal(t, "alarm", e.Name)
	assert.Equal(t, true, e.Value)

	// Still matching, but already fired: no re-fire.
	assert.False(t, fireOnce(t, comp, store))
	assert.Len(t, te.captured.events, 1)

	// Default reset: fact no longer matches, then matches again.
	putTemp(store, "x", 15.0)
	assert.False(t, fireOnce(t, comp, store))
	putTemp(store, "x", 25.0)
	assert.True(t, fireOnce(t, comp, store))
	assert.Len(t, te.captured.events, 2)
}

func TestValueChangeReset(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "any change",
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
			"reset": {"valueChanges": true},
			"then": [{"action": "write-attribute", "attributeName": "seen", "value": true}]
		}]
	}`
	comp, te := compile(t, rules)
	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	putTemp(store, "x", 21.0)
	require.True(t, fireOnce(t, comp, store))

	// Same value again: no reset, no re-fire.
	assert.False(t, fireOnce(t, comp, store))

	// A different matching value resets and re-fires.
	putTemp(store, "x", 22.0)
	assert.True(t, fireOnce(t, comp, store))
	assert.Len(t, te.captured.events, 2)
}

func TestResetTimer(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "periodic reminder",
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
			"reset": {"timer": "10m"},
			"then": [{"action": "write-attribute", "attributeName": "reminded", "value": true}]
		}]
	}`
	comp, te := compile(t, rules)
	store := fact.NewStore()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(t0)
	putTemp(store, "x", 25.0)

	require.True(t, fireOnce(t, comp, store))
	store.SetClock(t0.Add(5 * time.Minute))
	assert.False(t, fireOnce(t, comp, store), "before the reset timer")
	store.SetClock(t0.Add(10 * time.Minute))
	assert.True(t, fireOnce(t, comp, store), "reset timer elapsed")
	assert.Len(t, te.captured.events, 2)
}

func TestOtherwiseActions(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "hot or not",
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
			"then": [{"action": "write-attribute", "attributeName": "hot", "value": true}],
			"otherwise": [{"action": "write-attribute", "attributeName": "hot", "value": false}]
		}]
	}`
	comp, te := compile(t, rules)
	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	putTemp(store, "hotroom", 25.0)
	putTemp(store, "coldroom", 10.0)

	require.True(t, fireOnce(t, comp, store))
	require.Len(t, te.captured.events, 2)

	byEntity := map[string]any{}
	for _, e := range te.captured.events {
		byEntity[e.EntityID] = e.Value
	}
	assert.Equal(t, true, byEntity["hotroom"])
	assert.Equal(t, false, byEntity["coldroom"])
}

func TestOrderAndLimit(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "top one",
			"when": {
				"items": [{
					"assets": {
						"attributes": {
							"items": [{
								"name": {"value": "temperature"},
								"value": {"predicateType": "number", "value": 20, "operator": "GREATER_THAN"}
							}]
						},
						"orderBy": {"property": "NAME"},
						"limit": 1
					}
				}]
			},
			"then": [{"action": "write-attribute", "attributeName": "flag", "value": true}]
		}]
	}`
	comp, te := compile(t, rules)
	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	for _, id := range []string{"bravo", "alpha", "charlie"} {
		e := &attribute.Event{
			Ref:        attribute.Ref{EntityID: id, Name: "temperature"},
			Value:      25.0,
			EntityName: id,
			Timestamp:  store.Clock(),
		}
		store.PutState(e)
	}

	require.True(t, fireOnce(t, comp, store))
	require.Len(t, te.captured.events, 1)
	assert.Equal(t, "alpha", te.captured.events[0].EntityID)
}

func TestTimerCondition(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "hourly",
			"when": {"items": [{"timer": "1h"}]},
			"then": [{"action": "notification", "notification": {"name": "tick", "targets": ["ops"]}}]
		}]
	}`
	comp, te := compile(t, rules)
	assert.True(t, comp.HasTimers)

	store := fact.NewStore()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(t0)

	assert.False(t, fireOnce(t, comp, store), "first evaluation arms the timer")
	store.SetClock(t0.Add(30 * time.Minute))
	assert.False(t, fireOnce(t, comp, store))
	store.SetClock(t0.Add(time.Hour))
	assert.True(t, fireOnce(t, comp, store))
	require.Len(t, te.captured.notifications, 1)
	assert.Equal(t, "tick", te.captured.notifications[0].Name)

	store.SetClock(t0.Add(90 * time.Minute))
	assert.False(t, fireOnce(t, comp, store), "timer re-armed for another hour")
	store.SetClock(t0.Add(2 * time.Hour))
	assert.True(t, fireOnce(t, comp, store))
}

func TestWaitDelaysLaterActions(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "delayed off",
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
			"then": [
				{"action": "write-attribute", "attributeName": "alarm", "value": true},
				{"action": "wait", "millis": 5000},
				{"action": "write-attribute", "attributeName": "alarm", "value": false}
			]
		}]
	}`
	comp, te := compile(t, rules)
	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	putTemp(store, "x", 25.0)

	require.True(t, fireOnce(t, comp, store))
	require.Len(t, te.captured.events, 1, "only the immediate action ran")
	assert.Equal(t, true, te.captured.events[0].Value)

	require.Len(t, te.scheduled, 1)
	assert.Equal(t, 5*time.Second, te.scheduled[0].delay)
	te.scheduled[0].f()
	require.Len(t, te.captured.events, 2)
	assert.Equal(t, false, te.captured.events[1].Value)
}

func TestOnStartOnStop(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "lifecycle",
			"when": {"items": [{"timer": "1h"}]},
			"then": [{"action": "notification", "notification": {"name": "n", "targets": ["t"]}}],
			"onStart": [{"action": "write-attribute", "attributeName": "running", "value": true, "target": {"assetIds": ["controller"]}}],
			"onStop": [{"action": "write-attribute", "attributeName": "running", "value": false, "target": {"assetIds": ["controller"]}}]
		}]
	}`
	comp, te := compile(t, rules)
	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	require.NotNil(t, comp.OnStart)
	require.NotNil(t, comp.OnStop)
	require.NoError(t, comp.OnStart(store))
	require.NoError(t, comp.OnStop(store))

	require.Len(t, te.captured.events, 2)
	assert.Equal(t, true, te.captured.events[0].Value)
	assert.Equal(t, false, te.captured.events[1].Value)
	assert.Equal(t, "controller", te.captured.events[0].EntityID)
}

func TestLocationTracking(t *testing.T) {
	rules := `{
		"rules": [{
			"name": "home fence",
			"when": {
				"items": [{
					"assets": {
						"attributes": {
							"items": [{
								"name": {"value": "location"},
								"value": {"predicateType": "radial", "lat": 51.44, "lng": 5.47, "radius": 100}
							}]
						}
					}
				}]
			},
			"then": [{"action": "notification", "notification": {"name": "arrived", "targets": ["user"]}}]
		}]
	}`
	comp, _ := compile(t, rules)
	assert.True(t, comp.TracksLocation)

	store := fact.NewStore()
	store.SetClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	store.TrackLocationRules(true)
	store.PutState(&attribute.Event{
		Ref:       attribute.Ref{EntityID: "phone", Name: "location"},
		Value:     []any{5.0, 51.0},
		Timestamp: store.Clock(),
	})

	fireOnce(t, comp, store)
	preds := store.TakeLocationPredicates()
	require.Len(t, preds["phone"], 1, "watched asset recorded even while outside the fence")
	assert.Equal(t, 100.0, preds["phone"][0].Radius)
}

func TestRulePriorityOrder(t *testing.T) {
	rules := `{
		"rules": [
			{"name": "later", "when": {"items": [{"timer": "1h"}]}, "then": [{"action": "wait", "millis": 1}]},
			{"name": "first", "priority": 5, "when": {"items": [{"timer": "1h"}]}, "then": [{"action": "wait", "millis": 1}]}
		]
	}`
	comp, _ := compile(t, rules)
	require.Len(t, comp.Rules, 2)
	assert.Equal(t, "first", comp.Rules[0].Name)
	assert.Equal(t, compiler.DefaultPriority, comp.Rules[1].Priority)
}

func TestCompileErrors(t *testing.T) {
	env := newTestEnv().env
	c := New()

	cases := []struct {
		name  string
		rules string
	}{
		{"empty source", ""},
		{"not json", "{nope"},
		{"missing rules", `{"rules": []}`},
		{"rule without name", `{"rules": [{"when": {}}]}`},
		{"duplicate names", `{"rules": [
			{"name": "a", "when": {"items": [{"timer": "1h"}]}},
			{"name": "a", "when": {"items": [{"timer": "1h"}]}}
		]}`},
		{"no condition", `{"rules": [{"name": "a"}]}`},
		{"condition without assets or timer", `{"rules": [{"name": "a", "when": {"items": [{}]}}]}`},
		{"bad timer", `{"rules": [{"name": "a", "when": {"items": [{"timer": "soon"}]}}]}`},
		{"unknown action", `{"rules": [{"name": "a", "when": {"items": [{"timer": "1h"}]}, "then": [{"action": "explode"}]}]}`},
		{"bad number predicate", `{"rules": [{"name": "a", "when": {"items": [{"assets": {"attributes": {"items": [{"value": {"predicateType": "number", "operator": "BETWEEN", "value": 1}}]}}}]}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Compile(&ruleset.Ruleset{Name: "t", Lang: ruleset.LangJSON, Rules: tc.rules}, env)
			require.Error(t, err)
			assert.True(t, errors.IsCompilation(err), "expected a compilation error, got %v", err)
		})
	}
}
