package jsonrules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/fact"
	"github.com/openremote/openremote-sub002/query"
	"github.com/openremote/openremote-sub002/ruleset"
)

const component = "JSONCompiler"

// JSONCompiler compiles declarative JSON rulesets.
type JSONCompiler struct{}

// New creates the declarative compiler.
func New() *JSONCompiler {
	return &JSONCompiler{}
}

// Lang returns the language tag this compiler handles.
func (c *JSONCompiler) Lang() ruleset.Lang {
	return ruleset.LangJSON
}

// Compile validates and builds the executable rules of one ruleset.
func (c *JSONCompiler) Compile(rs *ruleset.Ruleset, env *compiler.Environment) (*compiler.Compilation, error) {
	if rs.Rules == "" {
		return nil, errors.WrapCompilation(errors.ErrEmptyRuleset, component, "Compile", rs.Name)
	}
	if err := validateDocument(rs.Rules); err != nil {
		return nil, errors.WrapCompilation(err, component, "Compile", "validate document")
	}
	var doc Document
	if err := json.Unmarshal([]byte(rs.Rules), &doc); err != nil {
		return nil, errors.WrapCompilation(err, component, "Compile", "decode document")
	}

	out := &compiler.Compilation{}
	seen := make(map[string]bool)
	for _, def := range doc.Rules {
		if seen[def.Name] {
			return nil, errors.WrapCompilation(errors.ErrDuplicateRuleName, component, "Compile", def.Name)
		}
		seen[def.Name] = true

		state, err := newRuleState(def, env)
		if err != nil {
			return nil, err
		}
		if state.tracksLocation {
			out.TracksLocation = true
		}
		if state.hasTimers {
			out.HasTimers = true
		}

		priority := def.Priority
		if priority == 0 {
			priority = compiler.DefaultPriority
		}
		out.Rules = append(out.Rules, &compiler.Rule{
			Name:        def.Name,
			Description: def.Description,
			Priority:    priority,
			Condition:   state.evaluate,
			Action:      state.execute,
		})

		if len(def.OnStart) > 0 {
			actions := def.OnStart
			prev := out.OnStart
			out.OnStart = func(store *fact.Store) error {
				if prev != nil {
					if err := prev(store); err != nil {
						return err
					}
				}
				return state.runActions(store, actions, nil)
			}
		}
		if len(def.OnStop) > 0 {
			actions := def.OnStop
			prev := out.OnStop
			out.OnStop = func(store *fact.Store) error {
				if prev != nil {
					if err := prev(store); err != nil {
						return err
					}
				}
				return state.runActions(store, actions, nil)
			}
		}
	}
	compiler.SortRules(out.Rules)
	return out, nil
}

// snapshot remembers the fact a rule fired on, for reset checks.
type snapshot struct {
	value   any
	ts      time.Time
	firedAt time.Time
}

// conditionState is the per-leaf trigger state of one rule condition. It
// survives across fire cycles; the matched/unmatched scratch is refreshed
// every evaluation.
type conditionState struct {
	def           *ConditionDef
	q             *query.AssetQuery
	candidateQ    *query.AssetQuery
	radial        []*query.RadialGeofencePredicate
	timer         time.Duration
	nextTimerAt   time.Time
	timerDue      bool
	previously    map[attribute.Ref]snapshot
	lastMatched   []*attribute.Event
	lastUnmatched []*attribute.Event
}

// ruleState is the trigger state of one compiled rule.
type ruleState struct {
	def            *RuleDef
	env            *compiler.Environment
	leaves         []*conditionState
	root           *groupNode
	resetTimer     time.Duration
	tracksLocation bool
	hasTimers      bool
}

// groupNode mirrors the condition group tree with leaves resolved.
type groupNode struct {
	op     query.LogicOperator
	leaves []*conditionState
	groups []*groupNode
}

func newRuleState(def *RuleDef, env *compiler.Environment) (*ruleState, error) {
	rs := &ruleState{def: def, env: env}

	if def.Reset != nil && def.Reset.Timer != "" {
		d, err := attribute.ParseTimeDuration(def.Reset.Timer)
		if err != nil {
			return nil, errors.WrapCompilation(err, component, "Compile", "parse reset timer")
		}
		rs.resetTimer = d
	}

	if def.When == nil {
		return nil, errors.WrapCompilation(fmt.Errorf("rule %q has no condition", def.Name), component, "Compile", "build condition")
	}
	root, err := rs.buildGroup(def.When)
	if err != nil {
		return nil, err
	}
	rs.root = root
	if len(rs.leaves) == 0 {
		return nil, errors.WrapCompilation(fmt.Errorf("rule %q has an empty condition", def.Name), component, "Compile", "build condition")
	}
	return rs, nil
}

func (rs *ruleState) buildGroup(g *ConditionGroup) (*groupNode, error) {
	node := &groupNode{op: g.Op()}
	for _, item := range g.Items {
		leaf, err := rs.buildLeaf(item)
		if err != nil {
			return nil, err
		}
		node.leaves = append(node.leaves, leaf)
		rs.leaves = append(rs.leaves, leaf)
	}
	for _, sub := range g.Groups {
		child, err := rs.buildGroup(sub)
		if err != nil {
			return nil, err
		}
		node.groups = append(node.groups, child)
	}
	return node, nil
}

func (rs *ruleState) buildLeaf(def *ConditionDef) (*conditionState, error) {
	cs := &conditionState{def: def, previously: make(map[attribute.Ref]snapshot)}

	if def.Timer != "" {
		d, err := attribute.ParseTimeDuration(def.Timer)
		if err != nil {
			return nil, errors.WrapCompilation(err, component, "Compile", "parse condition timer")
		}
		cs.timer = d
		rs.hasTimers = true
		return cs, nil
	}
	if def.Assets == nil {
		return nil, errors.WrapCompilation(fmt.Errorf("condition needs assets or timer"), component, "Compile", "build condition")
	}

	// Compile eagerly so unsupported predicate shapes fail the deploy,
	// not the fire cycle.
	if _, err := query.Compile(def.Assets); err != nil {
		return nil, errors.WrapCompilation(err, component, "Compile", "compile asset query")
	}
	cs.q = def.Assets

	// The candidate query drops the value constraints; it selects every
	// fact the condition watches, matching or not.
	candidate := *def.Assets
	candidate.Attributes = stripValues(def.Assets.Attributes)
	candidate.Location = nil
	candidate.Limit = 0
	cs.candidateQ = &candidate

	cs.radial = collectRadial(def.Assets)
	if len(cs.radial) > 0 {
		rs.tracksLocation = true
	}
	return cs, nil
}

// stripValues keeps the name constraints of an attribute group but drops
// the value predicates.
func stripValues(g *query.LogicGroup) *query.LogicGroup {
	if g == nil {
		return nil
	}
	out := &query.LogicGroup{Operator: query.LogicOr}
	for _, item := range g.Items {
		if item.Name != nil {
			out.Items = append(out.Items, &query.AttributePredicate{Name: item.Name})
		}
	}
	for _, sub := range g.Groups {
		if child := stripValues(sub); child != nil && (len(child.Items) > 0 || len(child.Groups) > 0) {
			out.Groups = append(out.Groups, child)
		}
	}
	if len(out.Items) == 0 && len(out.Groups) == 0 {
		return nil
	}
	return out
}

// collectRadial gathers the radial geofence predicates of a query, the
// input to geofence aggregation.
func collectRadial(q *query.AssetQuery) []*query.RadialGeofencePredicate {
	var out []*query.RadialGeofencePredicate
	add := func(v *query.ValuePredicate) {
		if v != nil && v.Radial != nil {
			out = append(out, v.Radial)
		}
	}
	add(q.Location)
	var walk func(g *query.LogicGroup)
	walk = func(g *query.LogicGroup) {
		if g == nil {
			return
		}
		for _, item := range g.Items {
			add(item.Value)
		}
		for _, sub := range g.Groups {
			walk(sub)
		}
	}
	walk(q.Attributes)
	return out
}

// evaluate refreshes every leaf's trigger state and combines the group
// tree. All leaves are evaluated, no short-circuit, so reset tracking and
// bindings stay current.
func (rs *ruleState) evaluate(store *fact.Store) (bool, error) {
	for _, leaf := range rs.leaves {
		if err := leaf.refresh(store, rs.def.Reset, rs.resetTimer); err != nil {
			return false, err
		}
		if tag := leaf.def.Tag; tag != "" {
			store.Bind(tag, leaf.lastMatched)
		}
	}
	return rs.root.result(), nil
}

func (n *groupNode) result() bool {
	or := n.op == query.LogicOr
	for _, leaf := range n.leaves {
		if leaf.triggered() == or {
			return or
		}
	}
	for _, sub := range n.groups {
		if sub.result() == or {
			return or
		}
	}
	return !or
}

func (cs *conditionState) triggered() bool {
	if cs.timer > 0 {
		return cs.timerDue
	}
	return len(cs.lastMatched) > 0
}

func (cs *conditionState) refresh(store *fact.Store, reset *ResetDef, resetTimer time.Duration) error {
	cs.lastMatched = nil
	cs.lastUnmatched = nil

	if cs.timer > 0 {
		now := store.Clock()
		cs.timerDue = false
		if cs.nextTimerAt.IsZero() {
			cs.nextTimerAt = now.Add(cs.timer)
		} else if !now.Before(cs.nextTimerAt) {
			cs.nextTimerAt = now.Add(cs.timer)
			cs.timerDue = true
		}
		return nil
	}

	matched, err := store.MatchStates(cs.q)
	if err != nil {
		return err
	}
	matchedRefs := make(map[attribute.Ref]bool, len(matched))
	for _, e := range matched {
		matchedRefs[e.Ref] = true
	}

	// Reset pass: clear the fired mark where a reset trigger became true.
	for ref, snap := range cs.previously {
		if cs.shouldReset(store, ref, snap, matchedRefs, reset, resetTimer) {
			delete(cs.previously, ref)
		}
	}

	for _, e := range matched {
		if _, fired := cs.previously[e.Ref]; !fired {
			cs.lastMatched = append(cs.lastMatched, e)
		}
	}

	candidates, err := store.MatchStates(cs.candidateQ)
	if err != nil {
		return err
	}
	for _, e := range candidates {
		if !matchedRefs[e.Ref] {
			cs.lastUnmatched = append(cs.lastUnmatched, e)
		}
		store.StoreLocationPredicates(e.EntityID, cs.radial)
	}
	return nil
}

func (cs *conditionState) shouldReset(store *fact.Store, ref attribute.Ref, snap snapshot, matchedRefs map[attribute.Ref]bool, reset *ResetDef, resetTimer time.Duration) bool {
	if reset == nil {
		return !matchedRefs[ref]
	}
	if reset.NoLongerMatches && !matchedRefs[ref] {
		return true
	}
	current, ok := store.State(ref)
	if !ok {
		// The fact was retracted entirely.
		return true
	}
	if reset.ValueChanges && !reflect.DeepEqual(current.Value, snap.value) {
		return true
	}
	if reset.TimestampChanges && !current.Timestamp.Equal(snap.ts) {
		return true
	}
	if resetTimer > 0 && !store.Clock().Before(snap.firedAt.Add(resetTimer)) {
		return true
	}
	return false
}

// execute runs the rule's actions and marks the matched facts as fired so
// they do not re-trigger until a reset condition clears them.
func (rs *ruleState) execute(store *fact.Store) error {
	var matchedAll, unmatchedAll []*attribute.Event
	for _, leaf := range rs.leaves {
		matchedAll = append(matchedAll, leaf.lastMatched...)
		unmatchedAll = append(unmatchedAll, leaf.lastUnmatched...)
	}

	if err := rs.runActions(store, rs.def.Then, matchedAll); err != nil {
		return errors.WrapExecution(err, component, "execute", rs.def.Name)
	}
	if len(rs.def.Otherwise) > 0 && len(unmatchedAll) > 0 {
		if err := rs.runActions(store, rs.def.Otherwise, unmatchedAll); err != nil {
			return errors.WrapExecution(err, component, "execute", rs.def.Name)
		}
	}

	now := store.Clock()
	for _, leaf := range rs.leaves {
		for _, e := range leaf.lastMatched {
			leaf.previously[e.Ref] = snapshot{value: e.Value, ts: e.Timestamp, firedAt: now}
		}
	}
	return nil
}

// runActions executes an action list. A wait action shifts every later
// action by its delay; delayed work is resolved against current facts
// immediately and only the facade calls are deferred.
func (rs *ruleState) runActions(store *fact.Store, actions []*ActionDef, defaultTargets []*attribute.Event) error {
	var offset time.Duration
	for _, a := range actions {
		switch {
		case a.Wait != nil:
			offset += time.Duration(a.Wait.Millis) * time.Millisecond
		case a.WriteAttribute != nil:
			if err := rs.runWriteAttribute(store, a.WriteAttribute, defaultTargets, offset); err != nil {
				return err
			}
		case a.Notification != nil:
			if err := rs.runNotification(store, a.Notification, defaultTargets, offset); err != nil {
				return err
			}
		case a.Webhook != nil:
			w := a.Webhook.Webhook
			rs.runAfter(offset, func() { rs.env.Facades.Webhooks.Send(w) })
		default:
			return fmt.Errorf("rule %q has an empty action", rs.def.Name)
		}
	}
	return nil
}

func (rs *ruleState) runWriteAttribute(store *fact.Store, a *WriteAttributeAction, defaults []*attribute.Event, offset time.Duration) error {
	if a.AttributeName == "" {
		return fmt.Errorf("write-attribute without attribute name")
	}
	ids, err := rs.targetIDs(store, a.Target, defaults)
	if err != nil {
		return err
	}
	delay := offset + time.Duration(a.DelayMillis)*time.Millisecond
	now := store.Clock()
	for _, id := range ids {
		e := &attribute.Event{
			Ref:       attribute.Ref{EntityID: id, Name: a.AttributeName},
			Value:     a.Value,
			Timestamp: now,
			Source:    "RulesEngine",
		}
		rs.runAfter(delay, func() { rs.env.Facades.Assets.Dispatch(e) })
	}
	return nil
}

func (rs *ruleState) runNotification(store *fact.Store, a *NotificationAction, defaults []*attribute.Event, offset time.Duration) error {
	if a.Notification == nil {
		return fmt.Errorf("notification action without notification")
	}
	msg := *a.Notification
	if len(msg.Targets) == 0 {
		ids, err := rs.targetIDs(store, a.Target, defaults)
		if err != nil {
			return err
		}
		msg.Targets = ids
	}
	rs.runAfter(offset, func() { rs.env.Facades.Notifications.Send(&msg) })
	return nil
}

// targetIDs resolves an action target to distinct entity ids.
func (rs *ruleState) targetIDs(store *fact.Store, target *TargetDef, defaults []*attribute.Event) ([]string, error) {
	var facts []*attribute.Event
	switch {
	case target == nil:
		facts = defaults
	case len(target.AssetIDs) > 0:
		return target.AssetIDs, nil
	case target.Assets != nil:
		matched, err := store.MatchStates(target.Assets)
		if err != nil {
			return nil, err
		}
		facts = matched
	case target.MatchedTag != "":
		bound, ok := store.Bound(target.MatchedTag)
		if !ok {
			return nil, nil
		}
		tagged, ok := bound.([]*attribute.Event)
		if !ok {
			return nil, fmt.Errorf("binding %q is not a fact list", target.MatchedTag)
		}
		facts = tagged
	default:
		facts = defaults
	}

	seen := make(map[string]bool, len(facts))
	ids := make([]string, 0, len(facts))
	for _, e := range facts {
		if !seen[e.EntityID] {
			seen[e.EntityID] = true
			ids = append(ids, e.EntityID)
		}
	}
	return ids, nil
}

func (rs *ruleState) runAfter(delay time.Duration, f func()) {
	if delay <= 0 {
		f()
		return
	}
	rs.env.Schedule(delay, f)
}
