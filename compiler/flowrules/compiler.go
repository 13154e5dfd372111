package flowrules

import (
	"fmt"
	"reflect"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/fact"
	"github.com/openremote/openremote-sub002/ruleset"
)

const component = "FlowCompiler"

// FlowCompiler compiles flow-graph rulesets into a single rule that fires
// whenever one of the graph's trigger attributes changes.
type FlowCompiler struct{}

// New creates the flow compiler.
func New() *FlowCompiler {
	return &FlowCompiler{}
}

// Lang returns the language tag this compiler handles.
func (c *FlowCompiler) Lang() ruleset.Lang {
	return ruleset.LangFlow
}

// Compile decodes the graph, builds the adjacency index and discovers the
// trigger attributes by backtracking from the output nodes.
func (c *FlowCompiler) Compile(rs *ruleset.Ruleset, env *compiler.Environment) (*compiler.Compilation, error) {
	if rs.Rules == "" {
		return nil, errors.WrapCompilation(errors.ErrEmptyRuleset, component, "Compile", rs.Name)
	}
	g, err := decodeGraph(rs.Rules)
	if err != nil {
		return nil, errors.WrapCompilation(err, component, "Compile", "decode graph")
	}
	ix, err := buildIndex(g)
	if err != nil {
		return nil, errors.WrapCompilation(err, component, "Compile", "index graph")
	}

	outputs := g.outputNodes()
	if len(outputs) == 0 {
		return nil, errors.WrapCompilation(fmt.Errorf("graph has no output nodes"), component, "Compile", "find outputs")
	}
	for _, out := range outputs {
		if out.Name != NodeWriteAttribute {
			return nil, errors.WrapCompilation(fmt.Errorf("unknown output node kind %q", out.Name), component, "Compile", "find outputs")
		}
		if _, err := attributeRef(out); err != nil {
			return nil, errors.WrapCompilation(err, component, "Compile", "check output target")
		}
	}

	triggers := ix.backtrack(outputs)
	if len(triggers) == 0 {
		return nil, errors.WrapCompilation(fmt.Errorf("no trigger attribute reachable from any output"), component, "Compile", "discover triggers")
	}
	triggerRefs := make([]attribute.Ref, 0, len(triggers))
	for _, tr := range triggers {
		ref, err := attributeRef(tr)
		if err != nil {
			return nil, errors.WrapCompilation(err, component, "Compile", "check trigger")
		}
		triggerRefs = append(triggerRefs, ref)
	}

	// lastSeen carries trigger values across fire cycles; the rule fires
	// when any watched attribute changed since the previous cycle.
	lastSeen := make(map[attribute.Ref]any)
	seeded := make(map[attribute.Ref]bool)

	condition := func(store *fact.Store) (bool, error) {
		changed := false
		for _, ref := range triggerRefs {
			state, ok := store.State(ref)
			if !ok {
				continue
			}
			if !seeded[ref] || !reflect.DeepEqual(lastSeen[ref], state.Value) {
				changed = true
			}
			seeded[ref] = true
			lastSeen[ref] = state.Value
		}
		return changed, nil
	}

	action := func(store *fact.Store) error {
		ev := newEvaluator(ix, store)
		for _, out := range outputs {
			value, err := ev.eval(out)
			if err != nil {
				return errors.WrapExecution(err, component, "action", rs.Name)
			}
			ref, _ := attributeRef(out)
			env.Facades.Assets.Dispatch(&attribute.Event{
				Ref:       ref,
				Value:     value,
				Timestamp: store.Clock(),
				Source:    "FlowRulesEngine",
			})
		}
		return nil
	}

	return &compiler.Compilation{
		Rules: []*compiler.Rule{{
			Name:      rs.Name,
			Priority:  compiler.DefaultPriority,
			Condition: condition,
			Action:    action,
		}},
	}, nil
}
