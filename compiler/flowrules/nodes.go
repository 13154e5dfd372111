package flowrules

import (
	"fmt"
	"math"
	"reflect"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/fact"
)

// The node catalogue.
const (
	NodeAttribute = "ATTRIBUTE"
	NodeNumber    = "NUMBER"
	NodeText      = "TEXT"
	NodeBoolean   = "BOOLEAN"

	NodeAnd = "AND"
	NodeOr  = "OR"
	NodeNot = "NOT"

	NodeEquals      = "EQUALS"
	NodeGreaterThan = "GREATER_THAN"
	NodeLessThan    = "LESS_THAN"

	NodeAdd      = "ADD"
	NodeSubtract = "SUBTRACT"
	NodeMultiply = "MULTIPLY"
	NodeDivide   = "DIVIDE"
	NodeRound    = "ROUND"
	NodeAbs      = "ABS"
	NodePow      = "POW"

	NodeNumberSwitch = "NUMBER_SWITCH"

	NodeWriteAttribute = "WRITE_ATTRIBUTE"
)

// evaluator pulls values through the graph for one fire. Results are
// memoized per node; a visiting set turns evaluation-time cycles into an
// error instead of unbounded recursion.
type evaluator struct {
	ix       *index
	store    *fact.Store
	memo     map[string]any
	visiting map[string]bool
}

func newEvaluator(ix *index, store *fact.Store) *evaluator {
	return &evaluator{
		ix:       ix,
		store:    store,
		memo:     make(map[string]any),
		visiting: make(map[string]bool),
	}
}

func (ev *evaluator) eval(n *Node) (any, error) {
	if v, done := ev.memo[n.ID]; done {
		return v, nil
	}
	if ev.visiting[n.ID] {
		return nil, fmt.Errorf("cycle through node %q", n.ID)
	}
	ev.visiting[n.ID] = true
	defer delete(ev.visiting, n.ID)

	v, err := ev.evalNode(n)
	if err != nil {
		return nil, err
	}
	ev.memo[n.ID] = v
	return v, nil
}

func (ev *evaluator) evalNode(n *Node) (any, error) {
	switch n.Name {
	case NodeAttribute:
		ref, err := attributeRef(n)
		if err != nil {
			return nil, err
		}
		if state, ok := ev.store.State(ref); ok {
			return state.Value, nil
		}
		return nil, nil
	case NodeNumber, NodeText, NodeBoolean:
		if len(n.Internals) == 0 {
			return nil, fmt.Errorf("constant node %q without value", n.ID)
		}
		return n.Internals[0], nil
	case NodeAnd:
		a, b, err := ev.boolInputs(n)
		if err != nil {
			return nil, err
		}
		return a && b, nil
	case NodeOr:
		a, b, err := ev.boolInputs(n)
		if err != nil {
			return nil, err
		}
		return a || b, nil
	case NodeNot:
		a, err := ev.boolInput(n, 0)
		if err != nil {
			return nil, err
		}
		return !a, nil
	case NodeEquals:
		a, err := ev.input(n, 0)
		if err != nil {
			return nil, err
		}
		b, err := ev.input(n, 1)
		if err != nil {
			return nil, err
		}
		return looseEqual(a, b), nil
	case NodeGreaterThan:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		return a > b, nil
	case NodeLessThan:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		return a < b, nil
	case NodeAdd:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	case NodeSubtract:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		return a - b, nil
	case NodeMultiply:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		return a * b, nil
	case NodeDivide:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, fmt.Errorf("division by zero in node %q", n.ID)
		}
		return a / b, nil
	case NodeRound:
		a, err := ev.numInput(n, 0)
		if err != nil {
			return nil, err
		}
		return math.Round(a), nil
	case NodeAbs:
		a, err := ev.numInput(n, 0)
		if err != nil {
			return nil, err
		}
		return math.Abs(a), nil
	case NodePow:
		a, b, err := ev.numInputs(n)
		if err != nil {
			return nil, err
		}
		return math.Pow(a, b), nil
	case NodeNumberSwitch:
		cond, err := ev.boolInput(n, 0)
		if err != nil {
			return nil, err
		}
		if cond {
			return ev.input(n, 1)
		}
		return ev.input(n, 2)
	case NodeWriteAttribute:
		return ev.input(n, 0)
	}
	return nil, fmt.Errorf("unknown node %q of kind %q", n.ID, n.Name)
}

func (ev *evaluator) input(n *Node, i int) (any, error) {
	ins := ev.ix.inputs[n.ID]
	if i >= len(ins) || ins[i].node == nil {
		return nil, fmt.Errorf("input %d of node %q not wired", i, n.ID)
	}
	return ev.eval(ins[i].node)
}

func (ev *evaluator) boolInput(n *Node, i int) (bool, error) {
	v, err := ev.input(n, i)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("input %d of node %q is not a boolean", i, n.ID)
	}
	return b, nil
}

func (ev *evaluator) boolInputs(n *Node) (bool, bool, error) {
	a, err := ev.boolInput(n, 0)
	if err != nil {
		return false, false, err
	}
	b, err := ev.boolInput(n, 1)
	if err != nil {
		return false, false, err
	}
	return a, b, nil
}

func (ev *evaluator) numInput(n *Node, i int) (float64, error) {
	v, err := ev.input(n, i)
	if err != nil {
		return 0, err
	}
	f, ok := asNumber(v)
	if !ok {
		return 0, fmt.Errorf("input %d of node %q is not a number", i, n.ID)
	}
	return f, nil
}

func (ev *evaluator) numInputs(n *Node) (float64, float64, error) {
	a, err := ev.numInput(n, 0)
	if err != nil {
		return 0, 0, err
	}
	b, err := ev.numInput(n, 1)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// attributeRef reads the (asset id, attribute name) internals of an
// attribute or write-attribute node.
func attributeRef(n *Node) (attribute.Ref, error) {
	if len(n.Internals) < 2 {
		return attribute.Ref{}, fmt.Errorf("node %q needs asset id and attribute name internals", n.ID)
	}
	id, ok1 := n.Internals[0].(string)
	name, ok2 := n.Internals[1].(string)
	if !ok1 || !ok2 || id == "" || name == "" {
		return attribute.Ref{}, fmt.Errorf("node %q has malformed attribute internals", n.ID)
	}
	return attribute.Ref{EntityID: id, Name: name}, nil
}

func asNumber(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
