package query

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/errors"
)

// Predicate is a compiled boolean test against one state fact.
type Predicate func(*attribute.Event) bool

// Compile turns an asset query into an executable predicate. Malformed or
// unsupported predicate shapes are configuration errors reported here, never
// a silent false at match time.
func Compile(q *AssetQuery) (Predicate, error) {
	if q == nil {
		return func(*attribute.Event) bool { return true }, nil
	}

	if q.OrderBy != nil {
		switch q.OrderBy.Property {
		case "", OrderByName, OrderByAttributeName, OrderByNameAndAttributeName:
		default:
			return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "Compile", "unknown order property")
		}
	}

	var tests []Predicate

	if len(q.IDs) > 0 {
		ids := slices.Clone(q.IDs)
		tests = append(tests, func(e *attribute.Event) bool {
			return slices.Contains(ids, e.EntityID)
		})
	}
	if len(q.Names) > 0 {
		tests = append(tests, anyString(q.Names, func(e *attribute.Event) *string {
			return &e.EntityName
		}))
	}
	if len(q.Types) > 0 {
		tests = append(tests, anyString(q.Types, func(e *attribute.Event) *string {
			return &e.EntityType
		}))
	}
	if len(q.Parents) > 0 {
		parents := q.Parents
		tests = append(tests, func(e *attribute.Event) bool {
			for _, p := range parents {
				if matchParent(p, e) {
					return true
				}
			}
			return false
		})
	}
	if len(q.Paths) > 0 {
		paths := q.Paths
		tests = append(tests, func(e *attribute.Event) bool {
			for _, p := range paths {
				if slices.Equal(p.Path, e.Path) {
					return true
				}
			}
			return false
		})
	}
	if q.Tenant != nil {
		tn := q.Tenant
		tests = append(tests, func(e *attribute.Event) bool {
			if tn.Realm != "" && tn.Realm != e.Realm {
				return false
			}
			if tn.RealmID != "" && tn.RealmID != e.RealmID {
				return false
			}
			return true
		})
	}
	if q.Location != nil {
		test, err := CompileValue(q.Location)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	if q.Attributes != nil {
		test, err := CompileGroup(q.Attributes)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}

	return func(e *attribute.Event) bool {
		for _, t := range tests {
			if !t(e) {
				return false
			}
		}
		return true
	}, nil
}

// CompileGroup compiles a logic group. OR short-circuits on first match, AND
// on first mismatch. An empty group always matches.
func CompileGroup(g *LogicGroup) (Predicate, error) {
	var tests []Predicate
	for _, item := range g.Items {
		test, err := CompileAttribute(item)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	for _, sub := range g.Groups {
		test, err := CompileGroup(sub)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	or := g.Op() == LogicOr
	return func(e *attribute.Event) bool {
		for _, t := range tests {
			if t(e) == or {
				return or
			}
		}
		return !or
	}, nil
}

// CompileAttribute compiles one attribute predicate: optional name pattern
// first, then the value predicate.
func CompileAttribute(p *AttributePredicate) (Predicate, error) {
	nameTest := func(*attribute.Event) bool { return true }
	if p.Name != nil {
		name := p.Name
		nameTest = func(e *attribute.Event) bool {
			return matchString(name, &e.Name)
		}
	}
	if p.Value == nil {
		return nameTest, nil
	}
	valueTest, err := CompileValue(p.Value)
	if err != nil {
		return nil, err
	}
	return func(e *attribute.Event) bool {
		return nameTest(e) && valueTest(e)
	}, nil
}

// CompileValue compiles a value predicate against the fact's value.
func CompileValue(v *ValuePredicate) (Predicate, error) {
	switch {
	case v.String != nil:
		p := v.String
		return func(e *attribute.Event) bool {
			s, ok := stringValue(e.Value)
			return ok && matchString(p, s)
		}, nil
	case v.Bool != nil:
		p := v.Bool
		return func(e *attribute.Event) bool {
			b, ok := boolValue(e.Value)
			return ok && b == p.Value
		}, nil
	case v.Number != nil:
		return compileNumber(v.Number)
	case v.Date != nil:
		return compileDate(v.Date)
	case v.Array != nil:
		p := v.Array
		return func(e *attribute.Event) bool {
			return matchArray(p, e.Value)
		}, nil
	case v.Empty != nil:
		p := v.Empty
		return func(e *attribute.Event) bool {
			return (e.Value == nil) != p.Negate
		}, nil
	case v.Radial != nil:
		p := v.Radial
		centre := orb.Point{p.Lng, p.Lat}
		return func(e *attribute.Event) bool {
			pt, ok := attribute.PointOf(e.Value)
			if !ok {
				return false
			}
			return (geo.Distance(centre, pt) < p.Radius) != p.Negated
		}, nil
	case v.Rect != nil:
		p := v.Rect
		bound := orb.Bound{
			Min: orb.Point{math.Min(p.LngMin, p.LngMax), math.Min(p.LatMin, p.LatMax)},
			Max: orb.Point{math.Max(p.LngMin, p.LngMax), math.Max(p.LatMin, p.LatMax)},
		}
		return func(e *attribute.Event) bool {
			pt, ok := attribute.PointOf(e.Value)
			if !ok {
				return false
			}
			return bound.Contains(pt) != p.Negated
		}, nil
	}
	return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "CompileValue", "dispatch value predicate")
}

func compileNumber(p *NumberPredicate) (Predicate, error) {
	if p.Value == nil {
		return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "CompileValue", "number predicate without value")
	}
	if p.Op() == OpBetween && p.RangeValue == nil {
		return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "CompileValue", "between without range value")
	}
	switch p.Op() {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterEquals, OpLessThan, OpLessEquals, OpBetween:
	default:
		return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "CompileValue", "unknown number operator")
	}
	return func(e *attribute.Event) bool {
		n, ok := numberValue(e.Value)
		if !ok {
			return false
		}
		if n == nil {
			// Unknown is always less than any threshold.
			return p.Op() == OpLessThan || p.Op() == OpLessEquals
		}
		return compareNumbers(p, *n)
	}, nil
}

func compareNumbers(p *NumberPredicate, v float64) bool {
	bound := *p.Value
	if p.Type == NumberInteger {
		v = math.Trunc(v)
		bound = math.Trunc(bound)
	}
	switch p.Op() {
	case OpEquals:
		return v == bound
	case OpNotEquals:
		return v != bound
	case OpGreaterThan:
		return v > bound
	case OpGreaterEquals:
		return v >= bound
	case OpLessThan:
		return v < bound
	case OpLessEquals:
		return v <= bound
	case OpBetween:
		hi := *p.RangeValue
		if p.Type == NumberInteger {
			hi = math.Trunc(hi)
		}
		lo := math.Min(bound, hi)
		hi = math.Max(bound, hi)
		return v >= lo && v <= hi
	}
	return false
}

func compileDate(p *DatePredicate) (Predicate, error) {
	from, err := time.Parse(time.RFC3339, p.Value)
	if err != nil {
		return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "CompileValue", "parse datetime value")
	}
	var to time.Time
	if p.Op() == OpBetween {
		to, err = time.Parse(time.RFC3339, p.RangeValue)
		if err != nil {
			return nil, errors.WrapConfig(errors.ErrUnsupportedPredicate, "Matcher", "CompileValue", "parse datetime range value")
		}
	}
	return func(e *attribute.Event) bool {
		t, ok := timeValue(e.Value)
		if !ok {
			return false
		}
		if t == nil {
			return p.Op() == OpLessThan || p.Op() == OpLessEquals
		}
		switch p.Op() {
		case OpEquals:
			return t.Equal(from)
		case OpNotEquals:
			return !t.Equal(from)
		case OpGreaterThan:
			return t.After(from)
		case OpGreaterEquals:
			return !t.Before(from)
		case OpLessThan:
			return t.Before(from)
		case OpLessEquals:
			return !t.After(from)
		case OpBetween:
			lo, hi := from, to
			if hi.Before(lo) {
				lo, hi = hi, lo
			}
			return !t.Before(lo) && !t.After(hi)
		}
		return false
	}, nil
}

// matchString applies the string predicate laws: nil only matches nil, and
// substring modes use the pattern as needle.
func matchString(p *StringPredicate, value *string) bool {
	result := false
	switch {
	case p.Value == nil:
		result = value == nil
	case value == nil:
		result = false
	default:
		pattern, v := *p.Value, *value
		if !p.IsCaseSensitive() {
			pattern = strings.ToUpper(pattern)
			v = strings.ToUpper(v)
		}
		switch p.MatchMode() {
		case MatchBegin:
			result = strings.HasPrefix(v, pattern)
		case MatchEnd:
			result = strings.HasSuffix(v, pattern)
		case MatchContains:
			result = strings.Contains(v, pattern)
		default:
			result = v == pattern
		}
	}
	return result != p.Negate
}

func matchArray(p *ArrayPredicate, value any) bool {
	elems, ok := stringSlice(value)
	if !ok || len(elems) != len(p.Predicates) {
		return false
	}
	for i, sp := range p.Predicates {
		if sp == nil {
			return false
		}
		if !matchString(sp, elems[i]) {
			return false
		}
	}
	return true
}

func matchParent(p *ParentPredicate, e *attribute.Event) bool {
	if p.NoParent {
		return e.ParentID == ""
	}
	if p.ID != "" && p.ID != e.ParentID {
		return false
	}
	if p.Type != "" && p.Type != e.ParentType {
		return false
	}
	return true
}

func anyString(preds []*StringPredicate, get func(*attribute.Event) *string) Predicate {
	return func(e *attribute.Event) bool {
		v := get(e)
		for _, p := range preds {
			if matchString(p, v) {
				return true
			}
		}
		return false
	}
}

// stringValue returns the value as a string pointer. A nil value stays nil
// and remains matchable; a non-string value is not.
func stringValue(v any) (*string, bool) {
	if v == nil {
		return nil, true
	}
	if s, ok := v.(string); ok {
		return &s, true
	}
	return nil, false
}

func boolValue(v any) (bool, bool) {
	if v == nil {
		return false, true
	}
	if b, ok := v.(bool); ok {
		return b, true
	}
	return false, false
}

func numberValue(v any) (*float64, bool) {
	if v == nil {
		return nil, true
	}
	switch n := v.(type) {
	case float64:
		return &n, true
	case float32:
		f := float64(n)
		return &f, true
	case int:
		f := float64(n)
		return &f, true
	case int64:
		f := float64(n)
		return &f, true
	}
	return nil, false
}

func timeValue(v any) (*time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		return &t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return nil, false
		}
		return &parsed, true
	case float64:
		// Millisecond epoch, the wire format for timestamps.
		parsed := time.UnixMilli(int64(t)).UTC()
		return &parsed, true
	case int64:
		parsed := time.UnixMilli(t).UTC()
		return &parsed, true
	}
	return nil, false
}

func stringSlice(v any) ([]*string, bool) {
	switch s := v.(type) {
	case []string:
		out := make([]*string, len(s))
		for i := range s {
			out[i] = &s[i]
		}
		return out, true
	case []any:
		out := make([]*string, len(s))
		for i, e := range s {
			if e == nil {
				continue
			}
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out[i] = &str
		}
		return out, true
	}
	return nil, false
}
