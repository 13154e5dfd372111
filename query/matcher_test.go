package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub002/attribute"
)

func strptr(s string) *string { return &s }

func f64ptr(f float64) *float64 { return &f }

func boolptr(b bool) *bool { return &b }

func fact(value any) *attribute.Event {
	return &attribute.Event{
		Ref:   attribute.Ref{EntityID: "asset1", Name: "temperature"},
		Value: value,
	}
}

func TestMatchStringLaws(t *testing.T) {
	tests := []struct {
		name  string
		pred  *StringPredicate
		value *string
		want  bool
	}{
		{"exact case insensitive", &StringPredicate{Value: strptr("FOO"), CaseSensitive: boolptr(false)}, strptr("Foo"), true},
		{"exact case sensitive default", &StringPredicate{Value: strptr("FOO")}, strptr("Foo"), false},
		{"contains", &StringPredicate{Match: MatchContains, Value: strptr("ell")}, strptr("hello"), true},
		{"begin", &StringPredicate{Match: MatchBegin, Value: strptr("he")}, strptr("hello"), true},
		{"begin miss", &StringPredicate{Match: MatchBegin, Value: strptr("lo")}, strptr("hello"), false},
		{"end", &StringPredicate{Match: MatchEnd, Value: strptr("lo")}, strptr("hello"), true},
		{"both nil match", &StringPredicate{Value: nil}, nil, true},
		{"nil pattern non-nil value", &StringPredicate{Value: nil}, strptr("x"), false},
		{"non-nil pattern nil value", &StringPredicate{Value: strptr("x")}, nil, false},
		{"negate", &StringPredicate{Value: strptr("x"), Negate: true}, strptr("y"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchString(tt.pred, tt.value))
		})
	}
}

func TestBooleanCoercion(t *testing.T) {
	test, err := CompileValue(&ValuePredicate{Bool: &BooleanPredicate{Value: false}})
	require.NoError(t, err)
	assert.True(t, test(fact(nil)), "nil coerces to false")
	assert.True(t, test(fact(false)))
	assert.False(t, test(fact(true)))
	assert.False(t, test(fact("not a bool")))
}

func TestNumberOperators(t *testing.T) {
	tests := []struct {
		name  string
		pred  *NumberPredicate
		value any
		want  bool
	}{
		{"equals", &NumberPredicate{Value: f64ptr(5)}, 5.0, true},
		{"not equals", &NumberPredicate{Value: f64ptr(5), Operator: OpNotEquals}, 6.0, true},
		{"greater than", &NumberPredicate{Value: f64ptr(20), Operator: OpGreaterThan}, 21.0, true},
		{"greater than miss", &NumberPredicate{Value: f64ptr(20), Operator: OpGreaterThan}, 20.0, false},
		{"between low bound", &NumberPredicate{Value: f64ptr(5), RangeValue: f64ptr(10), Operator: OpBetween}, 5.0, true},
		{"between high bound", &NumberPredicate{Value: f64ptr(5), RangeValue: f64ptr(10), Operator: OpBetween}, 10.0, true},
		{"between below", &NumberPredicate{Value: f64ptr(5), RangeValue: f64ptr(10), Operator: OpBetween}, 4.999, false},
		{"between above", &NumberPredicate{Value: f64ptr(5), RangeValue: f64ptr(10), Operator: OpBetween}, 10.001, false},
		{"between reversed bounds", &NumberPredicate{Value: f64ptr(10), RangeValue: f64ptr(5), Operator: OpBetween}, 7.0, true},
		{"integer truncation", &NumberPredicate{Value: f64ptr(5.9), Type: NumberInteger}, 5.2, true},
		{"non-numeric value", &NumberPredicate{Value: f64ptr(5)}, "five", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test, err := CompileValue(&ValuePredicate{Number: tt.pred})
			require.NoError(t, err)
			assert.Equal(t, tt.want, test(fact(tt.value)))
		})
	}
}

func TestNullNumericPolicy(t *testing.T) {
	ops := map[Operator]bool{
		OpEquals:        false,
		OpNotEquals:     false,
		OpGreaterThan:   false,
		OpGreaterEquals: false,
		OpLessThan:      true,
		OpLessEquals:    true,
	}
	for op, want := range ops {
		t.Run(string(op), func(t *testing.T) {
			test, err := CompileValue(&ValuePredicate{Number: &NumberPredicate{Value: f64ptr(5), Operator: op}})
			require.NoError(t, err)
			assert.Equal(t, want, test(fact(nil)))
		})
	}
}

func TestNumberConfigErrors(t *testing.T) {
	_, err := CompileValue(&ValuePredicate{Number: &NumberPredicate{}})
	assert.Error(t, err, "value is required")

	_, err = CompileValue(&ValuePredicate{Number: &NumberPredicate{Value: f64ptr(1), Operator: OpBetween}})
	assert.Error(t, err, "between requires a range value")
}

func TestArrayPredicate(t *testing.T) {
	pred := &ArrayPredicate{Predicates: []*StringPredicate{
		{Value: strptr("a")},
		{Value: strptr("b")},
	}}
	test, err := CompileValue(&ValuePredicate{Array: pred})
	require.NoError(t, err)

	assert.True(t, test(fact([]any{"a", "b"})))
	assert.False(t, test(fact([]any{"a", "c"})))
	assert.False(t, test(fact([]any{"a"})), "length mismatch")
	assert.False(t, test(fact([]any{"a", nil})), "asymmetric nullness")
	assert.False(t, test(fact("ab")))

	nilable := &ArrayPredicate{Predicates: []*StringPredicate{{Value: nil}}}
	test, err = CompileValue(&ValuePredicate{Array: nilable})
	require.NoError(t, err)
	assert.True(t, test(fact([]any{nil})), "nil pattern matches nil element")
}

func TestEmptyPredicate(t *testing.T) {
	test, err := CompileValue(&ValuePredicate{Empty: &EmptyPredicate{}})
	require.NoError(t, err)
	assert.True(t, test(fact(nil)))
	assert.False(t, test(fact(0.0)))

	test, err = CompileValue(&ValuePredicate{Empty: &EmptyPredicate{Negate: true}})
	require.NoError(t, err)
	assert.True(t, test(fact(0.0)))
	assert.False(t, test(fact(nil)))
}

func TestGeoPredicates(t *testing.T) {
	// Eindhoven city centre and a point roughly 1.1km away.
	centre := []any{5.4697, 51.4416}
	nearby := []any{5.4850, 51.4430}

	radial, err := CompileValue(&ValuePredicate{Radial: &RadialGeofencePredicate{Lat: 51.4416, Lng: 5.4697, Radius: 2000}})
	require.NoError(t, err)
	assert.True(t, radial(fact(nearby)))
	assert.True(t, radial(fact(centre)))
	assert.False(t, radial(fact([]any{4.9, 52.37})), "Amsterdam is outside")
	assert.False(t, radial(fact("not a point")))

	tight, err := CompileValue(&ValuePredicate{Radial: &RadialGeofencePredicate{Lat: 51.4416, Lng: 5.4697, Radius: 100}})
	require.NoError(t, err)
	assert.False(t, tight(fact(nearby)))

	rect, err := CompileValue(&ValuePredicate{Rect: &RectangularGeofencePredicate{LatMin: 51.0, LngMin: 5.0, LatMax: 52.0, LngMax: 6.0}})
	require.NoError(t, err)
	assert.True(t, rect(fact(centre)))
	assert.False(t, rect(fact([]any{4.9, 52.37})))

	negated, err := CompileValue(&ValuePredicate{Rect: &RectangularGeofencePredicate{LatMin: 51.0, LngMin: 5.0, LatMax: 52.0, LngMax: 6.0, Negated: true}})
	require.NoError(t, err)
	assert.False(t, negated(fact(centre)))
	assert.True(t, negated(fact([]any{4.9, 52.37})))
}

func TestLogicGroups(t *testing.T) {
	tempHigh := &AttributePredicate{
		Name:  &StringPredicate{Value: strptr("temperature")},
		Value: &ValuePredicate{Number: &NumberPredicate{Value: f64ptr(20), Operator: OpGreaterThan}},
	}
	nameIsHum := &AttributePredicate{
		Name: &StringPredicate{Value: strptr("humidity")},
	}

	and, err := CompileGroup(&LogicGroup{Items: []*AttributePredicate{tempHigh, nameIsHum}})
	require.NoError(t, err)
	assert.False(t, and(fact(25.0)), "AND short-circuits on first mismatch")

	or, err := CompileGroup(&LogicGroup{Operator: LogicOr, Items: []*AttributePredicate{nameIsHum, tempHigh}})
	require.NoError(t, err)
	assert.True(t, or(fact(25.0)))
	assert.False(t, or(fact(15.0)))

	empty, err := CompileGroup(&LogicGroup{})
	require.NoError(t, err)
	assert.True(t, empty(fact(nil)), "empty group always matches")

	nested, err := CompileGroup(&LogicGroup{
		Groups: []*LogicGroup{{Operator: LogicOr, Items: []*AttributePredicate{tempHigh, nameIsHum}}},
	})
	require.NoError(t, err)
	assert.True(t, nested(fact(25.0)))
}

func TestCompileAssetQuery(t *testing.T) {
	e := &attribute.Event{
		Ref:        attribute.Ref{EntityID: "asset1", Name: "temperature"},
		Value:      22.5,
		Realm:      "acme",
		Path:       []string{"asset1", "building", "root"},
		ParentID:   "building",
		ParentType: "BuildingAsset",
		EntityType: "RoomAsset",
		EntityName: "Lobby",
	}

	tests := []struct {
		name string
		q    *AssetQuery
		want bool
	}{
		{"nil query matches", nil, true},
		{"id match", &AssetQuery{IDs: []string{"other", "asset1"}}, true},
		{"id miss", &AssetQuery{IDs: []string{"other"}}, false},
		{"name predicate", &AssetQuery{Names: []*StringPredicate{{Match: MatchBegin, Value: strptr("Lob")}}}, true},
		{"type predicate", &AssetQuery{Types: []*StringPredicate{{Value: strptr("RoomAsset")}}}, true},
		{"parent id", &AssetQuery{Parents: []*ParentPredicate{{ID: "building"}}}, true},
		{"parent type miss", &AssetQuery{Parents: []*ParentPredicate{{Type: "ShipAsset"}}}, false},
		{"no parent miss", &AssetQuery{Parents: []*ParentPredicate{{NoParent: true}}}, false},
		{"path exact", &AssetQuery{Paths: []*PathPredicate{{Path: []string{"asset1", "building", "root"}}}}, true},
		{"path miss", &AssetQuery{Paths: []*PathPredicate{{Path: []string{"building", "root"}}}}, false},
		{"tenant realm", &AssetQuery{Tenant: &TenantPredicate{Realm: "acme"}}, true},
		{"tenant miss", &AssetQuery{Tenant: &TenantPredicate{Realm: "globex"}}, false},
		{"attributes", &AssetQuery{Attributes: &LogicGroup{Items: []*AttributePredicate{{
			Name:  &StringPredicate{Value: strptr("temperature")},
			Value: &ValuePredicate{Number: &NumberPredicate{Value: f64ptr(20), Operator: OpGreaterThan}},
		}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test, err := Compile(tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, test(e))
		})
	}
}
