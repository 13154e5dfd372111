package attribute

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefString(t *testing.T) {
	r := Ref{EntityID: "asset1", Name: "temperature"}
	assert.Equal(t, "asset1:temperature", r.String())
}

func TestMetaIsRuleState(t *testing.T) {
	assert.False(t, Meta{}.IsRuleState())
	assert.True(t, Meta{RuleState: true}.IsRuleState())
	assert.True(t, Meta{AgentLink: true}.IsRuleState())
}

func TestPointOf(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  orb.Point
		ok    bool
	}{
		{"geojson point", map[string]any{"type": "Point", "coordinates": []any{5.46, 51.44}}, orb.Point{5.46, 51.44}, true},
		{"bare pair", []any{5.46, 51.44}, orb.Point{5.46, 51.44}, true},
		{"float64 slice", []float64{1.0, 2.0}, orb.Point{1, 2}, true},
		{"orb point passthrough", orb.Point{3, 4}, orb.Point{3, 4}, true},
		{"integer coordinates", []any{5, 51}, orb.Point{5, 51}, true},
		{"wrong arity", []any{1.0}, orb.Point{}, false},
		{"not a point", "somewhere", orb.Point{}, false},
		{"object without coordinates", map[string]any{"type": "Point"}, orb.Point{}, false},
		{"nil", nil, orb.Point{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PointOf(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEventPoint(t *testing.T) {
	e := &Event{
		Ref:   Ref{EntityID: "a", Name: Location},
		Value: map[string]any{"type": "Point", "coordinates": []any{4.9, 52.37}},
	}
	p, ok := e.Point()
	require.True(t, ok)
	assert.InDelta(t, 4.9, p.Lon(), 1e-9)
	assert.InDelta(t, 52.37, p.Lat(), 1e-9)
}

func TestParseTimeDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1h", time.Hour},
		{"90s", 90 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"PT1H", time.Hour},
		{"pt30m", 30 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"PT0.5H", 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "  ", "P", "PT", "P1M", "PT1X", "soon", "1x"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseTimeDuration(bad)
			assert.Error(t, err)
		})
	}
}
