package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Engine", "fire", "evaluate rules")
	require.Error(t, err)
	assert.Equal(t, "Engine.fire: evaluate rules failed: boom", err.Error())
	assert.True(t, errors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Engine", "fire", "evaluate rules"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"compilation wrap", WrapCompilation(errors.New("parse"), "Deployment", "Compile", "build rules"), ClassCompilation},
		{"validity wrap", WrapValidity(errors.New("bad rrule"), "Deployment", "Compile", "parse validity"), ClassValidity},
		{"execution wrap", WrapExecution(errors.New("nil deref"), "Engine", "fire", "run action"), ClassExecution},
		{"config wrap", WrapConfig(ErrUnsupportedPredicate, "Matcher", "Compile", "dispatch predicate"), ClassConfig},
		{"loop sentinel", fmt.Errorf("cycle: %w", ErrRulesLoop), ClassLoop},
		{"unknown language sentinel", fmt.Errorf("lang: %w", ErrUnknownLanguage), ClassCompilation},
		{"plain error defaults transient", errors.New("whatever"), ClassTransient},
		{"nil defaults transient", nil, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	base := errors.New("inner")
	err := WrapExecution(base, "Engine", "fire", "run action")

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ClassExecution, ce.Class)
	assert.Equal(t, "Engine", ce.Component)
	assert.True(t, errors.Is(err, base))
}

func TestPredicateHelpers(t *testing.T) {
	assert.True(t, IsCompilation(WrapCompilation(errors.New("x"), "c", "m", "a")))
	assert.False(t, IsCompilation(nil))
	assert.True(t, IsLoop(fmt.Errorf("w: %w", ErrRulesLoop)))
	assert.False(t, IsLoop(errors.New("no loop")))
	assert.True(t, IsValidity(WrapValidity(errors.New("x"), "c", "m", "a")))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "compilation", ClassCompilation.String())
	assert.Equal(t, "loop", ClassLoop.String())
	assert.Equal(t, "unknown", Class(99).String())
}
