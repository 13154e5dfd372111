// Package fact implements the working memory of one rules engine: current
// state facts keyed by (entity, attribute), time-windowed temporal facts,
// named and anonymous facts, and the per-rule variable bindings used during
// condition evaluation.
package fact

import (
	"time"
)

// MaxTriggersPerCycle is the rule firing ceiling for one fire cycle. A rule
// set that keeps re-satisfying its own conditions hits this ceiling and the
// cycle aborts with a loop error.
const MaxTriggersPerCycle = 100

// Temporal is a punctual, time-windowed fact. It is immutable after
// creation.
type Temporal struct {
	Created time.Time
	Expires time.Duration
	Fact    any
}

// ExpiresAt returns the instant the fact stops existing.
func (t *Temporal) ExpiresAt() time.Time {
	return t.Created.Add(t.Expires)
}

// Expired reports whether the fact has expired at the given clock value.
func (t *Temporal) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}
