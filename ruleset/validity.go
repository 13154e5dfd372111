package ruleset

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// CalendarEvent is a possibly recurring validity window. Without a
// recurrence it is the single window [Start, End). With one, every
// occurrence opens a window of the same duration.
type CalendarEvent struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Recurrence is an RRULE string, e.g. "FREQ=DAILY;BYHOUR=8".
	Recurrence string `json:"recurrence,omitempty"`
}

// Window is one concrete [From, To) activity period.
type Window struct {
	From time.Time
	To   time.Time
}

// Active reports whether the window covers the instant.
func (w Window) Active(now time.Time) bool {
	return !now.Before(w.From) && now.Before(w.To)
}

// NextOrActive computes the window covering now, or failing that the next
// future one. ok is false when no window remains, which makes the
// deployment permanently expired.
func (c *CalendarEvent) NextOrActive(now time.Time) (Window, bool, error) {
	if c.End.IsZero() || !c.End.After(c.Start) {
		return Window{}, false, fmt.Errorf("validity end %v not after start %v", c.End, c.Start)
	}
	duration := c.End.Sub(c.Start)

	if c.Recurrence == "" {
		if !now.Before(c.End) {
			return Window{}, false, nil
		}
		return Window{From: c.Start, To: c.End}, true, nil
	}

	rr, err := rrule.StrToRRule(c.Recurrence)
	if err != nil {
		return Window{}, false, fmt.Errorf("parse recurrence %q: %w", c.Recurrence, err)
	}
	rr.DTStart(c.Start)

	// The latest occurrence at or before now may still have an open window.
	if occ := rr.Before(now, true); !occ.IsZero() && now.Before(occ.Add(duration)) {
		return Window{From: occ, To: occ.Add(duration)}, true, nil
	}
	if occ := rr.After(now, false); !occ.IsZero() {
		return Window{From: occ, To: occ.Add(duration)}, true, nil
	}
	return Window{}, false, nil
}
