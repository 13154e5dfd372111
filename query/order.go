package query

import (
	"sort"
	"strings"

	"github.com/openremote/openremote-sub002/attribute"
)

// Sort orders matched facts in place per the query's ordering. A nil order
// leaves the slice untouched.
func Sort(events []*attribute.Event, o *OrderBy) {
	if o == nil {
		return
	}
	less := lessFunc(o)
	sort.SliceStable(events, func(i, j int) bool {
		return less(events[i], events[j])
	})
}

// Apply sorts and then truncates to the query's limit. A zero limit keeps
// every match.
func Apply(events []*attribute.Event, q *AssetQuery) []*attribute.Event {
	if q == nil {
		return events
	}
	Sort(events, q.OrderBy)
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return events
}

func lessFunc(o *OrderBy) func(a, b *attribute.Event) bool {
	name := func(e *attribute.Event) string {
		if e.EntityName != "" {
			return e.EntityName
		}
		return e.EntityID
	}
	var compare func(a, b *attribute.Event) int
	switch o.Property {
	case OrderByAttributeName:
		compare = func(a, b *attribute.Event) int {
			return strings.Compare(a.Name, b.Name)
		}
	case OrderByNameAndAttributeName:
		compare = func(a, b *attribute.Event) int {
			if c := strings.Compare(name(a), name(b)); c != 0 {
				return c
			}
			return strings.Compare(a.Name, b.Name)
		}
	default:
		compare = func(a, b *attribute.Event) int {
			return strings.Compare(name(a), name(b))
		}
	}
	if o.Descending {
		return func(a, b *attribute.Event) bool {
			return compare(a, b) > 0
		}
	}
	return func(a, b *attribute.Event) bool {
		return compare(a, b) < 0
	}
}
