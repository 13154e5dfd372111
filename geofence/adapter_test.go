package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/query"
)

type notificationRecorder struct {
	sent []*facade.Notification
}

func (n *notificationRecorder) Send(msg *facade.Notification) { n.sent = append(n.sent, msg) }

func radial(lat, lng, radius float64) *query.RadialGeofencePredicate {
	return &query.RadialGeofencePredicate{Lat: lat, Lng: lng, Radius: radius}
}

func TestConsoleAdapterOwnership(t *testing.T) {
	rec := &notificationRecorder{}
	a := NewConsoleAdapter(rec, "PUT", "/asset/location/%s")
	a.RegisterConsole("console1", "acme")

	rest := a.ProcessLocationPredicates([]*AssetPredicates{
		{AssetID: "console1", Predicates: []*query.RadialGeofencePredicate{radial(51.44, 5.46, 100)}},
		{AssetID: "other", Predicates: []*query.RadialGeofencePredicate{radial(1, 2, 3)}},
	})

	require.Len(t, rest, 1, "unowned assets pass through")
	assert.Equal(t, "other", rest[0].AssetID)

	require.Len(t, rec.sent, 1)
	assert.Equal(t, "GeofenceRefresh", rec.sent[0].Name)
	assert.Equal(t, []string{"console1"}, rec.sent[0].Targets)

	defs := a.AssetGeofences("console1")
	require.Len(t, defs, 1)
	assert.Equal(t, 51.44, defs[0].Lat)
	assert.Equal(t, "PUT", defs[0].HTTPMethod)
	assert.Equal(t, "/asset/location/console1", defs[0].URL)

	assert.Nil(t, a.AssetGeofences("other"), "unowned asset is nil, not empty")
}

func TestConsoleAdapterUnchangedPredicatesDoNotNotify(t *testing.T) {
	rec := &notificationRecorder{}
	a := NewConsoleAdapter(rec, "PUT", "/asset/location/%s")
	a.RegisterConsole("c1", "acme")

	batch := []*AssetPredicates{{AssetID: "c1", Predicates: []*query.RadialGeofencePredicate{radial(1, 2, 50)}}}
	a.ProcessLocationPredicates(batch)
	a.ProcessLocationPredicates(batch)

	assert.Len(t, rec.sent, 1, "identical predicate set is not re-announced")
}

func TestConsoleAdapterClearsGeofences(t *testing.T) {
	rec := &notificationRecorder{}
	a := NewConsoleAdapter(rec, "PUT", "/asset/location/%s")
	a.RegisterConsole("c1", "acme")

	a.ProcessLocationPredicates([]*AssetPredicates{{AssetID: "c1", Predicates: []*query.RadialGeofencePredicate{radial(1, 2, 50)}}})
	a.ProcessLocationPredicates([]*AssetPredicates{{AssetID: "c1"}})

	assert.Len(t, rec.sent, 2)
	assert.Empty(t, a.AssetGeofences("c1"))
	assert.NotNil(t, a.AssetGeofences("c1"), "owned asset stays non-nil after clearing")
}

func TestChainConsultsAdaptersInOrder(t *testing.T) {
	rec := &notificationRecorder{}
	first := NewConsoleAdapter(rec, "PUT", "/a/%s")
	second := NewConsoleAdapter(rec, "POST", "/b/%s")
	first.RegisterConsole("c1", "acme")
	second.RegisterConsole("c2", "acme")

	chain := NewChain(first, second)
	chain.Process([]*AssetPredicates{
		{AssetID: "c1", Predicates: []*query.RadialGeofencePredicate{radial(1, 1, 10)}},
		{AssetID: "c2", Predicates: []*query.RadialGeofencePredicate{radial(2, 2, 20)}},
		{AssetID: "nobody", Predicates: []*query.RadialGeofencePredicate{radial(3, 3, 30)}},
	})

	assert.Len(t, first.AssetGeofences("c1"), 1)
	assert.Len(t, second.AssetGeofences("c2"), 1)

	assert.Equal(t, "PUT", chain.AssetGeofences("c1")[0].HTTPMethod)
	assert.Equal(t, "POST", chain.AssetGeofences("c2")[0].HTTPMethod)
	assert.Nil(t, chain.AssetGeofences("nobody"))
}

func TestDefinitionIDStable(t *testing.T) {
	p := radial(51.44, 5.46, 100)
	a := DefinitionFor("asset1", p, "PUT", "/loc/%s")
	b := DefinitionFor("asset1", p, "PUT", "/loc/%s")
	assert.Equal(t, a.ID, b.ID)

	c := DefinitionFor("asset1", radial(51.44, 5.46, 200), "PUT", "/loc/%s")
	assert.NotEqual(t, a.ID, c.ID)
}
