// Package geofence defines the contract between the rules dispatcher and
// the collaborators that project location predicates onto devices, plus the
// geofence wire model those collaborators serve.
package geofence

import (
	"fmt"

	"github.com/openremote/openremote-sub002/query"
)

// Definition is one geofence as handed to a device: a radial zone and the
// endpoint the device calls when it crosses the boundary.
type Definition struct {
	ID         string  `json:"id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Radius     float64 `json:"radius"`
	HTTPMethod string  `json:"httpMethod"`
	URL        string  `json:"url"`
}

// AssetPredicates pairs an asset with the location predicates currently
// referencing it across all engines. An empty predicate list means the
// asset's geofences were removed.
type AssetPredicates struct {
	AssetID    string
	Predicates []*query.RadialGeofencePredicate
}

// DefinitionFor converts one radial predicate into the geofence a device
// should register for the asset. The id is stable for a given predicate so
// devices can reconcile updates.
func DefinitionFor(assetID string, p *query.RadialGeofencePredicate, httpMethod, urlFormat string) Definition {
	id := fmt.Sprintf("%s_%x", assetID, predicateHash(p))
	return Definition{
		ID:         id,
		Lat:        p.Lat,
		Lng:        p.Lng,
		Radius:     p.Radius,
		HTTPMethod: httpMethod,
		URL:        fmt.Sprintf(urlFormat, assetID),
	}
}

func predicateHash(p *query.RadialGeofencePredicate) uint32 {
	// FNV-1a over the predicate's defining fields.
	h := uint32(2166136261)
	for _, b := range fmt.Sprintf("%v:%v:%v:%v", p.Lat, p.Lng, p.Radius, p.Negated) {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}
