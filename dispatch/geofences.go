package dispatch

import (
	"github.com/google/go-cmp/cmp"

	"github.com/openremote/openremote-sub002/engine"
	"github.com/openremote/openremote-sub002/geofence"
	"github.com/openremote/openremote-sub002/query"
)

// onEngineLocationRulesChanged is the engine callback delivering the
// (asset, radial predicates) pairs seen during a fire cycle. The report is
// diffed against the engine's previous one; only assets whose predicate set
// is new, changed or gone make it into the batch.
func (d *Dispatcher) onEngineLocationRulesChanged(scope engine.Scope, preds map[string][]*query.RadialGeofencePredicate) {
	d.mu.Lock()

	previous := d.engineLocation[scope.String()]
	changed := make(map[string]bool)
	for assetID, ps := range preds {
		if !cmp.Equal(previous[assetID], ps) {
			changed[assetID] = true
		}
	}
	for assetID := range previous {
		if _, ok := preds[assetID]; !ok {
			changed[assetID] = true
		}
	}
	d.engineLocation[scope.String()] = preds

	batch := d.geofenceBatchLocked(changed)
	d.mu.Unlock()

	d.processModifiedGeofences(batch)
}

// geofenceBatchLocked resolves each changed asset to the union of location
// predicates still active for it across all engines. An entry with no
// predicates tells the adapter to clear the asset's geofences.
func (d *Dispatcher) geofenceBatchLocked(changed map[string]bool) []*geofence.AssetPredicates {
	if len(changed) == 0 {
		return nil
	}
	batch := make([]*geofence.AssetPredicates, 0, len(changed))
	for assetID := range changed {
		entry := &geofence.AssetPredicates{AssetID: assetID}
		for _, perAsset := range d.engineLocation {
			for _, p := range perAsset[assetID] {
				if !containsPredicate(entry.Predicates, p) {
					entry.Predicates = append(entry.Predicates, p)
				}
			}
		}
		batch = append(batch, entry)
	}
	return batch
}

func containsPredicate(ps []*query.RadialGeofencePredicate, p *query.RadialGeofencePredicate) bool {
	for _, q := range ps {
		if *q == *p {
			return true
		}
	}
	return false
}

// processModifiedGeofences hands a batch to the adapter chain. Called
// without the dispatcher lock; adapters may publish notifications.
func (d *Dispatcher) processModifiedGeofences(batch []*geofence.AssetPredicates) {
	if len(batch) == 0 || d.opts.Geofences == nil {
		return
	}
	d.opts.Metrics.GeofenceBatch()
	d.opts.Geofences.Process(batch)
}

// AssetGeofences resolves the geofences a device should register, asking
// the adapter chain. Nil when no adapter owns the asset.
func (d *Dispatcher) AssetGeofences(assetID string) []geofence.Definition {
	if d.opts.Geofences == nil {
		return nil
	}
	return d.opts.Geofences.AssetGeofences(assetID)
}
