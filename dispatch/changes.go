package dispatch

import (
	"github.com/openremote/openremote-sub002/engine"
	"github.com/openremote/openremote-sub002/geofence"
	"github.com/openremote/openremote-sub002/ruleset"
)

// ChangeAction is the persistence event kind carried by change
// notifications.
type ChangeAction string

const (
	ActionCreate ChangeAction = "CREATE"
	ActionUpdate ChangeAction = "UPDATE"
	ActionDelete ChangeAction = "DELETE"
)

// OnRulesetChange deploys, redeploys or undeploys a ruleset. Disabled
// rulesets undeploy like deletions; an unchanged ruleset is left alone.
func (d *Dispatcher) OnRulesetChange(rs *ruleset.Ruleset, action ChangeAction) {
	if action == ActionDelete || !rs.Enabled {
		d.undeploy(rs.ID)
		return
	}
	if d.IsRulesetKnown(rs) {
		d.logger.Debug("ruleset unchanged, skipping redeploy", "ruleset_id", rs.ID)
		return
	}
	d.deploy(rs)
}

// OnRealmChange reacts to a tenant being disabled, deleted or re-enabled.
// Disabling tears down the realm's engines but keeps its rulesets so a
// re-enable can redeploy them.
func (d *Dispatcher) OnRealmChange(realm string, enabled bool) {
	if enabled {
		d.mu.Lock()
		var toDeploy []*ruleset.Ruleset
		for _, rs := range d.rulesets {
			if rs.Realm == realm && d.lookupEngineLocked(scopeOf(rs)) == nil {
				toDeploy = append(toDeploy, rs)
			}
		}
		d.mu.Unlock()

		for _, rs := range toDeploy {
			d.deploy(rs)
		}
		return
	}

	d.mu.Lock()
	changed := make(map[string]bool)
	if _, ok := d.realmEngines[realm]; ok {
		for a := range d.destroyEngineLocked(engine.RealmScope(realm)) {
			changed[a] = true
		}
	}
	for assetID, eng := range d.assetEngines {
		if eng.Scope().Realm == realm {
			for a := range d.destroyEngineLocked(engine.AssetScope(realm, assetID)) {
				changed[a] = true
			}
		}
	}
	batch := d.geofenceBatchLocked(changed)
	d.mu.Unlock()

	d.processModifiedGeofences(batch)
	d.logger.Info("realm engines removed", "realm", realm)
}

// OnAssetChange handles asset deletion: its facts are retracted everywhere
// and its subtree engine, if any, is destroyed. Attribute-level changes
// arrive through ProcessAssetUpdate instead.
func (d *Dispatcher) OnAssetChange(assetID, realm string, deleted bool) {
	if !deleted {
		return
	}
	d.mu.Lock()
	for ref := range d.index {
		if ref.EntityID == assetID {
			d.retractStateLocked(ref)
		}
	}
	var batch []*geofence.AssetPredicates
	if _, ok := d.assetEngines[assetID]; ok {
		changed := d.destroyEngineLocked(engine.AssetScope(realm, assetID))
		batch = d.geofenceBatchLocked(changed)
	}
	d.mu.Unlock()

	d.processModifiedGeofences(batch)
}

func (d *Dispatcher) deploy(rs *ruleset.Ruleset) {
	d.mu.Lock()
	prev, known := d.rulesets[rs.ID]
	var batch []*geofence.AssetPredicates
	if known && scopeOf(prev) != scopeOf(rs) {
		// Scope moved; pull the old deployment out first.
		batch = d.undeployLocked(prev)
	}
	d.rulesets[rs.ID] = rs
	eng := d.engineForScopeLocked(scopeOf(rs))
	// AddRuleset runs under the dispatcher lock so a concurrent undeploy
	// cannot destroy the engine between lookup and deployment. Lock order
	// is dispatcher then engine, same as undeployLocked.
	dep := eng.AddRuleset(rs)
	d.mu.Unlock()

	d.processModifiedGeofences(batch)

	d.logger.Info("ruleset deployed", "ruleset_id", rs.ID, "name", rs.Name,
		"scope", scopeOf(rs).String(), "status", dep.Status())
}

func (d *Dispatcher) undeploy(id string) {
	d.mu.Lock()
	rs, ok := d.rulesets[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.rulesets, id)
	batch := d.undeployLocked(rs)
	d.mu.Unlock()

	d.processModifiedGeofences(batch)
	d.logger.Info("ruleset undeployed", "ruleset_id", id)
}

func (d *Dispatcher) undeployLocked(rs *ruleset.Ruleset) []*geofence.AssetPredicates {
	s := scopeOf(rs)
	eng := d.lookupEngineLocked(s)
	if eng == nil {
		return nil
	}
	if eng.RemoveRuleset(rs.ID) {
		changed := d.destroyEngineLocked(s)
		return d.geofenceBatchLocked(changed)
	}
	return nil
}
