package geofence

import (
	"log/slog"
	"sync"

	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/query"
)

// Adapter projects location predicates onto a family of devices. An adapter
// owns a subset of assets: ProcessLocationPredicates consumes the entries it
// handles and returns the remainder for the next adapter in the chain.
// AssetGeofences returns nil for assets the adapter does not own, an empty
// slice for owned assets without geofences.
type Adapter interface {
	Name() string
	ProcessLocationPredicates(batch []*AssetPredicates) []*AssetPredicates
	AssetGeofences(assetID string) []Definition
}

// Chain consults adapters in order until a batch is emptied, and resolves
// per-asset geofence queries against the first adapter that claims the
// asset.
type Chain struct {
	logger   *slog.Logger
	adapters []Adapter
}

func NewChain(adapters ...Adapter) *Chain {
	return &Chain{
		logger:   slog.Default().With("component", "GeofenceChain"),
		adapters: adapters,
	}
}

// Process hands the batch down the chain. Entries no adapter claims are
// dropped with a warning.
func (c *Chain) Process(batch []*AssetPredicates) {
	for _, a := range c.adapters {
		if len(batch) == 0 {
			return
		}
		batch = a.ProcessLocationPredicates(batch)
	}
	if len(batch) > 0 {
		c.logger.Warn("location predicates unhandled by any adapter", "assets", len(batch))
	}
}

// AssetGeofences returns the geofences for an asset from the first adapter
// that owns it, or nil when none does.
func (c *Chain) AssetGeofences(assetID string) []Definition {
	for _, a := range c.adapters {
		if defs := a.AssetGeofences(assetID); defs != nil {
			return defs
		}
	}
	return nil
}

// ConsoleAdapter serves mobile consoles. It owns the console assets it has
// been told about, keeps only radial predicates (the only kind devices can
// register natively) and pushes a silent refresh notification so consoles
// re-fetch their geofences.
type ConsoleAdapter struct {
	logger        *slog.Logger
	notifications facade.Notifications
	httpMethod    string
	urlFormat     string

	mu         sync.Mutex
	realms     map[string]string
	predicates map[string][]*query.RadialGeofencePredicate
}

// NewConsoleAdapter creates the adapter. urlFormat receives the asset id and
// must produce the location write endpoint, e.g.
// "/asset/location/%s".
func NewConsoleAdapter(notifications facade.Notifications, httpMethod, urlFormat string) *ConsoleAdapter {
	return &ConsoleAdapter{
		logger:        slog.Default().With("component", "ConsoleAdapter"),
		notifications: notifications,
		httpMethod:    httpMethod,
		urlFormat:     urlFormat,
		realms:        make(map[string]string),
		predicates:    make(map[string][]*query.RadialGeofencePredicate),
	}
}

func (a *ConsoleAdapter) Name() string { return "ORConsole" }

// RegisterConsole claims an asset for this adapter.
func (a *ConsoleAdapter) RegisterConsole(assetID, realm string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realms[assetID] = realm
}

// UnregisterConsole releases an asset, discarding its geofences.
func (a *ConsoleAdapter) UnregisterConsole(assetID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.realms, assetID)
	delete(a.predicates, assetID)
}

func (a *ConsoleAdapter) ProcessLocationPredicates(batch []*AssetPredicates) []*AssetPredicates {
	a.mu.Lock()

	var rest []*AssetPredicates
	var changed []string
	for _, entry := range batch {
		if _, ok := a.realms[entry.AssetID]; !ok {
			rest = append(rest, entry)
			continue
		}
		radial := radialOnly(entry.Predicates)
		if len(radial) == 0 {
			if _, had := a.predicates[entry.AssetID]; had {
				delete(a.predicates, entry.AssetID)
				changed = append(changed, entry.AssetID)
				a.logger.Info("cleared geofences", "asset_id", entry.AssetID)
			}
			continue
		}
		if !samePredicates(a.predicates[entry.AssetID], radial) {
			a.predicates[entry.AssetID] = radial
			changed = append(changed, entry.AssetID)
			a.logger.Info("updated geofences", "asset_id", entry.AssetID, "count", len(radial))
		}
	}
	a.mu.Unlock()

	if len(changed) > 0 {
		a.notifyRefresh(changed)
	}
	return rest
}

func (a *ConsoleAdapter) AssetGeofences(assetID string) []Definition {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.realms[assetID]; !ok {
		return nil
	}
	preds := a.predicates[assetID]
	defs := make([]Definition, 0, len(preds))
	for _, p := range preds {
		defs = append(defs, DefinitionFor(assetID, p, a.httpMethod, a.urlFormat))
	}
	return defs
}

// notifyRefresh sends a silent push so consoles re-fetch their geofences.
func (a *ConsoleAdapter) notifyRefresh(assetIDs []string) {
	if a.notifications == nil {
		return
	}
	a.notifications.Send(&facade.Notification{
		Name:    "GeofenceRefresh",
		Targets: assetIDs,
		Data:    map[string]any{"action": "GEOFENCE_REFRESH"},
	})
}

func radialOnly(preds []*query.RadialGeofencePredicate) []*query.RadialGeofencePredicate {
	out := make([]*query.RadialGeofencePredicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func samePredicates(a, b []*query.RadialGeofencePredicate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if *a[i] != *b[i] {
			return false
		}
	}
	return true
}
