// Package storage persists rulesets in a JetStream KV bucket. It implements
// ruleset.Storage for the dispatcher and the management API.
package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/natsclient"
	"github.com/openremote/openremote-sub002/ruleset"
)

const bucketName = "rules_rulesets"

// Store is a KV-backed ruleset store. Keys are ruleset ids; values the JSON
// encoded ruleset.
type Store struct {
	logger *slog.Logger
	bucket jetstream.KeyValue
	kv     *natsclient.KVStore
}

// NewStore creates the bucket when absent and wraps it.
func NewStore(ctx context.Context, client *natsclient.Client) (*Store, error) {
	if client == nil {
		return nil, errors.Wrap(errors.ErrNoConnection, "Store", "NewStore", "nil client")
	}
	bucket, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Ruleset definitions",
		History:     10,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Store", "NewStore", "create bucket")
	}
	return &Store{
		logger: slog.Default().With("component", "RulesetStore"),
		bucket: bucket,
		kv:     natsclient.NewKVStore(bucket, 5*time.Second),
	}, nil
}

// Find returns one ruleset, fully populated. Missing ids return
// ErrRulesetNotFound.
func (s *Store) Find(ctx context.Context, id string) (*ruleset.Ruleset, error) {
	if id == "" {
		return nil, errors.Wrap(errors.ErrRulesetNotFound, "Store", "Find", "empty id")
	}
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsNotFound(err) {
			return nil, errors.ErrRulesetNotFound
		}
		return nil, errors.Wrap(err, "Store", "Find", id)
	}
	var rs ruleset.Ruleset
	if err := json.Unmarshal(entry.Value, &rs); err != nil {
		return nil, errors.Wrap(err, "Store", "Find", "decode "+id)
	}
	return &rs, nil
}

// FindAll returns the rulesets matching a query. Unless the query asks for
// full population, the rule text is withheld; list callers rarely need the
// bodies and they dominate the payload.
func (s *Store) FindAll(ctx context.Context, q ruleset.Query) ([]*ruleset.Ruleset, error) {
	var out []*ruleset.Ruleset

	ids := q.IDs
	if len(ids) == 0 {
		keys, err := s.kv.Keys(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "Store", "FindAll", "list keys")
		}
		ids = keys
	}

	for _, id := range ids {
		rs, err := s.Find(ctx, id)
		if err != nil {
			if err == errors.ErrRulesetNotFound {
				continue
			}
			return nil, err
		}
		if !matchQuery(rs, q) {
			continue
		}
		if !q.FullyPopulate {
			rs.Rules = ""
		}
		out = append(out, rs)
	}
	return out, nil
}

// Merge creates or updates a ruleset. Creates are assigned an id and
// version 1; updates bump the version and keep the creation timestamp.
func (s *Store) Merge(ctx context.Context, rs *ruleset.Ruleset) (*ruleset.Ruleset, error) {
	if rs == nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "Store", "Merge", "nil ruleset")
	}
	now := time.Now()

	if rs.ID == "" {
		rs.ID = uuid.NewString()
		rs.Version = 1
		rs.CreatedOn = now
		rs.LastModified = now

		data, err := json.Marshal(rs)
		if err != nil {
			return nil, errors.Wrap(err, "Store", "Merge", "encode")
		}
		if _, err := s.kv.Create(ctx, rs.ID, data); err != nil {
			return nil, errors.Wrap(err, "Store", "Merge", "create "+rs.ID)
		}
		s.logger.Info("ruleset created", "ruleset_id", rs.ID, "name", rs.Name)
		return rs, nil
	}

	existing, err := s.Find(ctx, rs.ID)
	if err != nil && err != errors.ErrRulesetNotFound {
		return nil, err
	}
	if existing != nil {
		if existing.Version != rs.Version {
			return nil, errors.Wrap(errors.ErrInvalidConfig, "Store", "Merge",
				"version conflict on "+rs.ID)
		}
		rs.CreatedOn = existing.CreatedOn
	} else {
		rs.CreatedOn = now
	}
	rs.Version++
	rs.LastModified = now

	data, err := json.Marshal(rs)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Merge", "encode")
	}
	if _, err := s.kv.Put(ctx, rs.ID, data); err != nil {
		return nil, errors.Wrap(err, "Store", "Merge", "put "+rs.ID)
	}
	s.logger.Info("ruleset updated", "ruleset_id", rs.ID, "version", rs.Version)
	return rs, nil
}

// Delete removes a ruleset.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.Wrap(errors.ErrRulesetNotFound, "Store", "Delete", "empty id")
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "Store", "Delete", id)
	}
	s.logger.Info("ruleset deleted", "ruleset_id", id)
	return nil
}

func matchQuery(rs *ruleset.Ruleset, q ruleset.Query) bool {
	if q.EnabledOnly && !rs.Enabled {
		return false
	}
	if q.Realm != "" && rs.Realm != q.Realm {
		return false
	}
	if q.AssetID != "" && rs.AssetID != q.AssetID {
		return false
	}
	if len(q.Languages) > 0 {
		found := false
		for _, l := range q.Languages {
			if rs.Lang == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
