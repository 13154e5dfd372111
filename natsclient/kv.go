package natsclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	rerrors "github.com/openremote/openremote-sub002/errors"
)

// KVEntry carries a value with its revision for CAS updates.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore is a thin bucket wrapper applying a per-operation timeout and
// normalizing the driver's error shapes.
type KVStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
}

// NewKVStore wraps a bucket. timeout <= 0 disables the deadline.
func NewKVStore(bucket jetstream.KeyValue, timeout time.Duration) *KVStore {
	return &KVStore{bucket: bucket, timeout: timeout}
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout > 0 {
		return context.WithTimeout(ctx, kv.timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value. Missing keys return ErrKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, rerrors.ErrKeyNotFound
		}
		return nil, rerrors.Wrap(err, "KVStore", "Get", key)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes a value, last writer wins.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, rerrors.Wrap(err, "KVStore", "Put", key)
	}
	return rev, nil
}

// Create writes a value only when the key does not exist yet.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsConflict(err) {
			return 0, rerrors.Wrap(err, "KVStore", "Create", "key exists: "+key)
		}
		return 0, rerrors.Wrap(err, "KVStore", "Create", key)
	}
	return rev, nil
}

// Update writes a value only when the stored revision still matches.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		return 0, rerrors.Wrap(err, "KVStore", "Update", key)
	}
	return rev, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil && !IsNotFound(err) {
		return rerrors.Wrap(err, "KVStore", "Delete", key)
	}
	return nil
}

// Keys lists the bucket's keys. An empty bucket is not an error.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, rerrors.Wrap(err, "KVStore", "Keys", "list")
	}
	return keys, nil
}

// IsNotFound reports whether an error means the key does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) ||
		errors.Is(err, rerrors.ErrKeyNotFound) ||
		strings.Contains(err.Error(), "key not found")
}

// IsConflict reports whether an error means a key exists or a revision
// check failed.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "key exists")
}
