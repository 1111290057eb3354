// Package lock provides the short-lived cross-worker mutex that guards paper
// creation for one content hash.
package lock

import (
	"context"
	"errors"
	"time"

	"atlas/internal/apperr"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
)

// Locker acquires a named lock, waiting at most wait. The returned release
// func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

// KVLocker implements Locker on a JetStream key-value bucket whose TTL
// bounds how long a crashed holder can block others.
type KVLocker struct {
	kv   nats.KeyValue
	poll time.Duration
}

// NewKVLocker binds to bucket, creating it with the given TTL if missing.
func NewKVLocker(nc *nats.Conn, bucket string, ttl time.Duration) (*KVLocker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, eris.Wrap(err, "lock: jetstream context")
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl, History: 1})
	}
	if err != nil {
		return nil, eris.Wrapf(err, "lock: bind bucket %s", bucket)
	}
	return &KVLocker{kv: kv, poll: 200 * time.Millisecond}, nil
}

// Acquire polls Create until it succeeds or wait elapses. A timeout returns
// apperr.ErrLockTimeout, which callers treat as non-fatal.
func (l *KVLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	token := []byte(uuid.NewString())
	deadline := time.Now().Add(wait)
	for {
		rev, err := l.kv.Create(key, token)
		if err == nil {
			return l.releaser(key, rev), nil
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return func() {}, eris.Wrapf(err, "lock: create %s", key)
		}
		if !time.Now().Before(deadline) {
			return func() {}, eris.Wrapf(apperr.ErrLockTimeout, "lock %s", key)
		}
		select {
		case <-ctx.Done():
			return func() {}, eris.Wrap(ctx.Err(), "lock: wait cancelled")
		case <-time.After(l.poll):
		}
	}
}

// releaser deletes the key only while it still holds our revision, so a
// holder whose entry already expired cannot free someone else's lock.
func (l *KVLocker) releaser(key string, rev uint64) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = l.kv.Delete(key, nats.LastRevision(rev))
	}
}

// Noop always succeeds immediately. Used when no broker is configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
