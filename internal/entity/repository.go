package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/syncrelay/syncrelay/internal/cachekey"
	"github.com/syncrelay/syncrelay/internal/lock"
	"github.com/syncrelay/syncrelay/internal/loggy"
)

// storeRetries bounds the retry attempts for transient store I/O failures.
const storeRetries = 3

// Locker is the slice of the distributed lock service the repository uses.
type Locker interface {
	Acquire(ctx context.Context, resource string) (Guard, error)
}

// Guard is one held lease, released on every exit path.
type Guard interface {
	Release(ctx context.Context) error
}

// Locks adapts the concrete lock service to the Locker interface.
func Locks(svc *lock.Service) Locker {
	return lockerAdapter{svc: svc}
}

type lockerAdapter struct {
	svc *lock.Service
}

func (a lockerAdapter) Acquire(ctx context.Context, resource string) (Guard, error) {
	guard, err := a.svc.Acquire(ctx, resource)
	if err != nil {
		return nil, err
	}
	return guard, nil
}

// TransitionFunc mutates an entity in place and reports whether a real
// change occurred. It must be idempotent: applying it twice leaves the
// entity in the same state, with the second application returning false.
type TransitionFunc[T any] func(*T) (bool, error)

// Factory builds a new entity when an update targets an absent key and
// creation on demand is permitted. Returning nil declines creation and
// the update fails with ErrNotFound.
type Factory[T any] func() *T

// UpdateOptions tunes one Update call.
type UpdateOptions[T any] struct {
	// Txn, when set, stages the write into the batched transaction
	// instead of persisting immediately. The entity's lock is then held
	// until the transaction finishes.
	Txn *Txn

	// Factory enables creation on demand for this update.
	Factory Factory[T]
}

// Repository is the locked load/mutate/save surface for one entity type.
type Repository[T any] struct {
	store  Store
	locks  Locker
	logger *loggy.Logger
}

// NewRepository creates a repository over the shared store and lock service.
func NewRepository[T any](store Store, locks Locker, logger *loggy.Logger) *Repository[T] {
	return &Repository[T]{store: store, locks: locks, logger: logger}
}

// Update applies a transition to the entity under key, serialized by the
// key's distributed lock.
//
// The mutation flow is: acquire the lock with bounded wait; load the
// entity (or build it from opts.Factory when absent); run fn; then either
// short-circuit as NoOperation, persist immediately, or stage into
// opts.Txn. The lock is released on every exit path - immediately here,
// or by the transaction when the write was staged.
func (r *Repository[T]) Update(ctx context.Context, key cachekey.Key, fn TransitionFunc[T], opts *UpdateOptions[T]) (Result[T], error) {
	if opts == nil {
		opts = &UpdateOptions[T]{}
	}

	guard, err := r.locks.Acquire(ctx, key.String())
	if err != nil {
		return Result[T]{}, fmt.Errorf("locking %s: %w", key.String(), err)
	}
	ownGuard := true
	defer func() {
		if ownGuard {
			if err := guard.Release(ctx); err != nil {
				r.logger.Warn("Failed to release lock", "resource", key.String(), "error", err)
			}
		}
	}()

	value, created, err := r.loadOrCreate(ctx, key, opts.Txn, opts.Factory)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Error("Entity not found and not creatable", "key", key.String())
			return Result[T]{Status: StatusNotFound}, err
		}
		return Result[T]{}, err
	}

	changed, err := fn(value)
	if err != nil {
		return Result[T]{}, fmt.Errorf("transition for %s: %w", key.String(), err)
	}

	// A freshly created entity is persisted even when the transition had
	// nothing to change; the creation itself is the change.
	if !changed && !created {
		return Result[T]{Entity: value, Status: StatusNoOperation}, nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return Result[T]{}, fmt.Errorf("marshaling %s: %w", key.String(), err)
	}

	if opts.Txn != nil {
		if err := opts.Txn.stagePut(key.String(), payload); err != nil {
			return Result[T]{}, fmt.Errorf("staging %s: %w", key.String(), err)
		}
		opts.Txn.attachGuard(guard)
		ownGuard = false
		return Result[T]{Entity: value, Status: StatusWaitingForTransaction}, nil
	}

	if err := r.withRetry(ctx, func() error {
		return r.store.Put(ctx, key.String(), payload)
	}); err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Entity: value, Status: StatusSaved}, nil
}

// Get is a lock-free read; it may observe state that is about to change.
func (r *Repository[T]) Get(ctx context.Context, key cachekey.Key) (*T, error) {
	payload, err := r.store.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	value := new(T)
	if err := json.Unmarshal(payload, value); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", key.String(), err)
	}
	return value, nil
}

// List returns all entities whose composed key starts with keyPrefix.
// Like Get, it reads without locking.
func (r *Repository[T]) List(ctx context.Context, keyPrefix string) ([]*T, error) {
	records, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	values := make([]*T, 0, len(records))
	for _, rec := range records {
		value := new(T)
		if err := json.Unmarshal(rec.Payload, value); err != nil {
			return nil, fmt.Errorf("unmarshaling %s: %w", rec.Key, err)
		}
		values = append(values, value)
	}
	return values, nil
}

// Delete removes the entity under key, serialized by its lock.
func (r *Repository[T]) Delete(ctx context.Context, key cachekey.Key) (Result[T], error) {
	guard, err := r.locks.Acquire(ctx, key.String())
	if err != nil {
		return Result[T]{}, fmt.Errorf("locking %s: %w", key.String(), err)
	}
	defer func() {
		if err := guard.Release(ctx); err != nil {
			r.logger.Warn("Failed to release lock", "resource", key.String(), "error", err)
		}
	}()

	if err := r.withRetry(ctx, func() error {
		return r.store.Delete(ctx, key.String())
	}); err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Status: StatusDeleted}, nil
}

// Put writes an entity without a prior load, last write wins. Only
// suitable for immutable entities such as stored definitions; mutable
// state goes through Update so the write is serialized by its lock.
func (r *Repository[T]) Put(ctx context.Context, key cachekey.Key, value *T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key.String(), err)
	}
	return r.withRetry(ctx, func() error {
		return r.store.Put(ctx, key.String(), payload)
	})
}

// loadOrCreate reads the entity, through the transaction when one is in
// flight so earlier staged writes stay visible.
func (r *Repository[T]) loadOrCreate(ctx context.Context, key cachekey.Key, txn *Txn, factory Factory[T]) (*T, bool, error) {
	var payload []byte
	err := r.withRetry(ctx, func() error {
		var getErr error
		if txn != nil {
			payload, getErr = txn.get(ctx, key.String())
		} else {
			payload, getErr = r.store.Get(ctx, key.String())
		}
		if errors.Is(getErr, ErrNotFound) {
			return backoff.Permanent(getErr)
		}
		return getErr
	})
	if err == nil {
		value := new(T)
		if err := json.Unmarshal(payload, value); err != nil {
			return nil, false, fmt.Errorf("unmarshaling %s: %w", key.String(), err)
		}
		return value, false, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if factory == nil {
		return nil, false, ErrNotFound
	}
	value := factory()
	if value == nil {
		return nil, false, ErrNotFound
	}
	return value, true, nil
}

// withRetry runs op with bounded exponential backoff for transient store
// I/O failures.
func (r *Repository[T]) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetries), ctx)
	return backoff.Retry(op, bo)
}
