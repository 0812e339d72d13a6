// Package lock implements the advisory distributed lock used to serialize
// entity mutations across server instances. A lock is a row in the shared
// store carrying an owner token and a lease expiry; acquisition polls with
// bounded wait, and an expired lease may be stolen by the next acquirer,
// which is how a crashed holder is recovered from.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"

	"github.com/syncrelay/syncrelay/internal/config"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/ulid"
)

var (
	// ErrAcquireTimeout is returned when a lock could not be acquired within
	// the bounded wait. Callers retry with backoff; the report that wanted
	// the lock is never silently dropped.
	ErrAcquireTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned when renewing a lease that this owner no
	// longer holds (stolen after expiry, or never acquired).
	ErrNotHeld = errors.New("lock not held by this owner")

	// errContended signals one failed acquisition attempt inside the poll loop
	errContended = errors.New("lock contended")
)

// Service is the SQL-backed lock service used in production.
type Service struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	cfg     config.LockConfig
	logger  *loggy.Logger
	now     func() time.Time
}

// NewService creates a lock service over the shared store.
func NewService(db *sql.DB, cfg config.LockConfig, logger *loggy.Logger) *Service {
	return &Service{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Guard represents one held lease. Release it on every exit path; a guard
// left to expire is recovered by the next acquirer, but only after the
// full lease duration has passed.
type Guard struct {
	Resource string
	Owner    string
	svc      *Service
}

// Acquire blocks until the lock for resource is acquired or the bounded
// wait elapses, in which case ErrAcquireTimeout is returned.
func (s *Service) Acquire(ctx context.Context, resource string) (*Guard, error) {
	owner := ulid.LockOwnerID()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	operation := func() error {
		acquired, err := s.tryAcquire(waitCtx, resource, owner)
		if err != nil {
			return err
		}
		if !acquired {
			return errContended
		}
		return nil
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.PollInterval), waitCtx)
	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, errContended) || waitCtx.Err() != nil {
			s.logger.Warn("Lock acquisition timed out", "resource", resource)
			return nil, ErrAcquireTimeout
		}
		return nil, fmt.Errorf("acquiring lock for %s: %w", resource, err)
	}

	s.logger.Debug("Lock acquired", "resource", resource, "owner", owner)
	return &Guard{Resource: resource, Owner: owner, svc: s}, nil
}

// tryAcquire performs one atomic insert-or-steal attempt. The upsert only
// takes effect when the row is absent or its lease has expired.
func (s *Service) tryAcquire(ctx context.Context, resource, owner string) (bool, error) {
	nowMillis := s.now().UnixMilli()
	expiresAt := nowMillis + s.cfg.LeaseDuration.Milliseconds()

	query, args, err := s.builder.
		Insert("locks").
		Columns("resource", "owner", "expires_at").
		Values(resource, owner, expiresAt).
		Suffix("ON CONFLICT(resource) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at WHERE locks.expires_at <= ?", nowMillis).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building lock upsert: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("executing lock upsert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Renew extends the guard's lease by a full lease duration. Returns
// ErrNotHeld if the lease expired and was taken by another owner.
func (g *Guard) Renew(ctx context.Context) error {
	expiresAt := g.svc.now().UnixMilli() + g.svc.cfg.LeaseDuration.Milliseconds()

	query, args, err := g.svc.builder.
		Update("locks").
		Set("expires_at", expiresAt).
		Where(sq.Eq{"resource": g.Resource, "owner": g.Owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building lease renewal: %w", err)
	}

	result, err := g.svc.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("renewing lease for %s: %w", g.Resource, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the guard's own row. Releasing a lease that already
// expired and was stolen is not an error for the caller, but it means
// this holder overran its lease, which is logged loudly.
func (g *Guard) Release(ctx context.Context) error {
	query, args, err := g.svc.builder.
		Delete("locks").
		Where(sq.Eq{"resource": g.Resource, "owner": g.Owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building lock release: %w", err)
	}

	result, err := g.svc.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("releasing lock for %s: %w", g.Resource, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		g.svc.logger.Warn("Released lock was no longer held; lease overran",
			"resource", g.Resource, "owner", g.Owner)
	} else {
		g.svc.logger.Debug("Lock released", "resource", g.Resource, "owner", g.Owner)
	}
	return nil
}
