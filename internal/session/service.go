package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syncrelay/syncrelay/internal/cachekey"
	"github.com/syncrelay/syncrelay/internal/entity"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/ulid"
	"github.com/syncrelay/syncrelay/internal/utils"
)

// Service manages the session aggregates in the shared store.
type Service struct {
	keys   *cachekey.Factory
	syncs  *entity.Repository[Synchronization]
	logger *loggy.Logger

	// now is replaceable in tests
	now func() time.Time
	// label generates memorable session labels
	label func() string
}

// NewService creates a session service over the shared store.
func NewService(keys *cachekey.Factory, store entity.Store, locks entity.Locker, logger *loggy.Logger) *Service {
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	return &Service{
		keys:   keys,
		syncs:  entity.NewRepository[Synchronization](store, locks, logger),
		logger: logger,
		now:    time.Now,
		label:  utils.GenerateSessionLabel,
	}
}

// StartRequest carries the session-level fields of a start call.
type StartRequest struct {
	SessionID         string `json:"sessionId,omitempty"`
	StartedBy         string `json:"startedBy,omitempty"`
	TotalActionsCount int64  `json:"totalActionsCount"`
}

// Start creates the aggregate of a new session. A missing session id is
// generated server-side. Starting an already-known session id fails with
// ErrSessionExists.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Synchronization, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = ulid.SessionID()
	}

	key := s.keys.Synchronization(sessionID)
	res, err := s.syncs.Update(ctx, key, func(sync *Synchronization) (bool, error) {
		return false, nil
	}, &entity.UpdateOptions[Synchronization]{
		Factory: func() *Synchronization {
			return &Synchronization{
				SessionID:         sessionID,
				Label:             s.label(),
				StartedOn:         s.now().UTC(),
				StartedBy:         req.StartedBy,
				TotalActionsCount: req.TotalActionsCount,
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	if res.Status == entity.StatusNoOperation {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	s.logger.Info("session started",
		"session_id", sessionID,
		"label", res.Entity.Label,
		"total_actions", req.TotalActionsCount)
	return res.Entity, nil
}

// Get returns the current aggregate state of a session.
func (s *Service) Get(ctx context.Context, sessionID string) (*Synchronization, error) {
	sync, err := s.syncs.Get(ctx, s.keys.Synchronization(sessionID))
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return sync, nil
}

// List returns every session aggregate currently in the store.
func (s *Service) List(ctx context.Context) ([]*Synchronization, error) {
	prefix := s.keys.Synchronization("").String()
	return s.syncs.List(ctx, prefix)
}

// ApplyProgressDelta folds a delta into the session aggregate within the
// caller's transaction. The session lock joins the transaction and is
// released when it finishes, so the tracking write and the aggregate
// write land together or not at all.
func (s *Service) ApplyProgressDelta(ctx context.Context, txn *entity.Txn, sessionID string, delta ProgressDelta) (*Synchronization, error) {
	key := s.keys.Synchronization(sessionID)
	res, err := s.syncs.Update(ctx, key, func(sync *Synchronization) (bool, error) {
		sync.applyDelta(delta)
		return true, nil
	}, &entity.UpdateOptions[Synchronization]{Txn: txn})
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return res.Entity, nil
}

// RequestAbort records a member's abort request. The first request pins
// the abort timestamp; repeats from the same client change nothing. The
// returned bool tells callers whether a push is warranted.
func (s *Service) RequestAbort(ctx context.Context, sessionID, clientID string) (*Synchronization, bool, error) {
	key := s.keys.Synchronization(sessionID)
	res, err := s.syncs.Update(ctx, key, func(sync *Synchronization) (bool, error) {
		return sync.requestAbort(clientID, s.now().UTC()), nil
	}, nil)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, false, err
	}

	changed := res.Status == entity.StatusSaved
	if changed {
		s.logger.Info("abort requested",
			"session_id", sessionID,
			"client_id", clientID)
	}
	return res.Entity, changed, nil
}

// End transitions the session to its terminal state. The transition is
// one-shot: a second End call returns the already-ended aggregate with
// changed=false, regardless of the status it carries.
func (s *Service) End(ctx context.Context, sessionID string, status EndStatus) (*Synchronization, bool, error) {
	switch status {
	case EndStatusRegular, EndStatusAbortion, EndStatusError:
	default:
		return nil, false, fmt.Errorf("invalid end status: %q", status)
	}

	key := s.keys.Synchronization(sessionID)
	res, err := s.syncs.Update(ctx, key, func(sync *Synchronization) (bool, error) {
		return sync.markEnded(status, s.now().UTC()), nil
	}, nil)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, false, err
	}

	changed := res.Status == entity.StatusSaved
	if changed {
		s.logger.Info("session ended",
			"session_id", sessionID,
			"status", string(status))
	}
	return res.Entity, changed, nil
}

// Remove deletes the session aggregate. Tracking entities are the
// tracking service's to clean up; callers coordinate both.
func (s *Service) Remove(ctx context.Context, sessionID string) error {
	_, err := s.syncs.Delete(ctx, s.keys.Synchronization(sessionID))
	return err
}
