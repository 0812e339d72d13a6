package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/syncrelay/syncrelay/internal/cachekey"
	"github.com/syncrelay/syncrelay/internal/entity"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/session"
)

// Aggregator applies a progress delta to the session aggregate inside
// the caller's transaction. Implemented by session.Service.
type Aggregator interface {
	ApplyProgressDelta(ctx context.Context, txn *entity.Txn, sessionID string, delta session.ProgressDelta) (*session.Synchronization, error)
}

// Notifier receives best-effort progress notifications after a report
// commits. Implemented by push.Broadcaster.
type Notifier interface {
	NotifyProgress(sessionID string, sync *session.Synchronization, summaries []ActionSummary)
}

// Service owns the tracking entities of every live session and turns
// client reports into tracking transitions plus session deltas.
type Service struct {
	keys        *cachekey.Factory
	store       entity.Store
	actions     *entity.Repository[TrackingAction]
	definitions *entity.Repository[ActionsGroupDefinition]
	aggregator  Aggregator
	notifier    Notifier
	logger      *loggy.Logger
}

// NewService creates a tracking service. The notifier may be nil, in
// which case progress pushes are skipped.
func NewService(
	keys *cachekey.Factory,
	store entity.Store,
	locks entity.Locker,
	aggregator Aggregator,
	notifier Notifier,
	logger *loggy.Logger,
) *Service {
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	return &Service{
		keys:        keys,
		store:       store,
		actions:     entity.NewRepository[TrackingAction](store, locks, logger),
		definitions: entity.NewRepository[ActionsGroupDefinition](store, locks, logger),
		aggregator:  aggregator,
		notifier:    notifier,
		logger:      logger,
	}
}

// RegisterActions persists the definitions of a starting session and
// fans out one tracking entity per actions group. The fan-out goes
// through each entity's lock and only creates when the entity is absent:
// session ids may be chosen by the caller, so a report can outrun the
// fan-out and materialize the entity first, and its recorded outcome has
// to survive a late or redelivered start.
func (s *Service) RegisterActions(ctx context.Context, sessionID string, defs []ActionsGroupDefinition) error {
	for i := range defs {
		def := &defs[i]
		if err := def.Validate(); err != nil {
			return fmt.Errorf("invalid actions group: %w", err)
		}
	}

	for i := range defs {
		def := &defs[i]
		defKey := s.keys.ActionsGroupDefinition(sessionID, def.ID)
		if err := s.definitions.Put(ctx, defKey, def); err != nil {
			return fmt.Errorf("failed to store definition %s: %w", def.ID, err)
		}

		actionKey := s.keys.TrackingAction(sessionID, def.ID)
		_, err := s.actions.Update(ctx, actionKey, func(*TrackingAction) (bool, error) {
			return false, nil
		}, &entity.UpdateOptions[TrackingAction]{
			Factory: func() *TrackingAction { return NewTrackingAction(sessionID, def) },
		})
		if err != nil {
			return fmt.Errorf("failed to store tracking action %s: %w", def.ID, err)
		}
	}

	s.logger.Debug("registered session actions",
		"session_id", sessionID,
		"actions", len(defs))
	return nil
}

// Result is the outcome of handling one report.
type Result struct {
	Action          *TrackingAction          `json:"action"`
	Synchronization *session.Synchronization `json:"synchronization,omitempty"`
	NoOp            bool                     `json:"noOp"`
}

// ReportOutcome handles one completion report. The tracking transition
// and the session aggregate delta are staged on a single transaction, so
// readers observe either both effects or neither. Duplicate reports are
// detected by set membership inside the transition and acknowledged
// without writing anything.
func (s *Service) ReportOutcome(ctx context.Context, report Report) (*Result, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	txn := entity.NewTxn(s.store, s.logger)
	defer txn.Rollback(ctx)

	var (
		delta             session.ProgressDelta
		becameFinished    bool
		finishedWithError bool
	)

	key := s.keys.TrackingAction(report.SessionID, report.ActionsGroupID)
	res, err := s.actions.Update(ctx, key, func(action *TrackingAction) (bool, error) {
		wasFinished := action.IsFinished()

		var changed bool
		switch report.Role {
		case RoleSource:
			changed = action.markSource(report.Outcome == OutcomeSuccess)
		case RoleTarget:
			changed = action.markTarget(report.ClientInstanceID, report.Outcome == OutcomeSuccess)
		}
		if !changed {
			return false, nil
		}

		delta = session.ProgressDelta{
			ProcessedVolume: report.ProcessedVolume,
			ExchangedVolume: report.ExchangedVolume,
		}
		if !wasFinished && action.IsFinished() {
			becameFinished = true
			if action.HasError() {
				finishedWithError = true
				delta.ErrorsCount = 1
			} else {
				delta.FinishedActionsCount = 1
			}
		}
		return true, nil
	}, &entity.UpdateOptions[TrackingAction]{
		Txn:     txn,
		Factory: s.materializeFactory(ctx, report.SessionID, report.ActionsGroupID),
	})
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s group %s",
				ErrUnknownAction, report.SessionID, report.ActionsGroupID)
		}
		return nil, fmt.Errorf("failed to update tracking action: %w", err)
	}

	if res.Status == entity.StatusNoOperation {
		s.logger.Debug("duplicate report absorbed",
			"session_id", report.SessionID,
			"actions_group_id", report.ActionsGroupID,
			"client_id", report.ClientInstanceID)
		return &Result{Action: res.Entity, NoOp: true}, nil
	}

	// A zero delta means the aggregate is untouched: a report from an
	// unlisted member that only materialized the entity, for instance.
	// The tracking write still commits, but no version moves and no
	// push goes out.
	var sync *session.Synchronization
	if !delta.IsZero() {
		sync, err = s.aggregator.ApplyProgressDelta(ctx, txn, report.SessionID, delta)
		if err != nil {
			return nil, fmt.Errorf("failed to apply progress delta: %w", err)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit report: %w", err)
	}

	if s.notifier != nil && !delta.IsZero() {
		summary := ActionSummary{
			ActionsGroupID: report.ActionsGroupID,
			IsSuccess:      becameFinished && !finishedWithError,
			IsError:        finishedWithError,
		}
		s.notifier.NotifyProgress(report.SessionID, sync, []ActionSummary{summary})
	}

	return &Result{Action: res.Entity, Synchronization: sync}, nil
}

// materializeFactory builds a tracking entity from its stored definition
// when a report arrives before the start fan-out wrote the entity. A
// missing definition declines creation, which surfaces as
// ErrUnknownAction to the caller.
func (s *Service) materializeFactory(ctx context.Context, sessionID, actionsGroupID string) entity.Factory[TrackingAction] {
	return func() *TrackingAction {
		defKey := s.keys.ActionsGroupDefinition(sessionID, actionsGroupID)
		def, err := s.definitions.Get(ctx, defKey)
		if err != nil {
			if !errors.Is(err, entity.ErrNotFound) {
				s.logger.Error("failed to load actions group definition",
					"session_id", sessionID,
					"actions_group_id", actionsGroupID,
					"error", err)
			}
			return nil
		}
		s.logger.Debug("materialized tracking action from definition",
			"session_id", sessionID,
			"actions_group_id", actionsGroupID)
		return NewTrackingAction(sessionID, def)
	}
}

// GetAction returns the current tracking state of one actions group.
func (s *Service) GetAction(ctx context.Context, sessionID, actionsGroupID string) (*TrackingAction, error) {
	return s.actions.Get(ctx, s.keys.TrackingAction(sessionID, actionsGroupID))
}

// RemoveSessionActions deletes every tracking entity and definition of a
// session. Called when the session itself is purged.
func (s *Service) RemoveSessionActions(ctx context.Context, sessionID string) error {
	actionPrefix := s.keys.TrackingAction(sessionID, "").String()
	if err := s.deleteByPrefix(ctx, actionPrefix); err != nil {
		return fmt.Errorf("failed to remove tracking actions: %w", err)
	}

	defPrefix := s.keys.ActionsGroupDefinition(sessionID, "").String()
	if err := s.deleteByPrefix(ctx, defPrefix); err != nil {
		return fmt.Errorf("failed to remove definitions: %w", err)
	}
	return nil
}

func (s *Service) deleteByPrefix(ctx context.Context, prefix string) error {
	records, err := s.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := s.store.Delete(ctx, record.Key); err != nil {
			return err
		}
	}
	return nil
}
