// Package session owns the per-session aggregate: lifecycle state,
// progress counters and exact volume accounting for one synchronization
// run.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionExists is returned when starting a session whose id is
	// already in use.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when the session aggregate does not
	// exist in the store.
	ErrSessionNotFound = errors.New("session not found")
)

// EndStatus classifies how a session ended.
type EndStatus string

const (
	// EndStatusRegular means every action reached a terminal state
	EndStatusRegular EndStatus = "regular"

	// EndStatusAbortion means a member requested an abort
	EndStatusAbortion EndStatus = "abortion"

	// EndStatusError means the run was terminated by a fatal error
	EndStatusError EndStatus = "error"
)

// Synchronization is the aggregate entity of one session. Every real
// mutation bumps Version exactly once, so observers can order the states
// they see and discard stale pushes.
type Synchronization struct {
	SessionID string    `json:"sessionId"`
	Label     string    `json:"label,omitempty"`
	StartedOn time.Time `json:"startedOn"`
	StartedBy string    `json:"startedBy,omitempty"`

	TotalActionsCount    int64 `json:"totalActionsCount"`
	FinishedActionsCount int64 `json:"finishedActionsCount"`
	ErrorsCount          int64 `json:"errorsCount"`
	ProcessedVolume      int64 `json:"processedVolume"`
	ExchangedVolume      int64 `json:"exchangedVolume"`

	Version int64 `json:"version"`

	AbortRequestedOn *time.Time `json:"abortRequestedOn,omitempty"`
	AbortRequestedBy []string   `json:"abortRequestedBy,omitempty"`

	EndedOn   *time.Time `json:"endedOn,omitempty"`
	EndStatus EndStatus  `json:"endStatus,omitempty"`
}

// IsEnded reports whether the session reached its terminal state.
func (s *Synchronization) IsEnded() bool {
	return s.EndedOn != nil
}

// IsAbortRequested reports whether any member asked for an abort.
func (s *Synchronization) IsAbortRequested() bool {
	return s.AbortRequestedOn != nil
}

// applyDelta folds a progress delta into the counters. Deltas are always
// a real change (they exist only because a tracking transition happened),
// so the version bumps unconditionally.
func (s *Synchronization) applyDelta(delta ProgressDelta) {
	s.FinishedActionsCount += delta.FinishedActionsCount
	s.ErrorsCount += delta.ErrorsCount
	s.ProcessedVolume += delta.ProcessedVolume
	s.ExchangedVolume += delta.ExchangedVolume
	s.Version++
}

// requestAbort records an abort request. The first request pins the
// timestamp; later requesters only join the set. Returns false when the
// client already requested an abort.
func (s *Synchronization) requestAbort(clientID string, now time.Time) bool {
	for _, existing := range s.AbortRequestedBy {
		if existing == clientID {
			return false
		}
	}
	if s.AbortRequestedOn == nil {
		s.AbortRequestedOn = &now
	}
	s.AbortRequestedBy = append(s.AbortRequestedBy, clientID)
	s.Version++
	return true
}

// markEnded transitions the session to its terminal state. The end is
// one-shot: once recorded, neither the timestamp nor the status changes.
func (s *Synchronization) markEnded(status EndStatus, now time.Time) bool {
	if s.EndedOn != nil {
		return false
	}
	s.EndedOn = &now
	s.EndStatus = status
	s.Version++
	return true
}

// ProgressDelta is the aggregate-side effect of one accepted report.
// Volumes carry whatever the report declared; the count fields are 0 or
// 1 depending on whether the action just reached its terminal state.
type ProgressDelta struct {
	FinishedActionsCount int64 `json:"finishedActionsCount"`
	ErrorsCount          int64 `json:"errorsCount"`
	ProcessedVolume      int64 `json:"processedVolume"`
	ExchangedVolume      int64 `json:"exchangedVolume"`
}

// IsZero reports whether the delta carries no change at all.
func (d ProgressDelta) IsZero() bool {
	return d == ProgressDelta{}
}
