// Package tracking implements per-actions-group completion tracking: the
// state machine that decides when one file operation is finished given
// partial, concurrent, possibly duplicated reports from its source and
// target clients.
package tracking

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownAction is returned when a report references an actions
	// group whose definition was never registered for the session.
	ErrUnknownAction = errors.New("unknown actions group")
)

// OperatorType is the closed set of file operations a plan can contain.
type OperatorType string

const (
	// OperatorSynchronizeContentAndDate copies file content and timestamps
	OperatorSynchronizeContentAndDate OperatorType = "synchronizeContentAndDate"

	// OperatorSynchronizeContentOnly copies file content only
	OperatorSynchronizeContentOnly OperatorType = "synchronizeContentOnly"

	// OperatorSynchronizeDate copies timestamps only
	OperatorSynchronizeDate OperatorType = "synchronizeDate"

	// OperatorCreate creates an entry on the targets
	OperatorCreate OperatorType = "create"

	// OperatorDelete deletes an entry on the targets
	OperatorDelete OperatorType = "delete"

	// OperatorDoNothing records an already-converged entry
	OperatorDoNothing OperatorType = "doNothing"
)

// Valid reports whether op is one of the known operators.
func (op OperatorType) Valid() bool {
	switch op {
	case OperatorSynchronizeContentAndDate, OperatorSynchronizeContentOnly,
		OperatorSynchronizeDate, OperatorCreate, OperatorDelete, OperatorDoNothing:
		return true
	}
	return false
}

// MemberRef identifies a participating client instance, optionally down
// to the inventory node the action touches on that client.
type MemberRef struct {
	ClientInstanceID string `json:"clientInstanceId"`
	NodeID           string `json:"nodeId,omitempty"`
}

// ActionsGroupDefinition is one planned file operation, produced by the
// upstream comparison engine and consumed read-only here.
type ActionsGroupDefinition struct {
	ID       string       `json:"id"`
	Operator OperatorType `json:"operator"`

	Source  *MemberRef  `json:"source,omitempty"`
	Targets []MemberRef `json:"targets"`

	Size             int64      `json:"size"`
	CreationTimeUTC  *time.Time `json:"creationTimeUtc,omitempty"`
	LastWriteTimeUTC *time.Time `json:"lastWriteTimeUtc,omitempty"`

	// AppliesOnlyDates marks the "copy date only" variant of a content
	// synchronization, applied as a final step without moving bytes.
	AppliesOnlyDates bool `json:"appliesOnlyDates"`
}

// NeedsOperatingOnSourceAndTargets reports whether the action requires
// the source client to resolve in addition to every target. Creations,
// deletions and date-only operations run on targets alone; content
// transfers need the source's upload to succeed first.
//
// The result is invariant for the lifetime of the action and drives the
// finished-state rule of TrackingAction.
func (d *ActionsGroupDefinition) NeedsOperatingOnSourceAndTargets() bool {
	switch d.Operator {
	case OperatorCreate, OperatorDelete, OperatorSynchronizeDate:
		return false
	}
	if d.AppliesOnlyDates {
		return false
	}
	return true
}

// NeedsOnlyOperatingOnTargets is the negation of
// NeedsOperatingOnSourceAndTargets.
func (d *ActionsGroupDefinition) NeedsOnlyOperatingOnTargets() bool {
	return !d.NeedsOperatingOnSourceAndTargets()
}

// Validate checks the definition shape on ingestion.
func (d *ActionsGroupDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("actions group id cannot be empty")
	}
	if !d.Operator.Valid() {
		return fmt.Errorf("invalid operator: %q", d.Operator)
	}
	if len(d.Targets) == 0 {
		return fmt.Errorf("actions group %s has no targets", d.ID)
	}
	if d.NeedsOperatingOnSourceAndTargets() && d.Source == nil {
		return fmt.Errorf("actions group %s requires a source", d.ID)
	}
	return nil
}

// TrackingAction is the server-side record of per-participant completion
// for one actions group. It is identified by (sessionId, actionsGroupId)
// and mutated only under its distributed lock.
//
// Invariants, preserved by every transition:
//   - the success and error target sets are disjoint subsets of the
//     required target set;
//   - a target, once resolved, never moves or disappears;
//   - the source outcome, once set, is immutable.
//
// Set membership is what makes duplicate reports no-ops; that is a
// documented guarantee here, not an accident of the container type.
type TrackingAction struct {
	SessionID      string `json:"sessionId"`
	ActionsGroupID string `json:"actionsGroupId"`

	SourceClientInstanceID string `json:"sourceClientInstanceId,omitempty"`
	SourceRequired         bool   `json:"sourceRequired"`
	IsSourceSuccess        *bool  `json:"isSourceSuccess,omitempty"`

	TargetClientInstanceIDs        []string `json:"targetClientInstanceIds"`
	SuccessTargetClientInstanceIDs []string `json:"successTargetClientInstanceIds"`
	ErrorTargetClientInstanceIDs   []string `json:"errorTargetClientInstanceIds"`
}

// NewTrackingAction builds the immutable shape of a tracking entity from
// its definition. Called once per action at session start, and again
// (idempotently) if a report arrives before the start fan-out persisted
// the entity.
func NewTrackingAction(sessionID string, def *ActionsGroupDefinition) *TrackingAction {
	action := &TrackingAction{
		SessionID:      sessionID,
		ActionsGroupID: def.ID,
		SourceRequired: def.NeedsOperatingOnSourceAndTargets(),
	}
	if def.Source != nil {
		action.SourceClientInstanceID = def.Source.ClientInstanceID
	}
	for _, target := range def.Targets {
		action.TargetClientInstanceIDs = append(action.TargetClientInstanceIDs, target.ClientInstanceID)
	}
	return action
}

// IsFinished reports whether every required participant has resolved:
// the source (when required) has a recorded outcome, and every target
// appears in the success or error set.
func (a *TrackingAction) IsFinished() bool {
	if a.SourceRequired && a.IsSourceSuccess == nil {
		return false
	}
	return len(a.SuccessTargetClientInstanceIDs)+len(a.ErrorTargetClientInstanceIDs) == len(a.TargetClientInstanceIDs)
}

// HasError reports whether any participant resolved with an error.
func (a *TrackingAction) HasError() bool {
	if a.IsSourceSuccess != nil && !*a.IsSourceSuccess {
		return true
	}
	return len(a.ErrorTargetClientInstanceIDs) > 0
}

// markSource records the source outcome. Once set it is immutable, so a
// duplicate source report returns false.
func (a *TrackingAction) markSource(success bool) bool {
	if a.IsSourceSuccess != nil {
		return false
	}
	a.IsSourceSuccess = &success
	return true
}

// markTarget records a target outcome. A target already resolved either
// way, or a reporter that is not a required target, returns false.
func (a *TrackingAction) markTarget(clientInstanceID string, success bool) bool {
	if !contains(a.TargetClientInstanceIDs, clientInstanceID) {
		return false
	}
	if contains(a.SuccessTargetClientInstanceIDs, clientInstanceID) ||
		contains(a.ErrorTargetClientInstanceIDs, clientInstanceID) {
		return false
	}
	if success {
		a.SuccessTargetClientInstanceIDs = append(a.SuccessTargetClientInstanceIDs, clientInstanceID)
	} else {
		a.ErrorTargetClientInstanceIDs = append(a.ErrorTargetClientInstanceIDs, clientInstanceID)
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Role distinguishes which side of an action a report comes from.
type Role string

const (
	// RoleSource is the client uploading content
	RoleSource Role = "source"

	// RoleTarget is a client applying the action locally
	RoleTarget Role = "target"
)

// Outcome is a participant's reported result.
type Outcome string

const (
	// OutcomeSuccess means the participant completed its part
	OutcomeSuccess Outcome = "success"

	// OutcomeError means the participant failed its part
	OutcomeError Outcome = "error"
)

// Report is one client's completion report for one actions group.
// Delivery is at least once; the handler absorbs duplicates.
type Report struct {
	SessionID        string  `json:"sessionId"`
	ActionsGroupID   string  `json:"actionsGroupId"`
	ClientInstanceID string  `json:"clientId"`
	Role             Role    `json:"role"`
	Outcome          Outcome `json:"outcome"`
	ProcessedVolume  int64   `json:"processedVolume"`
	ExchangedVolume  int64   `json:"exchangedVolume"`
}

// Validate checks the report shape before any lock is taken.
func (r Report) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if r.ActionsGroupID == "" {
		return fmt.Errorf("actions group id cannot be empty")
	}
	if r.ClientInstanceID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if r.Role != RoleSource && r.Role != RoleTarget {
		return fmt.Errorf("invalid role: %q", r.Role)
	}
	if r.Outcome != OutcomeSuccess && r.Outcome != OutcomeError {
		return fmt.Errorf("invalid outcome: %q", r.Outcome)
	}
	if r.ProcessedVolume < 0 || r.ExchangedVolume < 0 {
		return fmt.Errorf("volumes cannot be negative")
	}
	return nil
}

// ActionSummary is the per-action slice of a progress push.
type ActionSummary struct {
	ActionsGroupID string `json:"actionsGroupId"`
	IsSuccess      bool   `json:"isSuccess"`
	IsError        bool   `json:"isError"`
}
