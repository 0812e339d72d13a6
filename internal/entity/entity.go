// Package entity implements the shared entity repository: a generic
// load/mutate/save abstraction over the shared store in which every
// mutation runs under the entity's distributed lock. Mutations are
// expressed as transition functions that report whether they actually
// changed anything; a duplicate report therefore collapses into a no-op
// instead of a double count, which is what makes at-least-once delivery
// safe without exactly-once transport.
package entity

import "errors"

var (
	// ErrNotFound is returned when an entity is absent and creation on
	// demand is not permitted for the update.
	ErrNotFound = errors.New("entity not found")

	// ErrTxnFinished is returned when staging into or completing an
	// already committed or rolled back transaction.
	ErrTxnFinished = errors.New("transaction already finished")
)

// Status reports what an update attempt did to the store.
type Status string

const (
	// StatusSaved means the mutated entity was persisted immediately
	StatusSaved Status = "saved"

	// StatusDeleted means the entity was removed from the store
	StatusDeleted Status = "deleted"

	// StatusWaitingForTransaction means the write was staged into a
	// batched, all-or-nothing transaction the caller must still commit
	StatusWaitingForTransaction Status = "waitingForTransaction"

	// StatusNotFound means the entity was absent and could not be created
	StatusNotFound Status = "notFound"

	// StatusNoOperation means the transition changed nothing (idempotent
	// duplicate); nothing was written and no version moved
	StatusNoOperation Status = "noOperation"
)

// Result wraps the entity after a mutation attempt plus what happened.
type Result[T any] struct {
	Entity *T
	Status Status
}

// Changed reports whether the update produced (or staged) a real write.
func (r Result[T]) Changed() bool {
	return r.Status == StatusSaved || r.Status == StatusWaitingForTransaction || r.Status == StatusDeleted
}
