// Package cachekey maps (entity type, entity id) pairs to the namespaced
// key strings used both to address entities in the shared store and to
// name their distributed lock resources. Keys are pure values; two calls
// with the same inputs always compose the same string.
package cachekey

import "fmt"

// EntityType names a family of entities in the shared store.
type EntityType string

const (
	// EntityTypeSynchronization addresses session-wide aggregate entities
	EntityTypeSynchronization EntityType = "synchronization"

	// EntityTypeTrackingAction addresses per-actions-group tracking entities
	EntityTypeTrackingAction EntityType = "trackingAction"

	// EntityTypeActionsGroupDefinition addresses the immutable action definitions
	// captured at session start
	EntityTypeActionsGroupDefinition EntityType = "actionsGroupDefinition"
)

// Key addresses one entity in the shared store.
type Key struct {
	EntityType EntityType
	EntityID   string
	composed   string
}

// String returns the composed key, "{prefix}:{entityType}:{entityId}".
func (k Key) String() string {
	return k.composed
}

// Factory composes keys under a fixed namespace prefix.
type Factory struct {
	prefix string
}

// NewFactory creates a key factory for the given namespace prefix.
func NewFactory(prefix string) *Factory {
	return &Factory{prefix: prefix}
}

// Key composes the cache key for an entity.
func (f *Factory) Key(entityType EntityType, entityID string) Key {
	return Key{
		EntityType: entityType,
		EntityID:   entityID,
		composed:   fmt.Sprintf("%s:%s:%s", f.prefix, entityType, entityID),
	}
}

// Synchronization composes the key for a session's aggregate entity.
func (f *Factory) Synchronization(sessionID string) Key {
	return f.Key(EntityTypeSynchronization, sessionID)
}

// TrackingAction composes the key for one tracking entity. A tracking
// entity is identified by its session and actions-group ids together.
func (f *Factory) TrackingAction(sessionID, actionsGroupID string) Key {
	return f.Key(EntityTypeTrackingAction, ScopedID(sessionID, actionsGroupID))
}

// ActionsGroupDefinition composes the key for a stored action definition.
func (f *Factory) ActionsGroupDefinition(sessionID, actionsGroupID string) Key {
	return f.Key(EntityTypeActionsGroupDefinition, ScopedID(sessionID, actionsGroupID))
}

// ScopedID joins a session id and an actions-group id into one entity id.
func ScopedID(sessionID, actionsGroupID string) string {
	return sessionID + "_" + actionsGroupID
}
