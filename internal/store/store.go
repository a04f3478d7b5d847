// Package store is the campaign event log: a transactional append-only
// sequence of events per campaign plus the projected snapshot kept in
// lockstep with it. The log, not any in-memory table, is the single source
// of truth for game state.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/hearthrpg/hearth/internal/models"
)

// ErrNotFound indicates a missing snapshot, campaign or entity row.
var ErrNotFound = errors.New("not found")

// ErrUnknownEventName indicates an append with an event name outside the
// nine known kinds.
var ErrUnknownEventName = errors.New("unknown event name")

// ReplayLimit caps how many events a single reconnection replay returns.
const ReplayLimit = 500

// Projector mutates the snapshot state in place as part of an append. It runs
// inside the append transaction: if it fails, neither the event nor the
// snapshot change become visible.
type Projector func(state map[string]any) error

// Store is the persistence boundary for the session engine. The Postgres
// implementation backs production; the Memory implementation backs tests.
type Store interface {
	// AppendEvent appends one event for the campaign as a single atomic
	// unit: it takes the campaign's append lock, assigns the next gapless
	// seq, writes the event, applies the projector (nil leaves state
	// unchanged) and writes the snapshot.
	AppendEvent(ctx context.Context, campaignID uuid.UUID, eventName string, payload json.RawMessage, projector Projector) (models.Event, models.Snapshot, error)

	// ReadSnapshot returns the campaign's current snapshot, or ErrNotFound.
	ReadSnapshot(ctx context.Context, campaignID uuid.UUID) (models.Snapshot, error)

	// ReadEventsAfter returns up to limit events with seq > afterSeq, in
	// ascending seq order.
	ReadEventsAfter(ctx context.Context, campaignID uuid.UUID, afterSeq int64, limit int) ([]models.Event, error)

	// EnsureSnapshot creates the campaign's snapshot row if absent.
	// Idempotent; concurrent calls never create duplicates.
	EnsureSnapshot(ctx context.Context, campaignID uuid.UUID, initialState map[string]any) error

	// CreateEntity inserts an entity row and fills in its generated ID.
	CreateEntity(ctx context.Context, entity *models.Entity) error

	// GetEntity loads one entity row scoped to the campaign, or ErrNotFound.
	GetEntity(ctx context.Context, campaignID uuid.UUID, kind string, id uuid.UUID) (models.Entity, error)

	// UpdateEntityData replaces an entity's JSON payload.
	UpdateEntityData(ctx context.Context, campaignID uuid.UUID, kind string, id uuid.UUID, data json.RawMessage) error
}

// entityTable maps an entity kind to its table name. Kinds are a closed set;
// this never interpolates user input.
func entityTable(kind string) (string, error) {
	switch kind {
	case models.EntityCharacter:
		return "character", nil
	case models.EntityNPC:
		return "npc", nil
	case models.EntityLocation:
		return "location", nil
	}
	return "", errors.New("unknown entity kind: " + kind)
}
