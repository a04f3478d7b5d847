package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names for every record appended to a campaign's log.
const (
	EventPlayerAction        = "player_action"
	EventDMNarration         = "dm_narration"
	EventRollRequested       = "roll_requested"
	EventRollResult          = "roll_result"
	EventStatePatchRequested = "state_patch_requested"
	EventStatePatchApplied   = "state_patch_applied"
	EventEntityCreated       = "entity_created"
	EventAudioCue            = "audio_cue"
	EventErrorNote           = "error_note"
)

// KnownEventNames lists every event name the store will accept.
var KnownEventNames = map[string]bool{
	EventPlayerAction:        true,
	EventDMNarration:         true,
	EventRollRequested:       true,
	EventRollResult:          true,
	EventStatePatchRequested: true,
	EventStatePatchApplied:   true,
	EventEntityCreated:       true,
	EventAudioCue:            true,
	EventErrorNote:           true,
}

// Event is a single immutable record in a campaign's append-only log.
// Seq is unique and gapless per campaign, strictly increasing in insertion order.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	CampaignID uuid.UUID       `json:"campaign_id"`
	Seq        int64           `json:"seq"`
	EventName  string          `json:"event_name"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WireEvent is the shape broadcast to clients and returned in replay batches.
type WireEvent struct {
	Seq        int64           `json:"seq"`
	EventName  string          `json:"event_name"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ToWire converts a stored event into its client-facing shape.
func (e Event) ToWire() WireEvent {
	return WireEvent{
		Seq:        e.Seq,
		EventName:  e.EventName,
		Payload:    e.Payload,
		OccurredAt: e.CreatedAt,
	}
}

// WireEvents converts a batch of stored events for broadcast or replay.
func WireEvents(events []Event) []WireEvent {
	out := make([]WireEvent, 0, len(events))
	for _, e := range events {
		out = append(out, e.ToWire())
	}
	return out
}
