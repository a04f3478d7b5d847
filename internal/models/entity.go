package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Entity kinds. Each kind has its own table; character rows are created by the
// character management API, npc and location rows also by the create_entity tool.
const (
	EntityCharacter = "character"
	EntityNPC       = "npc"
	EntityLocation  = "location"
)

// Entity is a long-lived campaign row (character, npc or location) with a
// free-form JSON payload. Entities are mutated by validated entity-targeted
// patches, outside the snapshot projector.
type Entity struct {
	ID         uuid.UUID       `json:"id"`
	CampaignID uuid.UUID       `json:"campaign_id"`
	Kind       string          `json:"kind"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
}

// Ref returns the typed reference "<kind>:<id>" other events use to point at
// this entity.
func (e Entity) Ref() string {
	return e.Kind + ":" + e.ID.String()
}
