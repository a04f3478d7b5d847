package models

import (
	"time"

	"github.com/google/uuid"
)

// Campaign is one tabletop session's isolated state and event stream.
type Campaign struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Name      string    `json:"name"`
	Ruleset   string    `json:"ruleset"`
	CreatedAt time.Time `json:"created_at"`
}
