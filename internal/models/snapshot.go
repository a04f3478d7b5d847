package models

import "github.com/google/uuid"

// Snapshot is the projected game state for one campaign. LastSeq always equals
// the seq of the most recently committed event for that campaign; the two are
// only ever written inside the same transaction.
type Snapshot struct {
	CampaignID uuid.UUID      `json:"campaign_id"`
	LastSeq    int64          `json:"last_seq"`
	State      map[string]any `json:"state"`
}

// NewInitialState builds the state document for a freshly created campaign.
func NewInitialState(ruleset string) map[string]any {
	if ruleset == "" {
		ruleset = "generic"
	}
	return map[string]any{
		"ruleset":       ruleset,
		"mode":          "exploration",
		"scene_summary": "",
		"turn_state": map[string]any{
			"round": float64(0),
		},
		"rules_flags": map[string]any{
			"strictness": "standard",
		},
	}
}
