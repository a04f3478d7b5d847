// Package toolcall is the validation gate between the game master model's
// proposals and the executors. Nothing a proposal carries is trusted until it
// has passed the per-tool schema checks here; rejected proposals are recorded
// with a reason and excluded rather than failing the turn.
package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hearthrpg/hearth/internal/patch"
)

// Tool names the orchestrator may propose.
const (
	ToolRoll         = "roll"
	ToolApplyPatch   = "apply_state_patch"
	ToolCreateEntity = "create_entity"
	ToolRagSearch    = "rag_search"
	ToolTriggerAudio = "trigger_audio"
)

// Proposal is one raw, untrusted tool call as returned by the orchestrator.
type Proposal struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Rejection records why a proposal was excluded from execution.
type Rejection struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// Roll is a validated dice roll request.
type Roll struct {
	Formula  string   `json:"formula"`
	Reason   string   `json:"reason"`
	ActorRef string   `json:"actor_ref,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StatePatch is a validated batch of state mutations.
type StatePatch struct {
	Reason  string
	Patches []patch.Entry
}

// CreateEntity is a validated entity creation request. Only npc and location
// rows may be created by the model; characters belong to players.
type CreateEntity struct {
	EntityType string         `json:"entity_type"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data"`
}

// RagSearch is a validated knowledge retrieval request. It is consumed inside
// the orchestrator bridge and never executes as a state-effecting tool.
type RagSearch struct {
	Query   string         `json:"query"`
	Edition string         `json:"edition,omitempty"`
	K       int            `json:"k"`
	Filters map[string]any `json:"filters,omitempty"`
}

// TriggerAudio is a validated presentation-only audio cue.
type TriggerAudio struct {
	Cue        string `json:"cue"`
	Intensity  string `json:"intensity"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// Call is one accepted tool call with the campaign id injected server-side.
// Exactly one of the per-tool fields is non-nil, matching Tool.
type Call struct {
	Tool       string
	CampaignID uuid.UUID

	Roll         *Roll
	StatePatch   *StatePatch
	CreateEntity *CreateEntity
	RagSearch    *RagSearch
	TriggerAudio *TriggerAudio
}

// Validate applies the schema layer to every proposal, in order. Accepted
// calls carry the server-supplied campaign id; rejected proposals are
// collected with reasons. An empty or all-invalid batch simply yields zero
// accepted calls; the turn then degrades to narration only.
func Validate(campaignID uuid.UUID, proposals []Proposal) ([]Call, []Rejection) {
	var accepted []Call
	var rejected []Rejection

	for _, p := range proposals {
		call, err := validateOne(campaignID, p)
		if err != nil {
			rejected = append(rejected, Rejection{Tool: p.Tool, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, call)
	}
	return accepted, rejected
}

func validateOne(campaignID uuid.UUID, p Proposal) (Call, error) {
	call := Call{Tool: p.Tool, CampaignID: campaignID}

	switch p.Tool {
	case ToolRoll:
		var args Roll
		if err := decodeArgs(p.Args, &args); err != nil {
			return Call{}, err
		}
		if strings.TrimSpace(args.Formula) == "" {
			return Call{}, fmt.Errorf("roll requires a formula")
		}
		if strings.TrimSpace(args.Reason) == "" {
			return Call{}, fmt.Errorf("roll requires a reason")
		}
		call.Roll = &args

	case ToolApplyPatch:
		var args struct {
			Reason  string `json:"reason"`
			Patches []struct {
				Op     string `json:"op"`
				Target string `json:"target"`
				Path   string `json:"path"`
				Value  any    `json:"value"`
			} `json:"patches"`
		}
		if err := decodeArgs(p.Args, &args); err != nil {
			return Call{}, err
		}
		if strings.TrimSpace(args.Reason) == "" {
			return Call{}, fmt.Errorf("apply_state_patch requires a reason")
		}
		if len(args.Patches) == 0 {
			return Call{}, fmt.Errorf("apply_state_patch requires at least one patch")
		}
		sp := &StatePatch{Reason: args.Reason}
		for i, raw := range args.Patches {
			entry, err := patch.Parse(raw.Op, raw.Target, raw.Path, raw.Value)
			if err != nil {
				return Call{}, fmt.Errorf("patch %d: %v", i, err)
			}
			sp.Patches = append(sp.Patches, entry)
		}
		call.StatePatch = sp

	case ToolCreateEntity:
		var args CreateEntity
		if err := decodeArgs(p.Args, &args); err != nil {
			return Call{}, err
		}
		if args.EntityType != "npc" && args.EntityType != "location" {
			return Call{}, fmt.Errorf("entity_type must be npc or location, got %q", args.EntityType)
		}
		if strings.TrimSpace(args.Name) == "" {
			return Call{}, fmt.Errorf("create_entity requires a name")
		}
		if args.Data == nil {
			args.Data = map[string]any{}
		}
		call.CreateEntity = &args

	case ToolRagSearch:
		var args RagSearch
		if err := decodeArgs(p.Args, &args); err != nil {
			return Call{}, err
		}
		if strings.TrimSpace(args.Query) == "" {
			return Call{}, fmt.Errorf("rag_search requires a query")
		}
		if args.K <= 0 {
			args.K = 6
		}
		call.RagSearch = &args

	case ToolTriggerAudio:
		var args TriggerAudio
		if err := decodeArgs(p.Args, &args); err != nil {
			return Call{}, err
		}
		if strings.TrimSpace(args.Cue) == "" {
			return Call{}, fmt.Errorf("trigger_audio requires a cue")
		}
		switch args.Intensity {
		case "low", "mid", "high":
		default:
			// Absent or invalid intensity falls back to the middle setting.
			args.Intensity = "mid"
		}
		if args.DurationMS < 0 {
			args.DurationMS = 0
		}
		call.TriggerAudio = &args

	default:
		return Call{}, fmt.Errorf("unknown tool name: %q", p.Tool)
	}

	return call, nil
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("parse failure: empty arguments")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("parse failure: %v", err)
	}
	return nil
}
