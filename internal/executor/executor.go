// Package executor turns validated tool calls into campaign events. Each
// player turn runs through Engine.RunTurn: the action is logged, the
// orchestrator proposes, the validator filters, and the executors apply the
// accepted subset in proposal order with narration always appended last.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/dice"
	"github.com/hearthrpg/hearth/internal/models"
	"github.com/hearthrpg/hearth/internal/orchestrator"
	"github.com/hearthrpg/hearth/internal/patch"
	"github.com/hearthrpg/hearth/internal/room"
	"github.com/hearthrpg/hearth/internal/store"
	"github.com/hearthrpg/hearth/internal/toolcall"
)

// RecentEventWindow bounds how much history rides along on each
// orchestrator call.
const RecentEventWindow = 50

// Journal receives every committed event for out-of-process consumers.
// Delivery is best effort and never blocks or fails the turn.
type Journal interface {
	Publish(ctx context.Context, ev models.Event)
}

// Bridge is the orchestrator boundary the engine calls for each turn.
type Bridge interface {
	Propose(ctx context.Context, req orchestrator.Request) orchestrator.Reply
}

// Engine executes turns against one store and fans results out through one
// room registry.
type Engine struct {
	Store   store.Store
	Rooms   *room.Registry
	Roller  *dice.Roller
	Bridge  Bridge
	Journal Journal // optional
	Logger  *logrus.Logger

	// campaignLocks serializes commit-plus-fanout per campaign. The store's
	// own append lock only orders commits; without this lock two concurrent
	// turns could broadcast their events out of seq order.
	campaignLocks sync.Map // map[uuid.UUID]*sync.Mutex
}

// lockCampaign acquires the campaign's broadcast-ordering lock.
func (e *Engine) lockCampaign(campaignID uuid.UUID) *sync.Mutex {
	v, _ := e.campaignLocks.LoadOrStore(campaignID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

// appendAndBroadcast commits one event and immediately fans it out to the
// campaign's room. The campaign lock is held from commit through fan-out so
// subscribers observe events in log order.
func (e *Engine) appendAndBroadcast(ctx context.Context, campaignID uuid.UUID, eventName string, payload any, projector store.Projector) (models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshaling %s payload: %w", eventName, err)
	}

	mu := e.lockCampaign(campaignID)
	defer mu.Unlock()

	ev, _, err := e.Store.AppendEvent(ctx, campaignID, eventName, raw, projector)
	if err != nil {
		return models.Event{}, err
	}
	e.Rooms.BroadcastEvents(campaignID, []models.Event{ev})
	if e.Journal != nil {
		e.Journal.Publish(ctx, ev)
	}
	return ev, nil
}

// TurnInput carries one player action into the engine.
type TurnInput struct {
	CampaignID  uuid.UUID
	UserID      uuid.UUID
	CharacterID uuid.UUID // optional
	ClientMsgID string
	Text        string
}

// RunTurn executes the full cycle for one player action. It returns an error
// only when the initial player_action append fails; everything after that
// point degrades into logged events (error_note, fallback narration) so the
// turn always concludes.
func (e *Engine) RunTurn(ctx context.Context, in TurnInput) error {
	actionPayload := map[string]any{
		"user_id":       in.UserID,
		"text":          in.Text,
		"client_msg_id": in.ClientMsgID,
	}
	if in.CharacterID != uuid.Nil {
		actionPayload["character_id"] = in.CharacterID
	}
	_, err := e.appendAndBroadcast(ctx, in.CampaignID, models.EventPlayerAction, actionPayload, nil)
	if err != nil {
		return fmt.Errorf("appending player action: %w", err)
	}

	snap, err := e.Store.ReadSnapshot(ctx, in.CampaignID)
	if err != nil {
		e.Logger.Errorf("reading snapshot for campaign %s: %v", in.CampaignID, err)
		snap = models.Snapshot{CampaignID: in.CampaignID, State: map[string]any{}}
	}
	recent, err := e.Store.ReadEventsAfter(ctx, in.CampaignID, maxInt64(snap.LastSeq-RecentEventWindow, 0), RecentEventWindow)
	if err != nil {
		e.Logger.Errorf("reading recent events for campaign %s: %v", in.CampaignID, err)
	}

	reply := e.Bridge.Propose(ctx, orchestrator.Request{
		CampaignID:   in.CampaignID,
		PlayerAction: orchestrator.PlayerAction{UserID: in.UserID, Text: in.Text},
		Snapshot:     snap.State,
		RecentEvents: models.WireEvents(recent),
	})

	accepted, rejections := toolcall.Validate(in.CampaignID, reply.ToolCalls)
	for _, rej := range rejections {
		e.Logger.Warnf("campaign %s: rejected %s proposal: %s", in.CampaignID, rej.Tool, rej.Reason)
	}

	for _, call := range accepted {
		if err := e.executeCall(ctx, call); err != nil {
			// Per-call failures become error_note events; the turn keeps going.
			e.Logger.Warnf("campaign %s: tool %s failed: %v", in.CampaignID, call.Tool, err)
			notePayload := map[string]any{"tool": call.Tool, "error": err.Error()}
			if _, noteErr := e.appendAndBroadcast(ctx, in.CampaignID, models.EventErrorNote, notePayload, nil); noteErr != nil {
				e.Logger.Errorf("campaign %s: failed to record error note: %v", in.CampaignID, noteErr)
			}
		}
	}

	narrationPayload := map[string]any{"text": reply.Narration.Text}
	if len(reply.Narration.Options) > 0 {
		narrationPayload["options"] = reply.Narration.Options
	}
	if len(reply.Narration.SceneRefs) > 0 {
		narrationPayload["scene_refs"] = reply.Narration.SceneRefs
	}
	if reply.Fallback {
		narrationPayload["fallback"] = true
	}
	if _, err := e.appendAndBroadcast(ctx, in.CampaignID, models.EventDMNarration, narrationPayload, nil); err != nil {
		return fmt.Errorf("appending narration: %w", err)
	}
	return nil
}

// executeCall dispatches one accepted tool call. rag_search is consumed
// inside the orchestrator and never reaches state; it is a no-op here.
func (e *Engine) executeCall(ctx context.Context, call toolcall.Call) error {
	switch call.Tool {
	case toolcall.ToolRoll:
		return e.executeRoll(ctx, call)
	case toolcall.ToolApplyPatch:
		return e.executeStatePatch(ctx, call)
	case toolcall.ToolCreateEntity:
		return e.executeCreateEntity(ctx, call)
	case toolcall.ToolTriggerAudio:
		return e.executeTriggerAudio(ctx, call)
	case toolcall.ToolRagSearch:
		return nil
	}
	return fmt.Errorf("no executor for tool %q", call.Tool)
}

func (e *Engine) executeRoll(ctx context.Context, call toolcall.Call) error {
	args := call.Roll
	requested := map[string]any{
		"formula": args.Formula,
		"reason":  args.Reason,
	}
	if args.ActorRef != "" {
		requested["actor_ref"] = args.ActorRef
	}
	if len(args.Tags) > 0 {
		requested["tags"] = args.Tags
	}
	if _, err := e.appendAndBroadcast(ctx, call.CampaignID, models.EventRollRequested, requested, nil); err != nil {
		return err
	}

	result, err := e.Roller.Roll(args.Formula)
	if err != nil {
		return fmt.Errorf("rolling %q: %w", args.Formula, err)
	}

	resultPayload := map[string]any{
		"formula":   result.Formula,
		"rolls":     result.Rolls,
		"total":     result.Total,
		"timestamp": result.Timestamp,
		"signature": result.Signature,
		"reason":    args.Reason,
	}
	if args.ActorRef != "" {
		resultPayload["actor_ref"] = args.ActorRef
	}
	_, err = e.appendAndBroadcast(ctx, call.CampaignID, models.EventRollResult, resultPayload, nil)
	return err
}

// patchWire is the audit shape for one patch inside the request/applied
// event payloads.
type patchWire struct {
	Op     string `json:"op"`
	Target string `json:"target"`
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
}

type rejectedPatchWire struct {
	Patch  patchWire `json:"patch"`
	Reason string    `json:"reason"`
}

func toPatchWire(entry patch.Entry) patchWire {
	return patchWire{
		Op:     string(entry.Op),
		Target: entry.Target.String(),
		Path:   entry.PathString(),
		Value:  entry.Value,
	}
}

// executeStatePatch runs the domain layer of patch validation and applies
// the batch. Snapshot-targeted patches are dry-run against a deep copy, in
// proposal order, before the real mutation happens inside the
// state_patch_applied append transaction. Entity-targeted patches are
// validated and applied directly to their rows since entities do not flow
// through the snapshot projector. A type-incompatible patch is rejected
// individually without aborting the rest of the batch.
func (e *Engine) executeStatePatch(ctx context.Context, call toolcall.Call) error {
	args := call.StatePatch

	requestedPatches := make([]patchWire, 0, len(args.Patches))
	for _, entry := range args.Patches {
		requestedPatches = append(requestedPatches, toPatchWire(entry))
	}
	requested := map[string]any{"reason": args.Reason, "patches": requestedPatches}
	if _, err := e.appendAndBroadcast(ctx, call.CampaignID, models.EventStatePatchRequested, requested, nil); err != nil {
		return err
	}

	snap, err := e.Store.ReadSnapshot(ctx, call.CampaignID)
	if err != nil {
		return fmt.Errorf("reading snapshot for dry run: %w", err)
	}

	var applied []patchWire
	var rejected []rejectedPatchWire
	var snapshotApplied []patch.Entry
	working := patch.DeepCopy(snap.State)

	for _, entry := range args.Patches {
		if entry.Target.IsSnapshot() {
			trial := patch.DeepCopy(working)
			if err := patch.Apply(trial, entry); err != nil {
				rejected = append(rejected, rejectedPatchWire{Patch: toPatchWire(entry), Reason: err.Error()})
				continue
			}
			working = trial
			snapshotApplied = append(snapshotApplied, entry)
			applied = append(applied, toPatchWire(entry))
			continue
		}

		if err := e.applyEntityPatch(ctx, call.CampaignID, entry); err != nil {
			rejected = append(rejected, rejectedPatchWire{Patch: toPatchWire(entry), Reason: err.Error()})
			continue
		}
		applied = append(applied, toPatchWire(entry))
	}

	// The applied event records both outcomes for audit, and is emitted
	// even when every patch was rejected.
	appliedPayload := map[string]any{
		"reason":   args.Reason,
		"applied":  applied,
		"rejected": rejected,
	}
	var projector store.Projector
	if len(snapshotApplied) > 0 {
		entries := snapshotApplied
		projector = func(state map[string]any) error {
			for _, entry := range entries {
				if err := patch.Apply(state, entry); err != nil {
					return err
				}
			}
			return nil
		}
	}
	_, err = e.appendAndBroadcast(ctx, call.CampaignID, models.EventStatePatchApplied, appliedPayload, projector)
	return err
}

// applyEntityPatch reads the entity row, applies the patch to its JSON
// payload, and writes it back.
func (e *Engine) applyEntityPatch(ctx context.Context, campaignID uuid.UUID, entry patch.Entry) error {
	kind := string(entry.Target.Kind)
	ent, err := e.Store.GetEntity(ctx, campaignID, kind, entry.Target.EntityID)
	if err != nil {
		return err
	}

	var doc map[string]any
	if len(ent.Data) > 0 {
		if err := json.Unmarshal(ent.Data, &doc); err != nil {
			return fmt.Errorf("decoding %s data: %w", kind, err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	if err := patch.Apply(doc, entry); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s data: %w", kind, err)
	}
	return e.Store.UpdateEntityData(ctx, campaignID, kind, entry.Target.EntityID, data)
}

func (e *Engine) executeCreateEntity(ctx context.Context, call toolcall.Call) error {
	args := call.CreateEntity
	data, err := json.Marshal(args.Data)
	if err != nil {
		return fmt.Errorf("encoding entity data: %w", err)
	}

	entity := models.Entity{
		CampaignID: call.CampaignID,
		Kind:       args.EntityType,
		Name:       args.Name,
		Data:       data,
	}
	if err := e.Store.CreateEntity(ctx, &entity); err != nil {
		return fmt.Errorf("creating %s: %w", args.EntityType, err)
	}

	payload := map[string]any{
		"entity_type": args.EntityType,
		"name":        args.Name,
		"ref":         entity.Ref(),
		"data":        args.Data,
	}
	_, err = e.appendAndBroadcast(ctx, call.CampaignID, models.EventEntityCreated, payload, nil)
	return err
}

// executeTriggerAudio is presentation-only: the validator already normalized
// the cue, so this just records the event.
func (e *Engine) executeTriggerAudio(ctx context.Context, call toolcall.Call) error {
	args := call.TriggerAudio
	payload := map[string]any{
		"cue":       args.Cue,
		"intensity": args.Intensity,
	}
	if args.DurationMS > 0 {
		payload["duration_ms"] = args.DurationMS
	}
	_, err := e.appendAndBroadcast(ctx, call.CampaignID, models.EventAudioCue, payload, nil)
	return err
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
