package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthrpg/hearth/internal/models"
	"github.com/hearthrpg/hearth/internal/patch"
)

// Memory implements Store entirely in process. It mirrors the Postgres
// implementation's guarantees (per-campaign append serialization, gapless
// seq, snapshot in lockstep) with a per-campaign mutex standing in for the
// row lock. It backs tests and local development without a database.
type Memory struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*memCampaign
	entities  map[string]*models.Entity // key: kind/id
}

type memCampaign struct {
	mu      sync.Mutex
	lastSeq int64
	state   map[string]any
	events  []models.Event
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		campaigns: make(map[uuid.UUID]*memCampaign),
		entities:  make(map[string]*models.Entity),
	}
}

func (s *Memory) campaign(id uuid.UUID) (*memCampaign, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	return c, ok
}

func (s *Memory) AppendEvent(ctx context.Context, campaignID uuid.UUID, eventName string, payload json.RawMessage, projector Projector) (models.Event, models.Snapshot, error) {
	if !models.KnownEventNames[eventName] {
		return models.Event{}, models.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownEventName, eventName)
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	c, ok := s.campaign(campaignID)
	if !ok {
		return models.Event{}, models.Snapshot{}, fmt.Errorf("snapshot for campaign %s: %w", campaignID, ErrNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Project against a copy first so a failing projector leaves nothing
	// partially applied, matching the transactional rollback semantics.
	state := patch.DeepCopy(c.state)
	if projector != nil {
		if err := projector(state); err != nil {
			return models.Event{}, models.Snapshot{}, fmt.Errorf("projecting event %s: %w", eventName, err)
		}
	}

	ev := models.Event{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Seq:        c.lastSeq + 1,
		EventName:  eventName,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	c.events = append(c.events, ev)
	c.lastSeq = ev.Seq
	c.state = state

	return ev, models.Snapshot{CampaignID: campaignID, LastSeq: c.lastSeq, State: patch.DeepCopy(state)}, nil
}

func (s *Memory) ReadSnapshot(ctx context.Context, campaignID uuid.UUID) (models.Snapshot, error) {
	c, ok := s.campaign(campaignID)
	if !ok {
		return models.Snapshot{}, fmt.Errorf("snapshot for campaign %s: %w", campaignID, ErrNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.Snapshot{CampaignID: campaignID, LastSeq: c.lastSeq, State: patch.DeepCopy(c.state)}, nil
}

func (s *Memory) ReadEventsAfter(ctx context.Context, campaignID uuid.UUID, afterSeq int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = ReplayLimit
	}
	c, ok := s.campaign(campaignID)
	if !ok {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Event
	for _, ev := range c.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) EnsureSnapshot(ctx context.Context, campaignID uuid.UUID, initialState map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; ok {
		return nil
	}
	s.campaigns[campaignID] = &memCampaign{state: patch.DeepCopy(initialState)}
	return nil
}

func entityKey(kind string, id uuid.UUID) string { return kind + "/" + id.String() }

func (s *Memory) CreateEntity(ctx context.Context, entity *models.Entity) error {
	if _, err := entityTable(entity.Kind); err != nil {
		return err
	}
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.Data == nil {
		entity.Data = json.RawMessage(`{}`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entity
	s.entities[entityKey(entity.Kind, entity.ID)] = &clone
	return nil
}

func (s *Memory) GetEntity(ctx context.Context, campaignID uuid.UUID, kind string, id uuid.UUID) (models.Entity, error) {
	if _, err := entityTable(kind); err != nil {
		return models.Entity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entities[entityKey(kind, id)]
	if !ok || ent.CampaignID != campaignID {
		return models.Entity{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return *ent, nil
}

func (s *Memory) UpdateEntityData(ctx context.Context, campaignID uuid.UUID, kind string, id uuid.UUID, data json.RawMessage) error {
	if _, err := entityTable(kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entities[entityKey(kind, id)]
	if !ok || ent.CampaignID != campaignID {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	ent.Data = data
	return nil
}
