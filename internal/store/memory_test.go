package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthrpg/hearth/internal/models"
)

func newCampaignStore(t *testing.T) (*Memory, uuid.UUID) {
	t.Helper()
	s := NewMemory()
	campaignID := uuid.New()
	require.NoError(t, s.EnsureSnapshot(context.Background(), campaignID, models.NewInitialState("")))
	return s, campaignID
}

func TestAppendAssignsGaplessSeq(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, snap, err := s.AppendEvent(ctx, campaignID, models.EventPlayerAction, json.RawMessage(`{"text":"hi"}`), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Seq)
		assert.Equal(t, int64(i), snap.LastSeq)
	}
}

func TestAppendConcurrentWritersStayGapless(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	seqs := make(chan int64, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev, _, err := s.AppendEvent(ctx, campaignID, models.EventDMNarration, json.RawMessage(`{"text":"..."}`), nil)
				assert.NoError(t, err)
				seqs <- ev.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	var got []int64
	for seq := range seqs {
		got = append(got, seq)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	require.Len(t, got, writers*perWriter)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq, "seq must be gapless and unique")
	}

	snap, err := s.ReadSnapshot(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), snap.LastSeq)
}

func TestAppendRejectsUnknownEventName(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	_, _, err := s.AppendEvent(context.Background(), campaignID, "mystery_event", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownEventName)
}

func TestAppendUnknownCampaign(t *testing.T) {
	s := NewMemory()
	_, _, err := s.AppendEvent(context.Background(), uuid.New(), models.EventPlayerAction, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectorFailureLeavesStateUntouched(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	_, _, err := s.AppendEvent(ctx, campaignID, models.EventStatePatchApplied, nil, func(state map[string]any) error {
		state["mode"] = "combat"
		return errors.New("boom")
	})
	require.Error(t, err)

	snap, err := s.ReadSnapshot(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.LastSeq)
	assert.Equal(t, "exploration", snap.State["mode"])

	events, err := s.ReadEventsAfter(ctx, campaignID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProjectorMutatesSnapshotWithAppend(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	_, snap, err := s.AppendEvent(ctx, campaignID, models.EventStatePatchApplied, nil, func(state map[string]any) error {
		state["mode"] = "combat"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "combat", snap.State["mode"])

	reread, err := s.ReadSnapshot(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, "combat", reread.State["mode"])
	assert.Equal(t, int64(1), reread.LastSeq)
}

func TestReadEventsAfter(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := s.AppendEvent(ctx, campaignID, models.EventDMNarration, nil, nil)
		require.NoError(t, err)
	}

	events, err := s.ReadEventsAfter(ctx, campaignID, 5, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, int64(6), events[0].Seq)
	assert.Equal(t, int64(10), events[4].Seq)

	events, err = s.ReadEventsAfter(ctx, campaignID, 0, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Seq)

	events, err = s.ReadEventsAfter(ctx, campaignID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Unknown campaign reads as empty, not an error; join replays tolerate it.
	events, err = s.ReadEventsAfter(ctx, uuid.New(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEnsureSnapshotIdempotent(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	_, _, err := s.AppendEvent(ctx, campaignID, models.EventPlayerAction, nil, nil)
	require.NoError(t, err)

	// A second ensure must not reset existing state.
	require.NoError(t, s.EnsureSnapshot(ctx, campaignID, models.NewInitialState("")))

	snap, err := s.ReadSnapshot(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.LastSeq)
}

func TestEntityLifecycle(t *testing.T) {
	s, campaignID := newCampaignStore(t)
	ctx := context.Background()

	ent := &models.Entity{
		CampaignID: campaignID,
		Kind:       models.EntityNPC,
		Name:       "Grizzled Innkeep",
		Data:       json.RawMessage(`{"disposition":"wary"}`),
	}
	require.NoError(t, s.CreateEntity(ctx, ent))
	require.NotEqual(t, uuid.Nil, ent.ID)

	got, err := s.GetEntity(ctx, campaignID, models.EntityNPC, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Grizzled Innkeep", got.Name)

	require.NoError(t, s.UpdateEntityData(ctx, campaignID, models.EntityNPC, ent.ID, json.RawMessage(`{"disposition":"friendly"}`)))
	got, err = s.GetEntity(ctx, campaignID, models.EntityNPC, ent.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"disposition":"friendly"}`, string(got.Data))

	// Entities are scoped to their campaign.
	_, err = s.GetEntity(ctx, uuid.New(), models.EntityNPC, ent.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unknown kinds never touch storage.
	err = s.CreateEntity(ctx, &models.Entity{CampaignID: campaignID, Kind: "monster", Name: "x"})
	assert.Error(t, err)
}
