package room

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthrpg/hearth/internal/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// collectingConn returns a Conn whose sends append to a channel.
func collectingConn(msgs chan []byte) *Conn {
	return NewConn(uuid.New(), func(data []byte) error {
		msgs <- data
		return nil
	})
}

func testEvent(campaignID uuid.UUID, seq int64) models.Event {
	return models.Event{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Seq:        seq,
		EventName:  models.EventDMNarration,
		Payload:    json.RawMessage(`{"text":"..."}`),
		CreatedAt:  time.Now().UTC(),
	}
}

func TestBroadcastReachesAllMembers(t *testing.T) {
	r := NewRegistry(testLogger())
	campaignID := uuid.New()

	msgsA := make(chan []byte, 1)
	msgsB := make(chan []byte, 1)
	r.JoinCampaign(collectingConn(msgsA), campaignID)
	r.JoinCampaign(collectingConn(msgsB), campaignID)
	require.Equal(t, 2, r.MemberCount(campaignID))

	r.BroadcastEvents(campaignID, []models.Event{testEvent(campaignID, 1)})

	for _, msgs := range []chan []byte{msgsA, msgsB} {
		var got ServerEvents
		require.NoError(t, json.Unmarshal(<-msgs, &got))
		assert.Equal(t, "server.events", got.Type)
		assert.Equal(t, campaignID, got.CampaignID)
		require.Len(t, got.Events, 1)
		assert.Equal(t, int64(1), got.Events[0].Seq)
	}
}

func TestBroadcastSkipsOtherRoomsAndEmptyBatches(t *testing.T) {
	r := NewRegistry(testLogger())
	campaignA, campaignB := uuid.New(), uuid.New()

	msgs := make(chan []byte, 4)
	r.JoinCampaign(collectingConn(msgs), campaignA)

	r.BroadcastEvents(campaignB, []models.Event{testEvent(campaignB, 1)})
	r.BroadcastEvents(campaignA, nil)
	assert.Empty(t, msgs)
}

func TestClosedConnIsSkipped(t *testing.T) {
	r := NewRegistry(testLogger())
	campaignID := uuid.New()

	msgs := make(chan []byte, 4)
	conn := collectingConn(msgs)
	r.JoinCampaign(conn, campaignID)
	conn.Close()

	r.BroadcastEvents(campaignID, []models.Event{testEvent(campaignID, 1)})
	assert.Empty(t, msgs)
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	r := NewRegistry(testLogger())
	campaignA, campaignB := uuid.New(), uuid.New()
	conn := collectingConn(make(chan []byte, 1))

	r.JoinCampaign(conn, campaignA)
	r.JoinCampaign(conn, campaignB)

	assert.Equal(t, 0, r.MemberCount(campaignA))
	assert.Equal(t, 1, r.MemberCount(campaignB))
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	campaignID := uuid.New()
	conn := collectingConn(make(chan []byte, 1))

	r.JoinCampaign(conn, campaignID)
	r.LeaveCampaign(conn)
	r.LeaveCampaign(conn)
	assert.Equal(t, 0, r.MemberCount(campaignID))
}
