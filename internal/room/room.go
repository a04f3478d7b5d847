// Package room is the per-process broadcast table: which live connections are
// currently joined to which campaign. It is never authoritative for game
// state; losing it on restart is safe because clients rejoin and replay from
// the event log.
package room

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/models"
)

// SendFunc delivers one serialized message to a client. Implementations
// return an error when the underlying socket is gone; broadcast skips the
// connection silently.
type SendFunc func(data []byte) error

// Conn is one subscriber in the registry. The registry owns campaign
// membership; the connection owns its socket and closed state.
type Conn struct {
	UserID uuid.UUID

	mu     sync.Mutex
	send   SendFunc
	closed bool
}

// NewConn wraps a user's send path as a registry subscriber.
func NewConn(userID uuid.UUID, send SendFunc) *Conn {
	return &Conn{UserID: userID, send: send}
}

// Close marks the connection closed. Subsequent sends are dropped.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// write delivers data if the connection is still open.
func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	send := c.send
	c.mu.Unlock()
	return send(data)
}

// Registry maps campaigns to their joined connections. It is owned by the
// server instance and passed by reference so tests can construct isolated
// registries.
type Registry struct {
	mu     sync.Mutex
	rooms  map[uuid.UUID]map[*Conn]struct{}
	joined map[*Conn]uuid.UUID
	logger *logrus.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		rooms:  make(map[uuid.UUID]map[*Conn]struct{}),
		joined: make(map[*Conn]uuid.UUID),
		logger: logger,
	}
}

// JoinCampaign moves the connection into the campaign's room, leaving any
// prior room first. A connection belongs to at most one room.
func (r *Registry) JoinCampaign(conn *Conn, campaignID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(conn)
	members, ok := r.rooms[campaignID]
	if !ok {
		members = make(map[*Conn]struct{})
		r.rooms[campaignID] = members
	}
	members[conn] = struct{}{}
	r.joined[conn] = campaignID
}

// LeaveCampaign removes the connection from its room, deleting the room once
// empty. Idempotent.
func (r *Registry) LeaveCampaign(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn)
}

func (r *Registry) leaveLocked(conn *Conn) {
	campaignID, ok := r.joined[conn]
	if !ok {
		return
	}
	delete(r.joined, conn)
	members, ok := r.rooms[campaignID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, campaignID)
	}
}

// MemberCount reports how many connections are joined to the campaign.
func (r *Registry) MemberCount(campaignID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[campaignID])
}

// BroadcastEvents fans a non-empty event batch out to every open member of
// the campaign's room. The batch is serialized once; members whose sockets
// have closed are skipped silently.
func (r *Registry) BroadcastEvents(campaignID uuid.UUID, events []models.Event) {
	if len(events) == 0 {
		return
	}

	r.mu.Lock()
	members := make([]*Conn, 0, len(r.rooms[campaignID]))
	for conn := range r.rooms[campaignID] {
		members = append(members, conn)
	}
	r.mu.Unlock()
	if len(members) == 0 {
		return
	}

	msg := ServerEvents{
		Type:       "server.events",
		CampaignID: campaignID,
		Events:     models.WireEvents(events),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Errorf("failed to marshal event batch for campaign %s: %v", campaignID, err)
		return
	}

	for _, conn := range members {
		if err := conn.write(data); err != nil {
			r.logger.Warnf("failed to write event batch to user %s in campaign %s: %v", conn.UserID, campaignID, err)
		}
	}
}

// SendMessage unicasts one message to a connection with the same open-state
// check as broadcast.
func (r *Registry) SendMessage(conn *Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Errorf("failed to marshal message for user %s: %v", conn.UserID, err)
		return
	}
	if err := conn.write(data); err != nil {
		r.logger.Warnf("failed to write message to user %s: %v", conn.UserID, err)
	}
}

// ServerEvents is the server.events fan-out envelope.
type ServerEvents struct {
	Type       string             `json:"type"`
	CampaignID uuid.UUID          `json:"campaign_id"`
	Events     []models.WireEvent `json:"events"`
}
