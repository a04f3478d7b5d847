package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/auth"
	"github.com/hearthrpg/hearth/internal/executor"
	"github.com/hearthrpg/hearth/internal/models"
	"github.com/hearthrpg/hearth/internal/ratelimit"
	"github.com/hearthrpg/hearth/internal/room"
	"github.com/hearthrpg/hearth/internal/store"
)

// Error codes surfaced in server.error messages.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeNotJoined        = "NOT_JOINED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeBadMessage       = "BAD_MESSAGE"
)

// Per-connection action gate.
const (
	actionLimit  = 10
	actionWindow = 60 * time.Second
)

const writeTimeout = 5 * time.Second

// SessionServer owns the WebSocket session protocol: authentication, room
// membership, replay on join, and dispatch of player actions into the turn
// engine.
type SessionServer struct {
	Logger   *logrus.Logger
	Store    store.Store
	Rooms    *room.Registry
	Engine   *executor.Engine
	AuthMode string
}

// sessionConn tracks one socket's protocol state. The state machine is
// Unauthenticated -> Authenticated -> Joined(campaign); hello failure is the
// only transition that closes the socket.
type sessionConn struct {
	ws            *websocket.Conn
	roomConn      *room.Conn
	userID        uuid.UUID
	authenticated bool
	joined        uuid.UUID // uuid.Nil until a join succeeds
	lastAckSeq    int64
	limiter       *ratelimit.Window
}

// Client message shapes. Every message carries a type discriminator; fields
// are decoded per type after the envelope.
type clientHello struct {
	Token string `json:"token"`
}

type clientJoin struct {
	CampaignID  string `json:"campaign_id"`
	LastSeqSeen int64  `json:"last_seq_seen"`
}

type clientPlayerAction struct {
	CampaignID  string `json:"campaign_id"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
	CharacterID string `json:"character_id,omitempty"`
}

type clientAck struct {
	Seq int64 `json:"seq"`
}

type clientPing struct {
	TS int64 `json:"ts,omitempty"`
}

// Server message shapes.
type serverHello struct {
	Type   string    `json:"type"`
	UserID uuid.UUID `json:"user_id"`
}

type serverJoined struct {
	Type       string             `json:"type"`
	CampaignID uuid.UUID          `json:"campaign_id"`
	Snapshot   joinedSnapshot     `json:"snapshot"`
	Events     []models.WireEvent `json:"events"`
}

type joinedSnapshot struct {
	LastSeq int64          `json:"last_seq"`
	State   map[string]any `json:"state"`
}

type serverError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type serverPong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

// SessionWSHandler upgrades the connection and runs the protocol loop until
// the socket closes. Room departure and registry cleanup happen on the way
// out regardless of how the loop exits.
func (s *SessionServer) SessionWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"session"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "session" {
			c.Close(websocket.StatusPolicyViolation, "client must speak the session subprotocol")
			return
		}
		s.Logger.Infof("WebSocket session established from %s", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := &sessionConn{
			ws:      c,
			limiter: ratelimit.NewWindow(actionLimit, actionWindow),
		}
		conn.roomConn = room.NewConn(uuid.Nil, func(data []byte) error {
			writeCtx, writeCancel := context.WithTimeout(context.Background(), writeTimeout)
			defer writeCancel()
			return c.Write(writeCtx, websocket.MessageText, data)
		})

		s.readLoop(ctx, conn)

		conn.roomConn.Close()
		s.Rooms.LeaveCampaign(conn.roomConn)
		s.Logger.Infof("WebSocket session from %s closed (user %s)", r.RemoteAddr, conn.userID)
	}
}

// readLoop processes messages until the socket closes or a fatal auth
// failure force-closes it.
func (s *SessionServer) readLoop(ctx context.Context, conn *sessionConn) {
	for {
		msgType, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.Logger.Infof("WebSocket closed normally for user %s", conn.userID)
			} else if strings.Contains(err.Error(), "context canceled") {
				s.Logger.Infof("WebSocket context canceled for user %s", conn.userID)
			} else {
				s.Logger.Warnf("WebSocket read error for user %s: %v (status: %d)", conn.userID, err, status)
			}
			return
		}
		if msgType != websocket.MessageText {
			s.Logger.Warnf("ignoring non-text message from user %s", conn.userID)
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.sendError(conn, "invalid JSON", CodeBadMessage)
			continue
		}

		switch envelope.Type {
		case "client.hello":
			if !s.handleHello(ctx, conn, data) {
				return
			}
		case "client.join":
			s.handleJoin(ctx, conn, data)
		case "client.player_action":
			s.handlePlayerAction(ctx, conn, data)
		case "client.ack":
			var msg clientAck
			if err := json.Unmarshal(data, &msg); err != nil {
				s.sendError(conn, "invalid ack", CodeBadMessage)
				continue
			}
			if msg.Seq > conn.lastAckSeq {
				conn.lastAckSeq = msg.Seq
			}
		case "client.ping":
			var msg clientPing
			if err := json.Unmarshal(data, &msg); err != nil {
				s.sendError(conn, "invalid ping", CodeBadMessage)
				continue
			}
			s.Rooms.SendMessage(conn.roomConn, serverPong{Type: "server.pong", TS: msg.TS})
		default:
			s.sendError(conn, "unknown message type: "+envelope.Type, CodeBadMessage)
		}
	}
}

// handleHello resolves the token and transitions to Authenticated. Returns
// false when the socket must close (the only fatal protocol error).
func (s *SessionServer) handleHello(ctx context.Context, conn *sessionConn, data []byte) bool {
	var msg clientHello
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token == "" {
		s.sendError(conn, "hello requires a token", CodeAuthFailed)
		conn.ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return false
	}

	userID, err := auth.VerifyHelloToken(s.AuthMode, msg.Token)
	if err != nil {
		s.Logger.Warnf("hello authentication failed: %v", err)
		s.sendError(conn, "authentication failed", CodeAuthFailed)
		conn.ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return false
	}

	conn.userID = userID
	conn.roomConn.UserID = userID
	conn.authenticated = true
	s.Rooms.SendMessage(conn.roomConn, serverHello{Type: "server.hello", UserID: userID})
	return true
}

// handleJoin ensures a snapshot exists, switches room membership and replays
// events past the client's last seen seq.
func (s *SessionServer) handleJoin(ctx context.Context, conn *sessionConn, data []byte) {
	if !conn.authenticated {
		s.sendError(conn, "hello first", CodeNotAuthenticated)
		return
	}

	var msg clientJoin
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "invalid join", CodeBadMessage)
		return
	}
	campaignID, err := uuid.Parse(msg.CampaignID)
	if err != nil {
		s.sendError(conn, "invalid campaign_id", CodeBadMessage)
		return
	}
	if msg.LastSeqSeen < 0 {
		s.sendError(conn, "last_seq_seen must not be negative", CodeBadMessage)
		return
	}

	if err := s.Store.EnsureSnapshot(ctx, campaignID, models.NewInitialState("")); err != nil {
		s.Logger.Errorf("ensuring snapshot for campaign %s: %v", campaignID, err)
		s.sendError(conn, "failed to join campaign", "")
		return
	}

	// Enter the room before reading the replay. An event committed while the
	// replay is read is then also broadcast to this connection, so the client
	// sees a duplicate at worst, never a gap; clients dedupe by seq.
	s.Rooms.JoinCampaign(conn.roomConn, campaignID)

	snap, err := s.Store.ReadSnapshot(ctx, campaignID)
	if err != nil {
		s.Logger.Errorf("reading snapshot for campaign %s: %v", campaignID, err)
		s.Rooms.LeaveCampaign(conn.roomConn)
		s.sendError(conn, "failed to join campaign", "")
		return
	}
	replay, err := s.Store.ReadEventsAfter(ctx, campaignID, msg.LastSeqSeen, store.ReplayLimit)
	if err != nil {
		s.Logger.Errorf("reading replay for campaign %s: %v", campaignID, err)
		s.Rooms.LeaveCampaign(conn.roomConn)
		s.sendError(conn, "failed to join campaign", "")
		return
	}

	conn.joined = campaignID

	events := models.WireEvents(replay)
	if events == nil {
		events = []models.WireEvent{}
	}
	s.Rooms.SendMessage(conn.roomConn, serverJoined{
		Type:       "server.joined",
		CampaignID: campaignID,
		Snapshot:   joinedSnapshot{LastSeq: snap.LastSeq, State: snap.State},
		Events:     events,
	})
	s.Logger.Infof("user %s joined campaign %s (replayed %d events after seq %d)",
		conn.userID, campaignID, len(events), msg.LastSeqSeen)
}

// handlePlayerAction gates on join state and the action limiter, then runs
// the full turn through the engine.
func (s *SessionServer) handlePlayerAction(ctx context.Context, conn *sessionConn, data []byte) {
	if !conn.authenticated {
		s.sendError(conn, "hello first", CodeNotAuthenticated)
		return
	}

	var msg clientPlayerAction
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "invalid player_action", CodeBadMessage)
		return
	}
	campaignID, err := uuid.Parse(msg.CampaignID)
	if err != nil {
		s.sendError(conn, "invalid campaign_id", CodeBadMessage)
		return
	}
	if strings.TrimSpace(msg.Text) == "" || msg.ClientMsgID == "" {
		s.sendError(conn, "player_action requires text and client_msg_id", CodeBadMessage)
		return
	}
	if conn.joined != campaignID {
		s.sendError(conn, "join the campaign before acting", CodeNotJoined)
		return
	}

	if !conn.limiter.Allow() {
		s.sendError(conn, "too many actions, retry in a minute", CodeRateLimited)
		return
	}

	var characterID uuid.UUID
	if msg.CharacterID != "" {
		characterID, err = uuid.Parse(msg.CharacterID)
		if err != nil {
			s.sendError(conn, "invalid character_id", CodeBadMessage)
			return
		}
	}

	err = s.Engine.RunTurn(ctx, executor.TurnInput{
		CampaignID:  campaignID,
		UserID:      conn.userID,
		CharacterID: characterID,
		ClientMsgID: msg.ClientMsgID,
		Text:        msg.Text,
	})
	if err != nil {
		s.Logger.Errorf("turn failed for user %s in campaign %s: %v", conn.userID, campaignID, err)
		s.sendError(conn, "failed to process action", "")
	}
}

func (s *SessionServer) sendError(conn *sessionConn, message, code string) {
	s.Rooms.SendMessage(conn.roomConn, serverError{Type: "server.error", Message: message, Code: code})
}
