// Package orchestrator is the bridge to the external game-master model
// service. It assembles turn context, calls the service over HTTP with a
// shared-secret header, and normalizes whatever comes back. The bridge never
// lets a failure escape: network errors, non-success statuses, timeouts and
// malformed replies all collapse into a fixed fallback narration with zero
// tool calls, so the player's turn always advances.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/models"
	"github.com/hearthrpg/hearth/internal/ratelimit"
	"github.com/hearthrpg/hearth/internal/toolcall"
)

// FallbackText is the narration used whenever the model service cannot
// produce a usable reply.
const FallbackText = "The world seems to hold its breath for a moment. The game master gathers their thoughts; describe what you do next."

// secretHeader authenticates this service to the orchestrator.
const secretHeader = "x-internal-secret"

// Per-campaign call cap protecting shared model capacity. Independent of the
// per-connection action limiter.
const (
	campaignCallLimit  = 30
	campaignCallWindow = time.Minute
)

// PlayerAction is the acting player's free-text input.
type PlayerAction struct {
	UserID uuid.UUID `json:"user_id"`
	Text   string    `json:"text"`
}

// Request is the context bundle sent to the orchestrator service.
type Request struct {
	CampaignID   uuid.UUID          `json:"campaign_id"`
	PlayerAction PlayerAction       `json:"player_action"`
	Snapshot     map[string]any     `json:"snapshot"`
	RecentEvents []models.WireEvent `json:"recent_events"`
}

// Narration is the structured narration shape.
type Narration struct {
	Text      string   `json:"text"`
	Options   []string `json:"options,omitempty"`
	SceneRefs []string `json:"scene_refs,omitempty"`
}

// Reply is the normalized orchestrator output. ToolCalls remain untrusted
// proposals until they pass the validator.
type Reply struct {
	Narration Narration
	ToolCalls []toolcall.Proposal
	Fallback  bool
}

// narrationShim accepts both the structured narration object and the legacy
// bare-string form still produced by older orchestrator deployments.
type narrationShim struct {
	Narration
}

func (n *narrationShim) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		n.Narration = Narration{Text: text}
		return nil
	}
	return json.Unmarshal(data, &n.Narration)
}

type wireReply struct {
	Narration narrationShim       `json:"narration"`
	ToolCalls []toolcall.Proposal `json:"tool_calls"`
}

// Client calls the orchestrator service.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	limiter *ratelimit.KeyedWindows
	logger  *logrus.Logger
}

// NewClient builds a bridge client. timeout bounds each model call.
func NewClient(baseURL, secret string, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		limiter: ratelimit.NewKeyedWindows(campaignCallLimit, campaignCallWindow),
		logger:  logger,
	}
}

// fallback builds the guaranteed degraded reply.
func fallback() Reply {
	return Reply{Narration: Narration{Text: FallbackText}, Fallback: true}
}

// Propose runs one turn through the model service. It always returns a
// usable reply; the Fallback flag marks degraded turns.
func (c *Client) Propose(ctx context.Context, req Request) Reply {
	if !c.limiter.Allow(req.CampaignID.String()) {
		c.logger.Warnf("campaign %s exceeded orchestrator call cap, serving fallback", req.CampaignID)
		return fallback()
	}

	body, err := json.Marshal(req)
	if err != nil {
		c.logger.Errorf("failed to marshal orchestrator request for campaign %s: %v", req.CampaignID, err)
		return fallback()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orchestrate", bytes.NewReader(body))
	if err != nil {
		c.logger.Errorf("failed to build orchestrator request: %v", err)
		return fallback()
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warnf("orchestrator call failed for campaign %s: %v", req.CampaignID, err)
		return fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warnf("orchestrator returned status %d for campaign %s", resp.StatusCode, req.CampaignID)
		return fallback()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Warnf("reading orchestrator reply for campaign %s: %v", req.CampaignID, err)
		return fallback()
	}

	var wire wireReply
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warnf("malformed orchestrator reply for campaign %s: %v", req.CampaignID, err)
		return fallback()
	}
	if wire.Narration.Text == "" {
		c.logger.Warnf("orchestrator reply for campaign %s carried no narration text", req.CampaignID)
		return fallback()
	}

	return Reply{Narration: wire.Narration.Narration, ToolCalls: wire.ToolCalls}
}

// String implements fmt.Stringer for log lines.
func (r Reply) String() string {
	return fmt.Sprintf("reply{tool_calls=%d fallback=%t}", len(r.ToolCalls), r.Fallback)
}
