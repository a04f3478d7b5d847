package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/hearthrpg/hearth/internal/auth"
	"github.com/hearthrpg/hearth/internal/database"
	"github.com/hearthrpg/hearth/internal/models"
	"github.com/hearthrpg/hearth/internal/store"
)

// CampaignAPI wraps the campaign endpoints. Beyond the campaign row itself,
// creation seeds the campaign's snapshot so clients can join immediately.
type CampaignAPI struct {
	*API
	Store store.Store
}

// requireUser resolves the auth_token cookie into a user id.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	token := extractCookieToken(r.Header.Get("Cookie"), "auth_token")
	if token == "" {
		http.Error(w, "missing auth token", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	sub, err := auth.AuthenticateJWT(token)
	if err != nil {
		http.Error(w, "invalid auth token", http.StatusForbidden)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		http.Error(w, "invalid user id in token", http.StatusForbidden)
		return uuid.Nil, false
	}
	return userID, true
}

// CreateCampaignHandler inserts a campaign row and seeds its snapshot.
func (c *CampaignAPI) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := c.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Name    string `json:"name"`
		Ruleset string `json:"ruleset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	campaign := models.Campaign{
		OwnerID: userID,
		Name:    req.Name,
		Ruleset: req.Ruleset,
	}
	if err := database.CreateCampaign(r.Context(), c.Pool, &campaign); err != nil {
		c.Logger.Errorf("failed to create campaign: %v", err)
		http.Error(w, "error creating campaign", http.StatusInternalServerError)
		return
	}
	if err := c.Store.EnsureSnapshot(context.Background(), campaign.ID, models.NewInitialState(campaign.Ruleset)); err != nil {
		c.Logger.Errorf("failed to seed snapshot for campaign %s: %v", campaign.ID, err)
		http.Error(w, "error creating campaign", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(campaign)
}

// GetCampaignHandler returns one campaign owned by the caller.
func (c *CampaignAPI) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := c.requireUser(w, r)
	if !ok {
		return
	}

	campaignID, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	campaign, err := database.GetCampaign(r.Context(), c.Pool, campaignID)
	if errors.Is(err, database.ErrCampaignNotFound) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.Logger.Errorf("failed to load campaign %s: %v", campaignID, err)
		http.Error(w, "error loading campaign", http.StatusInternalServerError)
		return
	}
	if campaign.OwnerID != userID {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(campaign)
}

// ListCampaignsHandler returns the caller's campaigns.
func (c *CampaignAPI) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := c.requireUser(w, r)
	if !ok {
		return
	}

	campaigns, err := database.ListCampaignsByOwner(r.Context(), c.Pool, userID)
	if err != nil {
		c.Logger.Errorf("failed to list campaigns: %v", err)
		http.Error(w, "error listing campaigns", http.StatusInternalServerError)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(campaigns)
}
