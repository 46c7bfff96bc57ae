package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/courier/internal/dispatch"
	"github.com/foxzi/courier/internal/models"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name         string             `json:"name"`
	SessionID    string             `json:"session_id"`
	RecipientTag string             `json:"recipient_tag,omitempty"`
	Template     string             `json:"template"`
	Attachment   *models.Attachment `json:"attachment,omitempty"`
	Speed        string             `json:"speed,omitempty"`
	ScheduledAt  *time.Time         `json:"scheduled_at,omitempty"`
}

// CampaignResponse is a campaign with its dispatch loop state
type CampaignResponse struct {
	models.Campaign
	Running bool `json:"running"`
}

func (req *CreateCampaignRequest) validate() string {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return "name is required"
	case req.SessionID == "":
		return "session_id is required"
	case req.Template == "" && req.Attachment == nil:
		return "template or attachment is required"
	case req.Attachment != nil && req.Attachment.URL == "":
		return "attachment.url is required"
	}
	switch req.Speed {
	case "", models.SpeedSlow, models.SpeedMedium, models.SpeedFast:
	default:
		return "speed must be slow, medium or fast"
	}
	return ""
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	c := &models.Campaign{
		Name:         req.Name,
		SessionID:    req.SessionID,
		RecipientTag: req.RecipientTag,
		Template:     req.Template,
		Attachment:   req.Attachment,
		Speed:        req.Speed,
		ScheduledAt:  req.ScheduledAt,
	}
	if err := s.Campaigns.Create(r.Context(), c); err != nil {
		s.sendFailure(w, r, err, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "session_id", c.SessionID, "status", c.Status)
	s.sendJSON(w, http.StatusCreated, CampaignResponse{Campaign: *c})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := pagination(r)
	campaigns, total, err := s.Campaigns.List(r.Context(), models.CampaignListFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.sendFailure(w, r, err, "Failed to list campaigns")
		return
	}

	items := make([]CampaignResponse, len(campaigns))
	for i, c := range campaigns {
		items[i] = CampaignResponse{Campaign: c, Running: s.Engine.Running(c.ID)}
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: items, Total: total, Page: page, Limit: limit})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, CampaignResponse{Campaign: *c, Running: s.Engine.Running(c.ID)})
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if s.Engine.Running(c.ID) {
		s.sendError(w, http.StatusConflict, "Campaign is sending, pause it first")
		return
	}
	if err := s.Campaigns.Delete(r.Context(), c.ID); err != nil {
		s.sendFailure(w, r, err, "Failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start.
// Recipients are materialized before the response; sending continues in the background.
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.runCampaignOp(w, r, s.Engine.StartAsync, "Failed to start campaign")
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.runCampaignOp(w, r, s.Engine.ResumeAsync, "Failed to resume campaign")
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, "Failed to pause campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

type campaignOp func(ctx context.Context, id string) (*dispatch.Result, error)

func (s *Server) runCampaignOp(w http.ResponseWriter, r *http.Request, op campaignOp, msg string) {
	res, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, msg)
		return
	}

	status := http.StatusAccepted
	if res.Status != models.CampaignSending {
		status = http.StatusOK
	}
	s.sendJSON(w, status, res)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Engine.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, "Failed to load campaign stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleCampaignMessages handles GET /api/v1/campaigns/{id}/messages
func (s *Server) handleCampaignMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	page, limit, offset := pagination(r)
	msgs, total, err := s.Messages.List(r.Context(), models.MessageFilter{
		CampaignID: c.ID,
		Status:     models.MessageStatus(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.sendFailure(w, r, err, "Failed to list messages")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: msgs, Total: total, Page: page, Limit: limit})
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	c, err := s.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, "Failed to load campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}
