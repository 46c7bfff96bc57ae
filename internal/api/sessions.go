package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
)

// CreateSessionRequest is the request body for POST /sessions
type CreateSessionRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	AutoReconnect *bool  `json:"auto_reconnect,omitempty"`
}

// SessionResponse is a stored session with its live state
type SessionResponse struct {
	models.Session
	State models.SessionStatus `json:"state"`
	Live  bool                 `json:"live"`
}

// QRResponse is the response for GET /sessions/{id}/qr
type QRResponse struct {
	SessionID string     `json:"session_id"`
	Image     string     `json:"image"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
}

// SendMessageRequest is the request body for POST /sessions/{id}/send
type SendMessageRequest struct {
	Recipient  string             `json:"recipient"`
	Content    string             `json:"content"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

// SendMessageResponse is the response for POST /sessions/{id}/send
type SendMessageResponse struct {
	ExternalID string `json:"external_id"`
}

func (s *Server) sessionResponse(sess *models.Session) SessionResponse {
	state, live := s.Registry.State(sess.ID)
	if !live {
		state = sess.Status
	}
	return SessionResponse{Session: *sess, State: state, Live: live}
}

// handleCreateSession handles POST /api/v1/sessions. An existing ID re-creates the client.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx := r.Context()
	sess, err := s.Sessions.Get(ctx, req.ID)
	if err != nil {
		s.sendFailure(w, r, err, "Failed to load session")
		return
	}

	if sess == nil || req.Name != "" || req.AutoReconnect != nil {
		if sess == nil {
			sess = &models.Session{ID: req.ID, Name: req.ID, AutoReconnect: true}
		}
		if req.Name != "" {
			sess.Name = req.Name
		}
		if req.AutoReconnect != nil {
			sess.AutoReconnect = *req.AutoReconnect
		}
		if err := s.Sessions.Save(ctx, sess); err != nil {
			s.sendFailure(w, r, err, "Failed to save session")
			return
		}
	}

	if err := s.Registry.Create(ctx, sess.ID); err != nil {
		s.sendFailure(w, r, err, "Failed to create session")
		return
	}

	s.logger.Info("session requested", "session_id", sess.ID)
	s.sendJSON(w, http.StatusAccepted, s.sessionResponse(sess))
}

// handleListSessions handles GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Sessions.List(r.Context())
	if err != nil {
		s.sendFailure(w, r, err, "Failed to list sessions")
		return
	}

	items := make([]SessionResponse, len(sessions))
	for i := range sessions {
		items[i] = s.sessionResponse(&sessions[i])
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: items, Total: len(items), Page: 1, Limit: len(items)})
}

// handleGetSession handles GET /api/v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, s.sessionResponse(sess))
}

// handleSessionQR handles GET /api/v1/sessions/{id}/qr
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.ScanImage == "" {
		s.sendError(w, http.StatusNotFound, "No scan pending")
		return
	}
	s.sendJSON(w, http.StatusOK, QRResponse{SessionID: sess.ID, Image: sess.ScanImage, IssuedAt: sess.ScanIssuedAt})
}

// handleDeleteSession handles DELETE /api/v1/sessions/{id}. purge=true also removes the record.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Destroy(r.Context(), id); err != nil {
		s.sendFailure(w, r, err, "Failed to destroy session")
		return
	}

	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if err := s.Sessions.Delete(r.Context(), id); err != nil {
			s.sendFailure(w, r, err, "Failed to delete session")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSessionSend handles POST /api/v1/sessions/{id}/send
func (s *Server) handleSessionSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Recipient == "" {
		s.sendError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	if req.Content == "" && req.Attachment == nil {
		s.sendError(w, http.StatusBadRequest, "content or attachment is required")
		return
	}

	externalID, err := s.Registry.Send(r.Context(), id, req.Recipient, req.Content, req.Attachment)
	if err != nil {
		s.sendFailure(w, r, err, "Failed to send message")
		return
	}

	msg := &models.ChatMessage{
		ExternalID: externalID,
		Direction:  repository.DirectionOutbound,
		Body:       req.Content,
	}
	if err := s.Conversations.Record(r.Context(), id, req.Recipient, "", msg); err != nil {
		s.logger.Warn("failed to record outbound message", "session_id", id, "error", err)
	}

	s.sendJSON(w, http.StatusOK, SendMessageResponse{ExternalID: externalID})
}

// handleListConversations handles GET /api/v1/sessions/{id}/conversations
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.Conversations.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, "Failed to list conversations")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: convs, Total: len(convs), Page: 1, Limit: len(convs)})
}

// handleConversationMessages handles GET /api/v1/conversations/{id}/messages
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	_, limit, _ := pagination(r)
	msgs, err := s.Conversations.Messages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.sendFailure(w, r, err, "Failed to list messages")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: msgs, Total: len(msgs), Page: 1, Limit: limit})
}

// handleConversationRead handles POST /api/v1/conversations/{id}/read
func (s *Server) handleConversationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.Conversations.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendFailure(w, r, err, "Failed to mark conversation read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	sess, err := s.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, "Failed to load session")
		return nil, false
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return sess, true
}
