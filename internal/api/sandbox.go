package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/courier/internal/transport/sandbox"
)

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []sandbox.Captured `json:"messages"`
	Total    int                `json:"total"`
}

// SandboxDisconnectRequest is the request body for POST /sandbox/sessions/{id}/disconnect
type SandboxDisconnectRequest struct {
	Reason string `json:"reason"`
}

// SandboxInboundRequest is the request body for POST /sandbox/sessions/{id}/inbound
type SandboxInboundRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// registerSandboxRoutes registers the sandbox inspection routes
func (s *Server) registerSandboxRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleSandboxList)
		r.Delete("/messages", s.handleSandboxClear)
		r.Post("/sessions/{id}/disconnect", s.handleSandboxDisconnect)
		r.Post("/sessions/{id}/inbound", s.handleSandboxInbound)
	})
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	msgs := s.Sandbox.Messages(r.URL.Query().Get("session_id"))
	s.sendJSON(w, http.StatusOK, SandboxListResponse{Messages: msgs, Total: len(msgs)})
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	s.Sandbox.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleSandboxDisconnect handles POST /api/v1/sandbox/sessions/{id}/disconnect
func (s *Server) handleSandboxDisconnect(w http.ResponseWriter, r *http.Request) {
	client := s.sandboxClient(w, r)
	if client == nil {
		return
	}

	var req SandboxDisconnectRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "simulated disconnect"
	}

	client.Disconnect(req.Reason)
	w.WriteHeader(http.StatusAccepted)
}

// handleSandboxInbound handles POST /api/v1/sandbox/sessions/{id}/inbound
func (s *Server) handleSandboxInbound(w http.ResponseWriter, r *http.Request) {
	client := s.sandboxClient(w, r)
	if client == nil {
		return
	}

	var req SandboxInboundRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.From == "" || req.Body == "" {
		s.sendError(w, http.StatusBadRequest, "from and body are required")
		return
	}

	client.Receive(req.From, req.Body)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sandboxClient(w http.ResponseWriter, r *http.Request) *sandbox.Client {
	client := s.Sandbox.Client(chi.URLParam(r, "id"))
	if client == nil {
		s.sendError(w, http.StatusNotFound, "Sandbox session not found")
		return nil
	}
	return client
}
