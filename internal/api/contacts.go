package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/courier/internal/models"
)

// ContactRequest is the request body for POST /contacts
type ContactRequest struct {
	Phone    string            `json:"phone"`
	Name     string            `json:"name"`
	Fields   map[string]string `json:"fields,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	OptedOut bool              `json:"opted_out"`
}

// handleUpsertContact handles POST /api/v1/contacts. A known phone replaces the existing contact.
func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		s.sendError(w, http.StatusBadRequest, "phone is required")
		return
	}

	c := &models.Contact{
		Phone:    req.Phone,
		Name:     req.Name,
		Fields:   req.Fields,
		Tags:     req.Tags,
		OptedOut: req.OptedOut,
	}
	if err := s.Contacts.Upsert(r.Context(), c); err != nil {
		s.sendFailure(w, r, err, "Failed to save contact")
		return
	}

	s.sendJSON(w, http.StatusOK, c)
}

// handleListContacts handles GET /api/v1/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := pagination(r)
	contacts, total, err := s.Contacts.List(r.Context(), models.ContactFilter{
		Tag:    r.URL.Query().Get("tag"),
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.sendFailure(w, r, err, "Failed to list contacts")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: contacts, Total: total, Page: page, Limit: limit})
}

// handleGetContact handles GET /api/v1/contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.Contacts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err, "Failed to load contact")
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Contact not found")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteContact handles DELETE /api/v1/contacts/{id}
func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := s.Contacts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendFailure(w, r, err, "Failed to delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
