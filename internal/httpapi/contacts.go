package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"courier/internal/storage"
)

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseID(r.URL.Query().Get("account_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	contacts, err := s.deps.Store.ListContacts(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

type contactRequest struct {
	Name      *string     `json:"name"`
	ChatID    *flexString `json:"chat_id"`
	AccountID *flexID     `json:"account_id"`
}

func (c contactRequest) values() (name, chatID string, accountID int64) {
	if c.Name != nil {
		name = strings.TrimSpace(*c.Name)
	}
	if c.ChatID != nil {
		chatID = strings.TrimSpace(string(*c.ChatID))
	}
	if c.AccountID != nil {
		accountID = int64(*c.AccountID)
	}
	return name, chatID, accountID
}

// requireAccount reports a missing account as a client error.
func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request, id int64) bool {
	_, err := s.deps.Store.GetAccount(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "account not found")
		return false
	}
	if err != nil {
		writeErr(w, err)
		return false
	}
	return true
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, chatID, accountID := req.values()
	if name == "" || chatID == "" || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "name, chat_id and account_id are required")
		return
	}
	if !s.requireAccount(w, r, accountID) {
		return
	}
	c, err := s.deps.Store.CreateContact(r.Context(), storage.Contact{Name: name, ChatID: chatID, AccountID: accountID})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"chat_id":    c.ChatID,
		"account_id": c.AccountID,
		"message":    "contact added",
	})
}

func (s *Server) updateContact(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, chatID, accountID := req.values()
	var patch storage.ContactPatch
	if name != "" {
		patch.Name = &name
	}
	if chatID != "" {
		patch.ChatID = &chatID
	}
	if accountID > 0 {
		patch.AccountID = &accountID
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if patch.AccountID != nil && !s.requireAccount(w, r, accountID) {
		return
	}
	c, err := s.deps.Store.UpdateContact(r.Context(), id, patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "contact updated", "contact": c})
}

func (s *Server) deleteContact(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	if err := s.deps.Store.DeleteContact(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, message("contact deleted"))
}

type importRequest struct {
	AccountID flexID           `json:"account_id"`
	Contacts  []contactRequest `json:"contacts"`
}

type importResponse struct {
	Message      string   `json:"message"`
	SuccessCount int      `json:"successCount"`
	ErrorCount   int      `json:"errorCount"`
	Errors       []string `json:"errors"`
}

// importContacts inserts rows one by one; a bad row is reported and skipped.
func (s *Server) importContacts(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID := int64(req.AccountID)
	if req.Contacts == nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "contacts array and account_id are required")
		return
	}
	if !s.requireAccount(w, r, accountID) {
		return
	}

	resp := importResponse{Errors: []string{}}
	for i, row := range req.Contacts {
		name, chatID, _ := row.values()
		if name == "" || chatID == "" {
			resp.ErrorCount++
			resp.Errors = append(resp.Errors, fmt.Sprintf("row %d: name or chat_id missing", i+1))
			continue
		}
		if _, err := s.deps.Store.CreateContact(r.Context(), storage.Contact{Name: name, ChatID: chatID, AccountID: accountID}); err != nil {
			resp.ErrorCount++
			resp.Errors = append(resp.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		resp.SuccessCount++
	}
	resp.Message = fmt.Sprintf("import finished: %d added, %d failed", resp.SuccessCount, resp.ErrorCount)
	s.audit(r.Context(), storage.AuditEntry{
		Actor:  s.clientIP(r),
		Action: "contacts.import",
		Target: strconv.FormatInt(accountID, 10),
		OK:     resp.SuccessCount,
		Fail:   resp.ErrorCount,
	})
	writeJSON(w, http.StatusOK, resp)
}
