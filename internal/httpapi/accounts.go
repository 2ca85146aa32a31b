package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/storage"
)

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

type accountRequest struct {
	Name     string `json:"name"`
	BotToken string `json:"bot_token"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name, req.BotToken = strings.TrimSpace(req.Name), strings.TrimSpace(req.BotToken)
	if req.Name == "" || req.BotToken == "" {
		writeError(w, http.StatusBadRequest, "name and bot_token are required")
		return
	}

	if _, err := s.deps.Pool.Probe(r.Context(), req.BotToken); err != nil {
		writeErr(w, err)
		return
	}
	acc, err := s.deps.Store.CreateAccount(r.Context(), storage.Account{Name: req.Name, BotToken: req.BotToken, Active: true})
	if errors.Is(err, storage.ErrConflict) {
		writeError(w, http.StatusConflict, "bot token is already in use")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	s.audit(r.Context(), storage.AuditEntry{Actor: s.clientIP(r), Action: "account.create", Target: strconv.FormatInt(acc.ID, 10), OK: 1})
	writeJSON(w, http.StatusCreated, map[string]any{"id": acc.ID, "name": acc.Name, "message": "account added"})
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var patch storage.AccountPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	old, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if patch.BotToken != nil {
		if _, err := s.deps.Pool.Probe(r.Context(), *patch.BotToken); err != nil {
			writeErr(w, err)
			return
		}
	}
	acc, err := s.deps.Store.UpdateAccount(r.Context(), id, patch)
	if errors.Is(err, storage.ErrConflict) {
		writeError(w, http.StatusConflict, "bot token is already in use")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if acc.BotToken != old.BotToken || !acc.Active {
		s.deps.Pool.Forget(old.BotToken)
	}
	s.audit(r.Context(), storage.AuditEntry{Actor: s.clientIP(r), Action: "account.update", Target: strconv.FormatInt(id, 10), OK: 1})
	writeJSON(w, http.StatusOK, map[string]any{"message": "account updated", "account": acc})
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	acc, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.deps.Store.DeleteAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	s.deps.Pool.Forget(acc.BotToken)
	s.audit(r.Context(), storage.AuditEntry{Actor: s.clientIP(r), Action: "account.delete", Target: strconv.FormatInt(id, 10), OK: 1})
	writeJSON(w, http.StatusOK, message("account deleted"))
}

func (s *Server) testAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BotToken) == "" {
		writeError(w, http.StatusBadRequest, "bot_token is required")
		return
	}
	start := time.Now()
	info, err := s.deps.Pool.Probe(r.Context(), strings.TrimSpace(req.BotToken))
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"bot_info": info,
		"message":  "bot token is valid",
		"took_ms":  time.Since(start).Milliseconds(),
	})
}
