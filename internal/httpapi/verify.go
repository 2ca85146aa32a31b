package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/internal/ratelimit"
	"courier/internal/verify"
	logx "courier/pkg/logx"
)

type verifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type rejection struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func writeRejection(w http.ResponseWriter, reason string, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, rejection{Error: reason, RetryAfter: secs})
}

func (s *Server) verifyRequest(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := s.deps.Verify.Request(r.Context(), strings.TrimSpace(req.Phone), s.clientIP(r))
	var rejected *verify.RejectedError
	switch {
	case errors.As(err, &rejected):
		writeRejection(w, rejected.Decision.Reason.String(), rejected.Decision.RetryAfter)
		return
	case err != nil:
		if statusFor(err) >= http.StatusInternalServerError {
			s.log.Warn("verification request failed", logx.Err(err))
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "verification code sent",
		"phone":      issued.Masked,
		"expires_at": issued.ExpiresAt,
	})
}

func (s *Server) verifyConfirm(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	res, err := s.deps.Verify.Confirm(r.Context(), strings.TrimSpace(req.Phone), code)
	if err != nil {
		writeErr(w, err)
		return
	}
	switch res.Status {
	case verify.StatusVerified:
		writeJSON(w, http.StatusOK, map[string]any{"verified": true, "status": res.Status.String()})
	case verify.StatusLocked:
		writeRejection(w, ratelimit.ReasonLocked.String(), res.RetryAfter)
	case verify.StatusExpired:
		writeJSON(w, http.StatusBadRequest, map[string]any{"verified": false, "status": res.Status.String(), "error": "code expired"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"verified": false, "status": res.Status.String(), "error": "invalid code"})
	}
}
