package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	logx "courier/pkg/logx"
)

const (
	headerAPIKey = "X-API-Key"
	queryAPIKey  = "api_key"
)

// resolveAPIKey returns the configured key, or outside production a random
// per-process key that is logged once.
func resolveAPIKey(cfg Config, log logx.Logger) string {
	if k := strings.TrimSpace(cfg.APIKey); k != "" {
		return k
	}
	if cfg.Production {
		log.Error("no API key configured; /api is disabled")
		return ""
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Error("api key generation failed", logx.Err(err))
		return ""
	}
	key := hex.EncodeToString(b)
	log.Warn("no API key configured; using a temporary key for this process",
		logx.String("api_key", key))
	return key
}

// authenticate accepts the key from the X-API-Key header or the api_key
// query parameter (EventSource cannot set headers).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.key == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "server configuration error: API key not set",
				"hint":  "set ADMIN_API_KEY",
			})
			return
		}
		got := r.Header.Get(headerAPIKey)
		if got == "" {
			got = r.URL.Query().Get(queryAPIKey)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.key)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized: valid API key required",
				"hint":  "send the key in the X-API-Key header or the api_key query parameter",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authInfoResponse struct {
	HasKey     bool   `json:"hasKey"`
	IsFromEnv  bool   `json:"isFromEnv"`
	KeyPreview string `json:"keyPreview,omitempty"`
	FullKey    string `json:"fullKey,omitempty"`
}

// authInfo lets the bundled web UI pick up the key during development.
func (s *Server) authInfo(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Production {
		writeError(w, http.StatusNotFound, "not available in production")
		return
	}
	resp := authInfoResponse{HasKey: s.key != "", IsFromEnv: s.cfg.KeyFromEnv, FullKey: s.key}
	if len(s.key) > 12 {
		resp.KeyPreview = s.key[:8] + "..." + s.key[len(s.key)-4:]
	}
	writeJSON(w, http.StatusOK, resp)
}
