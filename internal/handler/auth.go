package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wellspring-kb/session-controller/internal/middleware"
)

// AuthHandler issues bearer tokens. This is a development convenience;
// production deployments front the gateway with a real identity provider.
type AuthHandler struct {
	secret     string
	expiration time.Duration
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(secret string, expiration time.Duration) *AuthHandler {
	return &AuthHandler{secret: secret, expiration: expiration}
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token handles POST /auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	expiresAt := time.Now().Add(h.expiration)
	token, err := middleware.IssueToken(h.secret, req.UserID, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, &tokenResponse{Token: token, ExpiresAt: expiresAt})
}
