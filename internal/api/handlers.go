package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/webhook"
)

// signatureHeader carries the HMAC signature of the raw webhook body.
const signatureHeader = "X-Signature"

// maxEventPageSize caps the events query page size.
const maxEventPageSize = 1000

// handleWebhook accepts one signed delivery.
//
// The handler stays inside the upstream acknowledgment budget: signature
// verification plus one durable enqueue, nothing else. Lifecycle replies
// (ping challenge, confirmation) are returned inline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable request body")
		return
	}

	result, err := s.gateway.Handle(r.Context(), rawBody, r.Header.Get(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrSignatureInvalid):
			writeUnauthorized(w, "signature verification failed")
		case errors.Is(err, webhook.ErrMalformedEnvelope), errors.Is(err, webhook.ErrUnknownLifecycle):
			writeBadRequest(w, "unprocessable delivery")
		default:
			s.logger.Error("webhook intake failed", "error", err)
			writeInternalError(w, "delivery not accepted")
		}
		return
	}

	if result.InlineResponse != nil {
		writeJSON(w, http.StatusOK, result.InlineResponse)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleListEvents serves the filtered event query with coverage metadata.
//
// Query parameters: device_id, capability, since (RFC3339), limit, cursor.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := event.Filter{
		DeviceID:   r.URL.Query().Get("device_id"),
		Capability: r.URL.Query().Get("capability"),
		Cursor:     r.URL.Query().Get("cursor"),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = parsed
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 1 || parsed > maxEventPageSize {
			writeBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = parsed
	}

	page, err := s.events.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("event query failed", "error", err)
		writeBadRequest(w, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// handleStatus reports the upstream connection status for an owner.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		ownerID = defaultOwnerID
	}

	status, err := s.coordinator.GetStatus(r.Context(), ownerID)
	if err != nil {
		s.logger.Error("status lookup failed", "owner_id", ownerID, "error", err)
		writeInternalError(w, "status unavailable")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the response body for POST /auth/login.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleLogin authenticates a consumer and returns a JWT token.
//
// The consumer account comes from configuration: a username and an Argon2id
// PHC password hash. Login is rejected outright until both are configured.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	consumer := s.secCfg.Consumer
	if consumer.Username == "" || consumer.PasswordHash == "" {
		s.logger.Warn("login attempted with no consumer account configured")
		writeUnauthorized(w, "invalid credentials")
		return
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(consumer.Username)) == 1
	passwordMatch, err := VerifyPassword(req.Password, consumer.PasswordHash)
	if err != nil {
		s.logger.Error("consumer password hash is malformed", "error", err)
		writeInternalError(w, "login unavailable")
		return
	}
	if !usernameMatch || !passwordMatch {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	if ttl == 0 {
		ttl = 15 // minutes
	}

	claims := jwt.MapClaims{
		"sub": req.Username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Duration(ttl) * time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secCfg.JWT.Secret))
	if err != nil {
		writeInternalError(w, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60, // seconds
	})
}
