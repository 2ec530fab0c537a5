package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/gatelink/internal/cryptobox"
	"github.com/nerrad567/gatelink/internal/event"
	"github.com/nerrad567/gatelink/internal/infrastructure/config"
	"github.com/nerrad567/gatelink/internal/infrastructure/logging"
	"github.com/nerrad567/gatelink/internal/queue"
	"github.com/nerrad567/gatelink/internal/tokens"
	"github.com/nerrad567/gatelink/internal/vault"
	"github.com/nerrad567/gatelink/internal/webhook"
)

const (
	testWebhookSecret    = "test-webhook-secret"
	testJWTSecret        = "test-jwt-secret-at-least-32-chars!!"
	testConsumerUsername = "home-app"
	testConsumerPassword = "correct-horse-battery-staple"
)

// stubIssuer satisfies tokens.Issuer for wiring; API tests never refresh.
type stubIssuer struct{}

func (stubIssuer) Exchange(context.Context, string) (*tokens.TokenResponse, error) {
	return &tokens.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600}, nil
}

func (stubIssuer) Refresh(context.Context, string) (*tokens.TokenResponse, error) {
	return &tokens.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600}, nil
}

func (stubIssuer) Revoke(context.Context, string) error { return nil }

// testServer wires a server over in-memory storage and returns it with its
// backing pieces. The consumer account is configured with the test password.
func testServer(t *testing.T) (*Server, *vault.Vault, *event.Store) {
	t.Helper()

	hash, err := HashPassword(testConsumerPassword)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	return testServerWithConsumer(t, config.ConsumerConfig{
		Username:     testConsumerUsername,
		PasswordHash: hash,
	})
}

func testServerWithConsumer(t *testing.T, consumer config.ConsumerConfig) (*Server, *vault.Vault, *event.Store) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE credentials (
			owner_id                TEXT PRIMARY KEY,
			access_token_encrypted  BLOB NOT NULL,
			access_iv               BLOB NOT NULL,
			access_tag              BLOB NOT NULL,
			refresh_token_encrypted BLOB NOT NULL,
			refresh_iv              BLOB NOT NULL,
			refresh_tag             BLOB NOT NULL,
			expires_at              TEXT NOT NULL,
			scopes                  TEXT NOT NULL DEFAULT '',
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		) STRICT;
		CREATE TABLE queue_jobs (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			available_at TEXT NOT NULL,
			enqueued_at  TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			last_error   TEXT
		) STRICT;
		CREATE TABLE events (
			event_id      TEXT PRIMARY KEY,
			device_id     TEXT NOT NULL,
			capability    TEXT NOT NULL,
			attribute     TEXT NOT NULL,
			value         TEXT NOT NULL,
			value_type    TEXT NOT NULL,
			state_changed INTEGER NOT NULL DEFAULT 1,
			platform      TEXT NOT NULL DEFAULT '',
			extras        TEXT,
			observed_at   TEXT NOT NULL,
			ingested_at   TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create test schema: %v", err)
	}

	box, err := cryptobox.New("test-master-secret", "")
	if err != nil {
		t.Fatalf("creating cryptobox: %v", err)
	}
	v := vault.New(db, box)
	coordinator := tokens.NewCoordinator(v, stubIssuer{}, tokens.Config{})
	store := event.NewStore(db, event.StoreConfig{})
	q := queue.New(db, queue.Config{})
	gateway := webhook.New(testWebhookSecret, q)

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "json", Output: "stdout"}, "test")

	s, err := New(Deps{
		Config:      config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:          config.WebSocketConfig{PingInterval: 30, PongTimeout: 10, MaxMessageSize: 8192},
		Security: config.SecurityConfig{
			JWT:      config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15},
			Consumer: consumer,
		},
		Logger:      logger,
		Gateway:     gateway,
		Coordinator: coordinator,
		Events:      store,
		Broadcaster: event.NewBroadcaster(event.BroadcasterConfig{}),
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return s, v, store
}

// login obtains a bearer token through the real login endpoint.
func login(t *testing.T, handler http.Handler) string {
	t.Helper()

	body, err := json.Marshal(loginRequest{Username: testConsumerUsername, Password: testConsumerPassword})
	if err != nil {
		t.Fatalf("marshalling login request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return resp.AccessToken
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()

	body, err := json.Marshal(webhook.Envelope{
		Lifecycle: webhook.LifecycleEvent,
		EventData: &webhook.EventData{
			OwnerID: "owner-1",
			Events: []webhook.DeviceEvent{{
				EventID:    "evt-1",
				DeviceID:   "device-1",
				Capability: "switch",
				Attribute:  "switch",
				Value:      json.RawMessage(`"on"`),
				EventTime:  time.Now().UTC(),
			}},
		},
	})
	if err != nil {
		t.Fatalf("marshalling envelope: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, webhook.Sign(testWebhookSecret, body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()

	body := []byte(`{"lifecycle":"PING","pingData":{"challenge":"c"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, webhook.Sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookEchoesPingChallenge(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()

	body := []byte(`{"lifecycle":"PING","pingData":{"challenge":"challenge-123"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, webhook.Sign(testWebhookSecret, body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var reply struct {
		PingData struct {
			Challenge string `json:"challenge"`
		} `json:"pingData"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.PingData.Challenge != "challenge-123" {
		t.Errorf("challenge = %q, want echoed challenge", reply.PingData.Challenge)
	}
}

func TestEventsEndpointRequiresAuth(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with garbage token = %d, want 401", rec.Code)
	}
}

func TestEventsEndpointShape(t *testing.T) {
	s, _, store := testServer(t)
	handler := s.buildRouter()
	ctx := context.Background()

	observedAt := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	_, err := store.Append(ctx, &event.NormalizedEvent{
		EventID:    "evt-1",
		DeviceID:   "device-1",
		Capability: "switch",
		Attribute:  "switch",
		Value:      "on",
		ValueType:  "string",
		ObservedAt: observedAt,
	})
	if err != nil {
		t.Fatalf("seeding event: %v", err)
	}

	token := login(t, handler)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?device_id=device-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var page struct {
		Events  []map[string]any `json:"events"`
		HasMore bool             `json:"has_more"`
		Total   int              `json:"total"`
		Gaps    []any            `json:"gaps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decoding page: %v", err)
	}
	if page.Total != 1 || len(page.Events) != 1 {
		t.Errorf("page = %+v, want one event", page)
	}
	if page.Gaps == nil {
		t.Error("gaps field absent, want present (possibly empty)")
	}
	if page.Events[0]["event_id"] != "evt-1" {
		t.Errorf("event_id = %v, want evt-1", page.Events[0]["event_id"])
	}
}

func TestEventsEndpointValidation(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()
	token := login(t, handler)

	tests := []struct {
		name string
		url  string
	}{
		{"bad since", "/api/v1/events?since=yesterday"},
		{"bad limit", "/api/v1/events?limit=0"},
		{"limit too large", "/api/v1/events?limit=99999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, v, _ := testServer(t)
	handler := s.buildRouter()
	token := login(t, handler)

	// Disconnected before any credential exists.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var status struct {
		Connected bool     `json:"connected"`
		Scopes    []string `json:"scopes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Connected {
		t.Error("connected = true with no credential, want false")
	}

	// Connected once a credential is stored for the default owner.
	expiresAt := time.Now().UTC().Add(time.Hour)
	if err := v.Store(context.Background(), defaultOwnerID, "at", "rt", expiresAt, []string{"r:devices"}); err != nil {
		t.Fatalf("storing credential: %v", err)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if !status.Connected || len(status.Scopes) != 1 {
		t.Errorf("status = %+v, want connected with scopes", status)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", testConsumerUsername, "wrong"},
		{"wrong username", "someone-else", testConsumerPassword},
		{"well-known defaults", "admin", "admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(loginRequest{Username: tt.username, Password: tt.password})
			if err != nil {
				t.Fatalf("marshalling login request: %v", err)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

// TestLoginRejectedWhenUnconfigured verifies login never succeeds by default:
// without a configured consumer account every attempt is rejected.
func TestLoginRejectedWhenUnconfigured(t *testing.T) {
	s, _, _ := testServerWithConsumer(t, config.ConsumerConfig{})
	handler := s.buildRouter()

	for _, creds := range []loginRequest{
		{Username: "admin", Password: "admin"},
		{Username: "", Password: ""},
		{Username: testConsumerUsername, Password: testConsumerPassword},
	} {
		body, err := json.Marshal(creds)
		if err != nil {
			t.Fatalf("marshalling login request: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("login %q status = %d, want 401", creds.Username, rec.Code)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health["status"] != "ok" || health["version"] != "test" {
		t.Errorf("health = %v, want ok/test", health)
	}
}

// TestServerLifecycle verifies Start brings the listener up and Close shuts
// it down cleanly.
func TestServerLifecycle(t *testing.T) {
	s, _, _ := testServer(t)
	ctx := context.Background()

	if err := s.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() before Start = nil, want not-started error")
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() after Start = %v, want nil", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
