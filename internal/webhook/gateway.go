// Package webhook verifies, classifies, and durably accepts signed inbound
// deliveries, and processes the queue jobs they produce.
//
// Intake does exactly two things on the request path: constant-time
// signature verification over the raw body, and a durable enqueue. All
// heavier work happens asynchronously in queue handlers, keeping the
// acknowledgment well inside the upstream platform's timeout.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Logger defines the logging interface used by the webhook package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Enqueuer durably accepts a job for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
}

// Gateway is the signed webhook intake.
type Gateway struct {
	secret []byte
	queue  Enqueuer
	logger Logger
}

// New creates a gateway verifying deliveries against the shared secret.
func New(secret string, queue Enqueuer) *Gateway {
	return &Gateway{
		secret: []byte(secret),
		queue:  queue,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the gateway.
func (g *Gateway) SetLogger(logger Logger) {
	g.logger = logger
}

// Handle verifies and classifies one delivery.
//
// PING and CONFIRMATION are answered inline without touching the queue.
// EVENT and UNINSTALL are durably enqueued; the job id is in the result.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - rawBody: The unparsed request body the signature covers
//   - signature: The delivery's signature header value
//
// Returns:
//   - *Result: Classification plus inline response or job id
//   - error: ErrSignatureInvalid, ErrMalformedEnvelope, ErrUnknownLifecycle,
//     or the enqueue error
func (g *Gateway) Handle(ctx context.Context, rawBody []byte, signature string) (*Result, error) {
	if !g.verifySignature(rawBody, signature) {
		g.logger.Warn("rejected delivery with invalid signature", "body_bytes", len(rawBody))
		return nil, ErrSignatureInvalid
	}

	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	switch env.Lifecycle {
	case LifecyclePing:
		return g.handlePing(&env)
	case LifecycleConfirmation:
		return g.handleConfirmation(&env)
	case LifecycleEvent:
		return g.handleEvent(ctx, &env)
	case LifecycleUninstall:
		return g.handleUninstall(ctx, &env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLifecycle, env.Lifecycle)
	}
}

// handlePing echoes the challenge inline.
func (g *Gateway) handlePing(env *Envelope) (*Result, error) {
	if env.PingData == nil {
		return nil, fmt.Errorf("%w: ping without pingData", ErrMalformedEnvelope)
	}
	return &Result{
		Lifecycle:      LifecyclePing,
		InlineResponse: map[string]any{"pingData": PingData{Challenge: env.PingData.Challenge}},
	}, nil
}

// handleConfirmation replies with the confirmation data inline.
func (g *Gateway) handleConfirmation(env *Envelope) (*Result, error) {
	if env.ConfirmationData == nil {
		return nil, fmt.Errorf("%w: confirmation without confirmationData", ErrMalformedEnvelope)
	}
	g.logger.Info("confirmation delivery received", "app_id", env.ConfirmationData.AppID)
	return &Result{
		Lifecycle:      LifecycleConfirmation,
		InlineResponse: map[string]any{"targetUrl": env.ConfirmationData.ConfirmationURL},
	}, nil
}

// handleEvent enqueues a normalize job carrying the delivered events, each
// with a guaranteed event id.
func (g *Gateway) handleEvent(ctx context.Context, env *Envelope) (*Result, error) {
	if env.EventData == nil || len(env.EventData.Events) == 0 {
		return nil, fmt.Errorf("%w: event without eventData", ErrMalformedEnvelope)
	}

	events := make([]DeviceEvent, len(env.EventData.Events))
	for i, ev := range env.EventData.Events {
		if ev.EventID == "" {
			ev.EventID = DeriveEventID(ev)
		}
		events[i] = ev
	}

	payload, err := json.Marshal(EventJobPayload{
		OwnerID: env.EventData.OwnerID,
		Events:  events,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event job: %w", err)
	}

	jobID, err := g.queue.Enqueue(ctx, JobKindEvent, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueueing event job: %w", err)
	}

	g.logger.Debug("event delivery accepted", "job_id", jobID, "events", len(events))
	return &Result{Lifecycle: LifecycleEvent, JobID: jobID}, nil
}

// handleUninstall enqueues a cleanup job for the removed installation.
func (g *Gateway) handleUninstall(ctx context.Context, env *Envelope) (*Result, error) {
	if env.UninstallData == nil || env.UninstallData.OwnerID == "" {
		return nil, fmt.Errorf("%w: uninstall without owner", ErrMalformedEnvelope)
	}

	payload, err := json.Marshal(UninstallJobPayload{OwnerID: env.UninstallData.OwnerID})
	if err != nil {
		return nil, fmt.Errorf("encoding uninstall job: %w", err)
	}

	jobID, err := g.queue.Enqueue(ctx, JobKindUninstall, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueueing uninstall job: %w", err)
	}

	g.logger.Info("uninstall delivery accepted", "job_id", jobID, "owner_id", env.UninstallData.OwnerID)
	return &Result{Lifecycle: LifecycleUninstall, JobID: jobID}, nil
}

// verifySignature checks the HMAC-SHA256 signature over the raw body in
// constant time. An optional "sha256=" prefix on the header is accepted.
func (g *Gateway) verifySignature(rawBody []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(rawBody) //nolint:errcheck // hash writes never fail
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature header value for a body, for outbound tests
// and local tooling.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody) //nolint:errcheck // hash writes never fail
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// DeriveEventID deterministically derives an id for a delivery that carries
// none, so re-deliveries of the same observation stay idempotent.
func DeriveEventID(ev DeviceEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", //nolint:errcheck // hash writes never fail
		ev.DeviceID, ev.Capability, ev.Attribute, string(ev.Value),
		ev.EventTime.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	return hex.EncodeToString(h.Sum(nil))
}
