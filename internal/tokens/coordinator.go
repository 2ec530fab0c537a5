// Package tokens manages the delegated OAuth credential lifecycle.
//
// The Coordinator hands out currently-valid access tokens, refreshing them
// against the remote issuer when they approach expiry. Refreshes are
// single-flighted per owner: a refresh token is effectively single-use, so
// concurrent callers must share one upstream call rather than race.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gatelink/internal/vault"
)

// Logger defines the logging interface used by the Coordinator.
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

// Config holds refresh policy settings.
type Config struct {
	// RefreshSkew is the safety margin before expiry at which a token is
	// proactively renewed. Default: 5 minutes.
	RefreshSkew time.Duration

	// MaxAttempts bounds the retry cycle for one refresh. Default: 3.
	MaxAttempts int

	// Backoff is the base delay between retries, doubled per attempt
	// (30s -> 60s -> 120s). Default: 30s.
	Backoff time.Duration

	// AttemptTimeout bounds a single issuer call. Default: 15s.
	AttemptTimeout time.Duration

	// FallbackToken is an optional static long-lived token used when no
	// refreshable credential exists. It has no auto-refresh; every use is
	// logged at warning level.
	FallbackToken string
}

// applyDefaults fills zero values with policy defaults.
func (c *Config) applyDefaults() {
	if c.RefreshSkew == 0 {
		c.RefreshSkew = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 30 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 15 * time.Second
	}
}

// Status summarises an owner's connection state for the read API.
type Status struct {
	Connected bool      `json:"connected"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Scopes    []string  `json:"scopes"`
}

// Coordinator hands out valid access tokens, refreshing via the issuer and
// persisting through the vault.
//
// Thread Safety: all methods are safe for concurrent use. A refresh for one
// owner never blocks callers for unrelated owners.
type Coordinator struct {
	vault  *vault.Vault
	issuer Issuer
	cfg    Config
	logger Logger

	// group single-flights refreshes per owner id.
	group singleflight.Group

	// exhausted counts refresh cycles that ended in re-authorization,
	// exposed for observability.
	exhausted atomic.Int64

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(v *vault.Vault, issuer Issuer, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		vault:  v,
		issuer: issuer,
		cfg:    cfg,
		logger: noopLogger{},
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// EnsureValidAccessToken returns an access token guaranteed to be valid for
// at least the configured refresh skew.
//
// If the stored token is fresh it is returned immediately. Otherwise the
// owner's refresh is single-flighted: concurrent callers for the same owner
// await one in-flight refresh and all receive the same token. Callers for
// other owners are never blocked.
//
// Parameters:
//   - ctx: Context for cancellation; bounds the caller's wait
//   - ownerID: Owner whose token is needed
//
// Returns:
//   - string: Valid access token
//   - error: vault.ErrNotFound if the owner never authorized,
//     ErrAuthenticationRequired if the refresh cycle is exhausted or the
//     grant was revoked, otherwise the underlying failure
func (c *Coordinator) EnsureValidAccessToken(ctx context.Context, ownerID string) (string, error) {
	cred, err := c.vault.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, vault.ErrCorruptedCredential) {
			// Integrity signal already logged by the vault; flow-control as
			// unauthenticated.
			err = vault.ErrNotFound
		}
		if errors.Is(err, vault.ErrNotFound) {
			if c.cfg.FallbackToken != "" {
				c.logger.Warn("using static fallback token; no refreshable credential", "owner_id", ownerID)
				return c.cfg.FallbackToken, nil
			}
			return "", fmt.Errorf("owner %s: %w", ownerID, vault.ErrNotFound)
		}
		return "", err
	}

	if c.fresh(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}

	token, err, _ := c.group.Do(ownerID, func() (any, error) {
		// The refresh outcome is shared by every coalesced caller, so the
		// winner's cancellation must not abort it for the rest. Attempt
		// timeouts still bound each issuer call.
		return c.refreshOwner(context.WithoutCancel(ctx), ownerID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil //nolint:errcheck // flight fn always returns string
}

// Authorize completes the initial authorization flow: it exchanges the code
// at the issuer and stores the resulting credential.
func (c *Coordinator) Authorize(ctx context.Context, ownerID, code string) error {
	resp, err := c.issuer.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			return fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
		}
		return err
	}

	now := c.now().UTC()
	if err := c.vault.Store(ctx, ownerID, resp.AccessToken, resp.RefreshToken, resp.ExpiresAt(now), resp.Scopes()); err != nil {
		return fmt.Errorf("storing exchanged credential: %w", err)
	}

	c.logger.Info("authorization complete", "owner_id", ownerID, "scopes", resp.Scope)
	return nil
}

// Disconnect revokes the stored credential locally and (best effort) at the
// issuer.
func (c *Coordinator) Disconnect(ctx context.Context, ownerID string) error {
	cred, err := c.vault.Get(ctx, ownerID)
	if err == nil {
		if revokeErr := c.issuer.Revoke(ctx, cred.RefreshToken); revokeErr != nil {
			c.logger.Warn("issuer revoke failed", "owner_id", ownerID, "error", revokeErr)
		}
	}
	return c.vault.Revoke(ctx, ownerID)
}

// GetStatus reports the owner's connection state for the read API.
func (c *Coordinator) GetStatus(ctx context.Context, ownerID string) (Status, error) {
	cred, err := c.vault.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) || errors.Is(err, vault.ErrCorruptedCredential) {
			return Status{Connected: false, Scopes: []string{}}, nil
		}
		return Status{}, err
	}
	return Status{
		Connected: true,
		ExpiresAt: cred.ExpiresAt,
		Scopes:    cred.Scopes,
	}, nil
}

// SweepExpiring proactively refreshes credentials nearing expiry so
// on-demand callers rarely block. Intended to run from a scheduler task.
//
// Returns the number of credentials refreshed.
func (c *Coordinator) SweepExpiring(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(c.cfg.RefreshSkew)
	owners, err := c.vault.OwnersExpiringBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing expiring credentials: %w", err)
	}

	refreshed := 0
	for _, ownerID := range owners {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := c.EnsureValidAccessToken(ctx, ownerID); err != nil {
			c.logger.Warn("proactive refresh failed", "owner_id", ownerID, "error", err)
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		c.logger.Info("proactive refresh sweep complete", "refreshed", refreshed)
	}
	return refreshed, nil
}

// ExhaustedCount returns how many refresh cycles have ended in
// re-authorization since startup.
func (c *Coordinator) ExhaustedCount() int64 {
	return c.exhausted.Load()
}

// fresh reports whether a token with the given expiry is still usable
// without refresh.
func (c *Coordinator) fresh(expiresAt time.Time) bool {
	return c.now().Before(expiresAt.Add(-c.cfg.RefreshSkew))
}

// refreshOwner runs inside the single-flight group for one owner.
func (c *Coordinator) refreshOwner(ctx context.Context, ownerID string) (string, error) {
	// Re-read under the flight: a sweep or earlier caller may have already
	// refreshed while this caller was queued.
	cred, err := c.vault.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) || errors.Is(err, vault.ErrCorruptedCredential) {
			return "", fmt.Errorf("owner %s: %w", ownerID, vault.ErrNotFound)
		}
		return "", err
	}
	if c.fresh(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}

	resp, err := c.refreshWithRetry(ctx, ownerID, cred.RefreshToken)
	if err != nil {
		return "", err
	}

	now := c.now().UTC()
	if err := c.vault.Store(ctx, ownerID, resp.AccessToken, resp.RefreshToken, resp.ExpiresAt(now), resp.Scopes()); err != nil {
		return "", fmt.Errorf("storing refreshed credential: %w", err)
	}

	c.logger.Debug("token refreshed", "owner_id", ownerID, "expires_at", resp.ExpiresAt(now))
	return resp.AccessToken, nil
}

// refreshWithRetry calls the issuer with bounded retries and exponential
// backoff. Transient failures are absorbed here; they never cross the retry
// boundary. Grant rejections abort immediately.
func (c *Coordinator) refreshWithRetry(ctx context.Context, ownerID, refreshToken string) (*TokenResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		resp, err := c.issuer.Refresh(attemptCtx, refreshToken)
		cancel()

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrInvalidGrant) {
			// The refresh token is dead; retrying cannot help.
			c.exhausted.Add(1)
			c.logger.Error("refresh token rejected by issuer", "owner_id", ownerID, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
		}
		if !IsRetryable(err) {
			c.logger.Error("refresh failed permanently", "owner_id", ownerID, "attempt", attempt, "error", err)
			return nil, err
		}

		if attempt < c.cfg.MaxAttempts {
			delay := c.cfg.Backoff << (attempt - 1)
			c.logger.Warn("refresh attempt failed, backing off",
				"owner_id", ownerID, "attempt", attempt, "delay", delay, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	// Exhausted: raise the alarm and surface "reconnect required" without
	// crashing the process.
	c.exhausted.Add(1)
	c.logger.Error("refresh retries exhausted", "owner_id", ownerID, "attempts", c.cfg.MaxAttempts, "error", lastErr)
	return nil, fmt.Errorf("%w: after %d attempts: %w", ErrAuthenticationRequired, c.cfg.MaxAttempts, lastErr)
}

// sleepContext waits for the duration or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
