// Package vault persists OAuth credentials encrypted at rest.
//
// One credential row exists per owner. Access and refresh tokens are sealed
// individually with cryptobox (AES-256-GCM), each with its own nonce and auth
// tag, so plaintext tokens never touch the database file.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gatelink/internal/cryptobox"
)

// Logger defines the logging interface used by the Vault.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Vault is the SQLite-backed encrypted credential store.
//
// Thread Safety: all methods are safe for concurrent use. SQLite serialises
// the single mutating writer per owner row; readers proceed under WAL mode.
type Vault struct {
	db     *sql.DB
	box    *cryptobox.Box
	logger Logger

	// healed guards the one-shot schema self-healing path.
	healed   bool
	healedMu sync.Mutex
}

// New creates a credential vault backed by the given database connection.
func New(db *sql.DB, box *cryptobox.Box) *Vault {
	return &Vault{
		db:     db,
		box:    box,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the vault.
func (v *Vault) SetLogger(logger Logger) {
	v.logger = logger
}

// Get retrieves and decrypts the credential for an owner.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - ownerID: Owner whose credential to load
//
// Returns:
//   - *Credential: Decrypted credential
//   - error: ErrNotFound if absent, ErrCorruptedCredential if decryption
//     fails, otherwise the underlying database error
func (v *Vault) Get(ctx context.Context, ownerID string) (*Credential, error) {
	var (
		cred                 Credential
		accessCT, accessIV   []byte
		accessTag            []byte
		refreshCT, refreshIV []byte
		refreshTag           []byte
		expiresAt            string
		scopes               string
		createdAt, updatedAt string
	)

	err := v.db.QueryRowContext(ctx,
		`SELECT owner_id, access_token_encrypted, access_iv, access_tag,
		        refresh_token_encrypted, refresh_iv, refresh_tag,
		        expires_at, scopes, created_at, updated_at
		 FROM credentials WHERE owner_id = ?`, ownerID,
	).Scan(&cred.OwnerID, &accessCT, &accessIV, &accessTag,
		&refreshCT, &refreshIV, &refreshTag,
		&expiresAt, &scopes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if healErr := v.selfHeal(ctx, err); healErr == nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}

	access, err := v.box.Decrypt(cryptobox.Sealed{Ciphertext: accessCT, Nonce: accessIV, Tag: accessTag})
	if err != nil {
		v.logger.Error("credential decryption failed", "owner_id", ownerID, "token", "access")
		return nil, fmt.Errorf("%w: access token: %w", ErrCorruptedCredential, err)
	}
	refresh, err := v.box.Decrypt(cryptobox.Sealed{Ciphertext: refreshCT, Nonce: refreshIV, Tag: refreshTag})
	if err != nil {
		v.logger.Error("credential decryption failed", "owner_id", ownerID, "token", "refresh")
		return nil, fmt.Errorf("%w: refresh token: %w", ErrCorruptedCredential, err)
	}

	cred.AccessToken = string(access)
	cred.RefreshToken = string(refresh)
	cred.Scopes = splitScopes(scopes)
	cred.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	cred.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	cred.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &cred, nil
}

// Store encrypts and upserts the credential for an owner.
//
// Exactly one row exists per owner: an existing row is fully replaced, but
// the original created_at is preserved.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - ownerID: Owner to store for
//   - access, refresh: Plaintext tokens to seal
//   - expiresAt: Access token expiry
//   - scopes: Granted OAuth scopes
//
// Returns:
//   - error: nil on success, otherwise the underlying error
func (v *Vault) Store(ctx context.Context, ownerID, access, refresh string, expiresAt time.Time, scopes []string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}

	sealedAccess, err := v.box.Encrypt([]byte(access))
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}
	sealedRefresh, err := v.box.Encrypt([]byte(refresh))
	if err != nil {
		return fmt.Errorf("sealing refresh token: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	_, err = v.db.ExecContext(ctx,
		`INSERT INTO credentials (owner_id, access_token_encrypted, access_iv, access_tag,
		                          refresh_token_encrypted, refresh_iv, refresh_tag,
		                          expires_at, scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		     access_token_encrypted = excluded.access_token_encrypted,
		     access_iv = excluded.access_iv,
		     access_tag = excluded.access_tag,
		     refresh_token_encrypted = excluded.refresh_token_encrypted,
		     refresh_iv = excluded.refresh_iv,
		     refresh_tag = excluded.refresh_tag,
		     expires_at = excluded.expires_at,
		     scopes = excluded.scopes,
		     updated_at = excluded.updated_at`,
		ownerID, sealedAccess.Ciphertext, sealedAccess.Nonce, sealedAccess.Tag,
		sealedRefresh.Ciphertext, sealedRefresh.Nonce, sealedRefresh.Tag,
		expiresAt.UTC().Format(time.RFC3339), joinScopes(scopes), now, now,
	)
	if err != nil {
		if healErr := v.selfHeal(ctx, err); healErr == nil {
			// Schema was just recreated; retry the insert once.
			return v.Store(ctx, ownerID, access, refresh, expiresAt, scopes)
		}
		return fmt.Errorf("storing credential: %w", err)
	}

	return nil
}

// Revoke deletes the credential for an owner.
// Safe to call even if no credential exists.
func (v *Vault) Revoke(ctx context.Context, ownerID string) error {
	_, err := v.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE owner_id = ?", ownerID)
	if err != nil {
		if healErr := v.selfHeal(ctx, err); healErr == nil {
			return nil
		}
		return fmt.Errorf("revoking credential: %w", err)
	}
	return nil
}

// OwnersExpiringBefore returns the owner ids whose access tokens expire
// before the cutoff. Used by the proactive refresh sweep.
func (v *Vault) OwnersExpiringBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := v.db.QueryContext(ctx,
		"SELECT owner_id FROM credentials WHERE expires_at < ? ORDER BY expires_at",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		if healErr := v.selfHeal(ctx, err); healErr == nil {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing expiring credentials: %w", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var ownerID string
		if err := rows.Scan(&ownerID); err != nil {
			return nil, fmt.Errorf("scanning owner id: %w", err)
		}
		owners = append(owners, ownerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expiring credentials: %w", err)
	}
	return owners, nil
}

// selfHeal recreates the credentials schema once if the backing store is
// structurally uninitialized (e.g., a freshly created empty file). This
// avoids a crash on a missing table; callers treat the owner as
// unauthenticated instead.
//
// Returns nil if the schema was recreated, otherwise the original error.
func (v *Vault) selfHeal(ctx context.Context, cause error) error {
	if cause == nil || !strings.Contains(cause.Error(), "no such table") {
		return cause
	}

	v.healedMu.Lock()
	defer v.healedMu.Unlock()
	if v.healed {
		return cause
	}

	v.logger.Warn("credential store uninitialized, recreating schema", "error", cause)

	if _, err := v.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
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
		) STRICT
	`); err != nil {
		return cause
	}

	v.healed = true
	return nil
}
