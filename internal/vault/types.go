package vault

import (
	"strings"
	"time"
)

// Credential is a decrypted credential record for one owner.
//
// Exactly one credential exists per owner. The encrypted columns never leave
// the repository; callers only see the recovered plaintext tokens.
type Credential struct {
	// OwnerID identifies the installation/user this credential belongs to.
	OwnerID string

	// AccessToken is the current access token (plaintext, in memory only).
	AccessToken string

	// RefreshToken is the current refresh token (plaintext, in memory only).
	RefreshToken string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time

	// Scopes are the granted OAuth scopes.
	Scopes []string

	// CreatedAt is when the credential was first stored.
	CreatedAt time.Time

	// UpdatedAt is when the credential was last refreshed.
	UpdatedAt time.Time
}

// joinScopes serialises scopes for storage as a single space-separated column.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// splitScopes parses the stored scope column back into a slice.
func splitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Fields(s)
}
