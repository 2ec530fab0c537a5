package vault

import "errors"

// Domain errors for the vault package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, vault.ErrNotFound) {
//	    // owner must initiate authorization
//	}
var (
	// ErrNotFound is returned when no credential exists for an owner.
	// The caller must initiate the authorization flow; this is never retried.
	ErrNotFound = errors.New("vault: credential not found")

	// ErrCorruptedCredential is returned when a stored credential fails
	// decryption. Distinct from ErrNotFound so callers can log a
	// data-integrity signal while still treating the owner as
	// unauthenticated.
	ErrCorruptedCredential = errors.New("vault: credential corrupted")
)
