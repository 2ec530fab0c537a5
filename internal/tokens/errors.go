package tokens

import "errors"

// Domain errors for the tokens package.
var (
	// ErrAuthenticationRequired is returned when the refresh cycle is
	// exhausted or the issuer rejects the refresh token. The owner must
	// reconnect; this is never retried automatically.
	ErrAuthenticationRequired = errors.New("tokens: authentication required")

	// ErrTransientUpstream is returned for network-level issuer failures.
	// These are absorbed by local retry with backoff.
	ErrTransientUpstream = errors.New("tokens: transient upstream failure")

	// ErrPermanentUpstream is returned when the issuer rejects the request
	// in a way that retrying cannot fix (e.g. invalid_client).
	ErrPermanentUpstream = errors.New("tokens: permanent upstream failure")

	// ErrInvalidGrant is returned when the issuer reports the refresh token
	// or authorization code is no longer valid.
	ErrInvalidGrant = errors.New("tokens: invalid grant")
)
