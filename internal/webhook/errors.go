package webhook

import "errors"

var (
	// ErrSignatureInvalid indicates the delivery signature did not match
	// the shared secret. Never retried, never processed further.
	ErrSignatureInvalid = errors.New("webhook: signature invalid")

	// ErrMalformedEnvelope indicates an unparseable delivery body.
	ErrMalformedEnvelope = errors.New("webhook: malformed envelope")

	// ErrUnknownLifecycle indicates an unrecognised lifecycle kind.
	ErrUnknownLifecycle = errors.New("webhook: unknown lifecycle")
)
