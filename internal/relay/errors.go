package relay

import "errors"

// Codec error kinds. A failed REQ/RST decode is always fatal to the
// tunnel: a bad digest means either tampering or cipher desync, and
// neither is recoverable by retrying.
var (
	ErrDigestLength     = errors.New("relay: incorrect digest length")
	ErrAuthFailed       = errors.New("relay: authentication failed")
	ErrInvalidTimestamp = errors.New("relay: invalid timestamp")
	ErrExpired          = errors.New("relay: request expired")
	ErrMalformedAddr    = errors.New("relay: malformed address header")
)

// ErrForbidden is returned when an operation is attempted from a state
// that does not allow it (e.g. SetProxy while RESETTING).
var ErrForbidden = errors.New("relay: operation not allowed in current state")

// ErrKeylessInsecure is returned by NewEndpoint when no pre-shared key is
// configured and the carrier is not TLS-protected: the HMAC integrity
// check has no key to use, so frame tampering would go undetected.
var ErrKeylessInsecure = errors.New("relay: no pre-shared key and tun_ssl=false is not a supported configuration")
