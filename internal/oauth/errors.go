package oauth

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when a callback carries a state token that is
// unknown, already consumed, or past its lifetime. Replayed and expired
// callbacks are indistinguishable to the caller on purpose.
var ErrInvalidState = errors.New("invalid or expired state token")

// ErrUnknownClient is returned when a flow references a client_id with no
// stored registration.
var ErrUnknownClient = errors.New("unknown client registration")

// ErrInvalidGrant is returned when an authorization code or protocol refresh
// token is unknown, expired, issued to a different client, or the requested
// scopes exceed the original grant.
var ErrInvalidGrant = errors.New("invalid grant")

// ErrUnauthorizedClient is returned when a registered client asks for a grant
// type its registration does not include.
var ErrUnauthorizedClient = errors.New("grant type not allowed for client")

// ErrInvalidRedirect is returned when an authorization request carries a
// redirect_uri the client did not register.
var ErrInvalidRedirect = errors.New("redirect_uri not registered for client")

// ExchangeError reports a failed code exchange with Slack. Reason carries the
// provider's error code when the provider rejected the exchange, or a local
// description when it was unreachable.
type ExchangeError struct {
	Reason string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code exchange failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("code exchange failed: %s", e.Reason)
}

func (e *ExchangeError) Unwrap() error { return e.Err }
