package broker

import "errors"

// Typed errors surfaced at the broker client boundary. Callers branch on
// these with errors.Is; everything else is wrapped transport context.
var (
	// ErrBatchTooLarge is returned when a quote batch exceeds the broker's
	// 30-symbol per-request limit.
	ErrBatchTooLarge = errors.New("broker: quote batch exceeds 30 symbols")

	// ErrSubscriptionCap is returned when a subscribe would exceed the
	// session-wide slot cap. The planner retries on its next rotation.
	ErrSubscriptionCap = errors.New("broker: subscription cap reached")

	// ErrNotConnected is returned by stream operations while the session is
	// not in the Ready state.
	ErrNotConnected = errors.New("broker: stream not connected")

	// ErrAckTimeout is returned when the broker does not acknowledge a
	// subscribe/unsubscribe control frame in time.
	ErrAckTimeout = errors.New("broker: subscription ack timeout")

	// ErrAuthFailed is returned after the single permitted token-refresh
	// retry also fails. This is fatal for the caller and must be alerted.
	ErrAuthFailed = errors.New("broker: authentication failed after retry")
)
