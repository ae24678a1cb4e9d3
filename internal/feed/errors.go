package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is wrapped by ConnectionError when the handshake does
	// not complete within Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrClosed is returned to Connect callers whose attempt was cancelled by
	// Disconnect.
	ErrClosed = errors.New("manager disconnected")

	// ErrInvalidSubscription is returned by Subscribe for an empty symbol or
	// nil handler.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// ConnectionError is a handshake failure, timeout or transport drop.
type ConnectionError struct {
	Op  string // "connect" or "read"
	Err error
}

func (e *ConnectionError) Error() string {
	return "feed " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MessageParseError is a malformed inbound frame. It is logged and the frame
// dropped; subscribers never see it.
type MessageParseError struct {
	Raw []byte
	Err error
}

func (e *MessageParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120]
	}
	return fmt.Sprintf("feed: parse frame: %v (raw: %s)", e.Err, raw)
}

func (e *MessageParseError) Unwrap() error {
	return e.Err
}

// SubscriberCallbackError records a panic recovered from a subscriber's
// handler. Other subscribers are still notified.
type SubscriberCallbackError struct {
	SubscriptionID SubscriptionID
	Symbol         string
	Value          any
}

func (e *SubscriberCallbackError) Error() string {
	return fmt.Sprintf("feed: subscriber %s (%s) panicked: %v", e.SubscriptionID, e.Symbol, e.Value)
}
