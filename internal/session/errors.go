package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is the cause of a PublishError raised while the
	// session is not connected. Publishes are never queued.
	ErrNotConnected = errors.New("mqtt session not connected")
	// ErrDeliveryUnknown means the broker did not acknowledge in time.
	// The message may still be delivered.
	ErrDeliveryUnknown = errors.New("mqtt delivery outcome unknown")
)

// PublishError reports that the transport failed to confirm delivery
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
