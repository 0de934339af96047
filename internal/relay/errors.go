// ABOUTME: Error types for the relay tree
// ABOUTME: Readiness timeout sentinel plus typed send and subscribe failures

package relay

import (
	"errors"
	"fmt"
)

// ErrReadinessTimeout is returned by the group supervisor when the store
// did not become ready in time. No agents are started.
var ErrReadinessTimeout = errors.New("store readiness timed out")

// RelayError reports a failed send.
type RelayError struct {
	From string
	To   string
	Err  error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relaying message %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// SubscribeError reports that a listener could not open its feed.
type SubscribeError struct {
	Agent string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribing listener for %s: %v", e.Agent, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }
