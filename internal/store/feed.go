// ABOUTME: Live change feed types shared by all store backends
// ABOUTME: ChangeEvent, Notification and the Feed subscription handle

package store

import (
	"errors"
	"sync"
	"time"
)

// ErrSubscriptionClosed is reported when a feed ends without being closed
// by its owner.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Action is the kind of change a ChangeEvent reports
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// RecordKind identifies which record a ChangeEvent refers to
type RecordKind string

const (
	RecordMessage RecordKind = "message"
	RecordMailbox RecordKind = "mailbox"
)

// ChangeEvent is one change delivered by a live feed. For RecordMailbox
// events Message is zero-valued.
type ChangeEvent struct {
	Action    Action
	Kind      RecordKind
	Recipient string
	Message   Message
	At        time.Time
}

// Key identifies the event for redelivery suppression.
func (e ChangeEvent) Key() string {
	if e.Kind == RecordMailbox {
		return string(e.Action) + ":mailbox:" + e.Recipient + ":" + e.At.Format(timeFormat)
	}
	return string(e.Action) + ":message:" + e.Message.ID
}

// Notification carries either an event or a transient feed error.
type Notification struct {
	Event ChangeEvent
	Err   error
}

// Feed is a live subscription owned by exactly one consumer.
type Feed struct {
	recipient string
	ch        <-chan Notification
	closeFn   func() error

	once sync.Once
	err  error
}

// NewFeed wraps a notification channel. closeFn must stop delivery and
// release backend resources; it is called at most once.
func NewFeed(recipient string, ch <-chan Notification, closeFn func() error) *Feed {
	return &Feed{
		recipient: recipient,
		ch:        ch,
		closeFn:   closeFn,
	}
}

// Recipient returns the agent the feed is scoped to.
func (f *Feed) Recipient() string { return f.recipient }

// Notifications returns the delivery channel. It is closed when the feed ends.
func (f *Feed) Notifications() <-chan Notification { return f.ch }

// Close cancels the subscription. Safe to call more than once.
func (f *Feed) Close() error {
	f.once.Do(func() {
		if f.closeFn != nil {
			f.err = f.closeFn()
		}
	})
	return f.err
}
