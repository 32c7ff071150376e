// Package notify delivers user-facing emails off the request path.
//
// Callers hand a Message to a Sink and move on. The Queue implementation
// renders the message through an embedded HTML template and passes it to a
// Sender, retrying transient failures with exponential backoff.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a notification template.
type Kind string

const (
	KindActivation    Kind = "activation"
	KindTwoFactorCode Kind = "two_factor_code"
	KindTaskOverdue   Kind = "task_overdue"
)

var subjects = map[Kind]string{
	KindActivation:    "TodoAPI: Verify Account",
	KindTwoFactorCode: "TodoAPI: Two-Factor Authentication",
	KindTaskOverdue:   "TodoAPI: Task Overdue Notification",
}

// Message is a notification request. Only the fields used by Kind's
// template need to be set.
type Message struct {
	Kind     Kind
	UserID   int64
	To       string
	Username string

	// ValidFor is a human readable lifetime, e.g. "24 hours".
	ValidFor string
	Link     string
	Code     string

	TaskID    int64
	TaskTitle string
	DueDate   string
}

// Sink accepts notifications for asynchronous delivery.
type Sink interface {
	Enqueue(ctx context.Context, m Message) error
}

// State is the lifecycle position of a delivery job.
type State int

const (
	Pending State = iota
	Delivered
	Failed
	Ignored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

var (
	// ErrIgnored marks a job that should end without delivery or retry.
	ErrIgnored = errors.New("notification ignored")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("notification queue closed")
	// ErrUnknownKind is returned for a message with no template.
	ErrUnknownKind = errors.New("unknown notification kind")
)

// Ignore returns an error that ends a job in the Ignored state.
func Ignore(reason string) error {
	return fmt.Errorf("%w: %s", ErrIgnored, reason)
}

// Discard is a Sink that drops every message.
type Discard struct{}

func (Discard) Enqueue(context.Context, Message) error { return nil }

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, m Message) error

func (f SinkFunc) Enqueue(ctx context.Context, m Message) error { return f(ctx, m) }
