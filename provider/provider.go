// Package provider defines the contract between the chat relay core and the
// upstream chat provider: the Gateway interface for session discovery and
// event fetching, the ChatEvent model, and a small error taxonomy that lets
// callers distinguish transient failures from session-terminal ones.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ChatEvent is one chat message as delivered by the upstream provider.
// Immutable once constructed; handlers must treat it as read-only.
type ChatEvent struct {
	// ID is unique within a session's lifetime, not across sessions.
	ID          string
	AuthorID    string
	AuthorName  string
	Text        string
	PublishedAt time.Time
	Moderator   bool
	Owner       bool
	Sponsor     bool
	// Raw carries the provider's original payload for consumers that need
	// fields the relay does not model.
	Raw json.RawMessage
}

// IsPrivileged reports whether the author is a moderator, the channel owner,
// or a sponsor.
func (e ChatEvent) IsPrivileged() bool {
	return e.Moderator || e.Owner || e.Sponsor
}

// FetchResult is one page of chat events.
type FetchResult struct {
	// Events in provider order.
	Events []ChatEvent
	// NextCursor advances the polling position. Opaque to callers.
	NextCursor string
	// PollInterval is the provider's suggested delay before the next fetch.
	// Zero means the provider gave no hint.
	PollInterval time.Duration
}

// Gateway abstracts the upstream chat provider.
type Gateway interface {
	// ResolveActiveSession returns the id of the currently live chat session,
	// or "" with a nil error when no session is live.
	ResolveActiveSession(ctx context.Context) (string, error)

	// FetchEvents returns chat events for sessionID starting at cursor.
	// An empty cursor fetches the most recent window only (no backfill).
	FetchEvents(ctx context.Context, sessionID, cursor string) (FetchResult, error)
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindTransient covers network blips, rate limits, and anything that
	// should simply be retried.
	KindTransient ErrorKind = iota
	// KindAuthFailure means the injected credential was rejected.
	KindAuthFailure
	// KindNotFound means the requested resource does not exist.
	KindNotFound
	// KindSessionEnded means the provider reports the session is over.
	KindSessionEnded
)

// String returns a human-readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthFailure:
		return "auth_failure"
	case KindNotFound:
		return "not_found"
	case KindSessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Error wraps an upstream failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider error (%s)", e.Kind)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// kindOf extracts the classification from err. Errors that are not a
// provider.Error count as transient so that unknown failures are retried
// rather than escalated.
func kindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried at the current cadence.
func IsTransient(err error) bool { return err != nil && kindOf(err) == KindTransient }

// IsAuthFailure reports whether err is a credential rejection.
func IsAuthFailure(err error) bool { return err != nil && kindOf(err) == KindAuthFailure }

// IsNotFound reports whether err is a missing-resource failure.
func IsNotFound(err error) bool { return err != nil && kindOf(err) == KindNotFound }

// IsSessionEnded reports whether err is terminal for the polled session.
func IsSessionEnded(err error) bool { return err != nil && kindOf(err) == KindSessionEnded }
