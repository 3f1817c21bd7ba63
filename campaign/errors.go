package campaign

import (
	"errors"
	"fmt"
)

// ErrKind is the machine-readable discriminator carried by every core
// error. HTTP handlers map kinds to status codes; the daemon uses them to
// separate user-level failures from store failures.
type ErrKind string

const (
	ErrNotFound             ErrKind = "not_found"
	ErrConflict             ErrKind = "conflict"
	ErrCampaignLocked       ErrKind = "campaign_locked"
	ErrNotProcessable       ErrKind = "not_processable"
	ErrInvalidCampaignGraph ErrKind = "invalid_campaign_graph"
	ErrInvalidGrouping      ErrKind = "invalid_grouping"
	ErrPatchAssertionFailed ErrKind = "patch_assertion_failed"
	ErrLauncherSubmit       ErrKind = "launcher_submit"
	ErrLauncherCheck        ErrKind = "launcher_check"
	ErrUnknownManifest      ErrKind = "unknown_manifest"
	ErrUnknownNamespace     ErrKind = "unknown_namespace"
	ErrInvalidInput         ErrKind = "invalid_input"
)

// Error is the structured error type of the core.
type Error struct {
	Kind    ErrKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind with a formatted message.
// A trailing %w verb wraps the cause as usual.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// WrapErr attaches a kind to an existing error.
func WrapErr(kind ErrKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the error kind, or "" when err carries none.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool { return KindOf(err) == kind }
