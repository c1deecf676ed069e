package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRole rejects messages whose role is not user or assistant.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrIndexOutOfRange rejects message indices outside the log.
	ErrIndexOutOfRange = errors.New("message index out of range")

	// ErrRoleMismatch rejects edits targeting a non-user message.
	ErrRoleMismatch = errors.New("message role mismatch")

	// ErrSessionNotFound is returned when a session ID does not resolve.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNothingToRegenerate is returned when the log does not end in an
	// assistant message.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")
)

// CompletionError wraps a failure from the completion collaborator. The
// user message that triggered the completion stays in the log so the
// caller can retry or edit.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
