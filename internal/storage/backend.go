// Package storage defines the persistence collaborator for agentdeck.
//
// State is organized per agent as named JSON documents: the agent record
// itself, its deployment token metadata, and one document per chat session.
// Backends must write atomically — a crash mid-write must never leave a
// document partially written.
package storage

import (
	"context"
	"errors"
)

// ErrNotExist is returned when a requested document does not exist.
var ErrNotExist = errors.New("document does not exist")

// ErrInvalidName is returned for agent IDs or document names that are
// empty or contain path elements ("..", separators) that could address
// state outside the backend's namespace.
var ErrInvalidName = errors.New("invalid agent id or document name")

// Well-known document names.
const (
	DocAgent      = "agent"
	DocDeployment = "deployment"
	ChatPrefix    = "chats/"
)

// Backend persists JSON documents keyed by agent ID and document name.
// Document names may contain a single slash-separated prefix (e.g. "chats/01J...").
type Backend interface {
	// Read returns the raw document, or ErrNotExist.
	Read(ctx context.Context, agentID, doc string) ([]byte, error)

	// Write stores the document atomically, creating it if absent.
	Write(ctx context.Context, agentID, doc string, data []byte) error

	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, agentID, doc string) error

	// List returns the names of documents under the given prefix for an agent,
	// in unspecified order. An empty prefix lists top-level documents.
	List(ctx context.Context, agentID, prefix string) ([]string, error)

	// Agents returns the IDs of all agents with any stored documents.
	Agents(ctx context.Context) ([]string, error)

	// DeleteAgent removes every document belonging to an agent.
	DeleteAgent(ctx context.Context, agentID string) error
}
