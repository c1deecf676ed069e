package chat

import (
	"context"
	"strings"
	"time"
)

// Session is one conversation thread between a user and an agent.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Log       *Log      `json:"messages"`
}

// DefaultTitle is the title given to sessions created without one. The
// controller replaces it with a title derived from the first user message.
func DefaultTitle(now time.Time) string {
	return "Chat " + now.Format("Jan 2, 2006 15:04")
}

// IsDefaultTitle reports whether a title is still a placeholder.
func IsDefaultTitle(title string) bool {
	return title == "" || title == "Default Chat" || strings.HasPrefix(title, "Chat ")
}

// Store owns the set of sessions for each agent. Implementations persist
// every session atomically through the storage backend.
type Store interface {
	// Create creates a session with an empty log. An empty title gets the
	// default placeholder.
	Create(ctx context.Context, agentID, title string) (*Session, error)

	// Get retrieves a session, or ErrSessionNotFound.
	Get(ctx context.Context, agentID, sessionID string) (*Session, error)

	// List returns the agent's sessions, most recently updated first.
	List(ctx context.Context, agentID string) ([]*Session, error)

	// Save persists the session atomically.
	Save(ctx context.Context, sess *Session) error

	// Delete removes the session and its log, or ErrSessionNotFound.
	Delete(ctx context.Context, agentID, sessionID string) error
}
