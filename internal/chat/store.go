package chat

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/agentdeck/internal/storage"
)

// BackendStore implements Store over a storage backend, one document per
// session under the chats/ prefix. Session IDs are ULIDs, so they sort by
// creation time.
type BackendStore struct {
	backend storage.Backend
	now     func() time.Time
}

// StoreOption configures a BackendStore.
type StoreOption func(*BackendStore)

// WithStoreClock overrides the time source, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *BackendStore) { s.now = now }
}

// NewStore creates a session store over the given backend.
func NewStore(backend storage.Backend, opts ...StoreOption) *BackendStore {
	s := &BackendStore{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a session with an empty log.
func (s *BackendStore) Create(ctx context.Context, agentID, title string) (*Session, error) {
	now := s.now().UTC()
	if title == "" {
		title = DefaultTitle(now)
	}

	sess := &Session{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Log:       &Log{},
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session, or ErrSessionNotFound.
func (s *BackendStore) Get(ctx context.Context, agentID, sessionID string) (*Session, error) {
	data, err := s.backend.Read(ctx, agentID, storage.ChatPrefix+sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	if sess.Log == nil {
		sess.Log = &Log{}
	}
	return &sess, nil
}

// List returns the agent's sessions, most recently updated first.
func (s *BackendStore) List(ctx context.Context, agentID string) ([]*Session, error) {
	docs, err := s.backend.List(ctx, agentID, storage.ChatPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(docs))
	for _, doc := range docs {
		sess, err := s.Get(ctx, agentID, doc[len(storage.ChatPrefix):])
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue // deleted between list and read
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID > sessions[j].ID // ULIDs: newer first
	})
	return sessions, nil
}

// Save persists the session. Atomicity is the backend's contract.
func (s *BackendStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := s.backend.Write(ctx, sess.AgentID, storage.ChatPrefix+sess.ID, data); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes the session, or ErrSessionNotFound.
func (s *BackendStore) Delete(ctx context.Context, agentID, sessionID string) error {
	if _, err := s.backend.Read(ctx, agentID, storage.ChatPrefix+sessionID); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := s.backend.Delete(ctx, agentID, storage.ChatPrefix+sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
