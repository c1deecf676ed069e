package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
)

// Completer is the completion collaborator: it maps an agent configuration
// plus conversation history to assistant text. It may be slow and may fail;
// the controller never retries on its behalf.
type Completer interface {
	Complete(ctx context.Context, ag *agent.Agent, history []Message) (string, error)
}

// Controller is the single source of truth for conversation state. Every
// mutating operation on a session runs under that session's lock, held
// across the completion call, so concurrent mutations on one session queue
// while distinct sessions proceed in parallel.
//
// Completions run detached from the caller's context: if the caller
// disconnects mid-completion, the result is still appended and persisted.
type Controller struct {
	store     Store
	completer Completer
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates a conversation controller.
func NewController(store Store, completer Completer, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:     store,
		completer: completer,
		logger:    slog.Default(),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sessionLock returns the mutex serializing one session's mutations.
// Locks are never removed; a session that existed once keeps its slot.
func (c *Controller) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[sessionID] = lock
	}
	return lock
}

// Send appends a user message, requests a completion over the full prior
// history, and appends the assistant reply. On completion failure the user
// message stays persisted as a visible failed turn and a *CompletionError
// is returned. The session's first user message also derives its title.
func (c *Controller) Send(ctx context.Context, ag *agent.Agent, sessionID, content string) (Message, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.Get(ctx, ag.ID, sessionID)
	if err != nil {
		return Message{}, err
	}

	first := sess.Log.Len() == 0
	now := c.now().UTC()
	if _, err := sess.Log.Append(Message{Role: RoleUser, Content: content, Timestamp: now}); err != nil {
		return Message{}, err
	}
	if first && IsDefaultTitle(sess.Title) {
		sess.Title = DeriveTitle(content)
	}
	sess.UpdatedAt = now

	// Persist the user turn before completing, so it survives a failure.
	if err := c.store.Save(ctx, sess); err != nil {
		return Message{}, err
	}

	return c.completeAndAppend(ctx, ag, sess)
}

// Edit replaces the content of the user message at index, drops everything
// after it, and completes once from the edited history. On success the log
// has exactly index+2 messages.
func (c *Controller) Edit(ctx context.Context, ag *agent.Agent, sessionID string, index int, newContent string) (Message, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.Get(ctx, ag.ID, sessionID)
	if err != nil {
		return Message{}, err
	}

	// Validate the anchor before mutating anything.
	msg, err := sess.Log.Message(index)
	if err != nil {
		return Message{}, err
	}
	if msg.Role != RoleUser {
		return Message{}, ErrRoleMismatch
	}

	return c.truncateAndComplete(ctx, ag, sess, index, func(l *Log) error {
		return l.ReplaceContent(index, newContent, c.now().UTC())
	})
}

// Regenerate replaces the trailing assistant message with a fresh
// completion over the unchanged history ending at the last user message.
func (c *Controller) Regenerate(ctx context.Context, ag *agent.Agent, sessionID string) (Message, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.Get(ctx, ag.ID, sessionID)
	if err != nil {
		return Message{}, err
	}

	last, ok := sess.Log.Last()
	if !ok || last.Role != RoleAssistant {
		return Message{}, ErrNothingToRegenerate
	}

	anchor := sess.Log.LastUserIndex()
	if anchor < 0 {
		return Message{}, ErrNothingToRegenerate
	}

	return c.truncateAndComplete(ctx, ag, sess, anchor, nil)
}

// truncateAndComplete is the shared edit/regenerate primitive: drop
// everything after the anchor, apply the optional log mutation, persist,
// then complete and append. Caller holds the session lock.
func (c *Controller) truncateAndComplete(ctx context.Context, ag *agent.Agent, sess *Session, anchor int, mutate func(*Log) error) (Message, error) {
	if err := sess.Log.TruncateAfter(anchor); err != nil {
		return Message{}, err
	}
	if mutate != nil {
		if err := mutate(sess.Log); err != nil {
			return Message{}, err
		}
	}
	sess.UpdatedAt = c.now().UTC()

	if err := c.store.Save(ctx, sess); err != nil {
		return Message{}, err
	}

	return c.completeAndAppend(ctx, ag, sess)
}

// completeAndAppend requests a completion for the session's current
// history and appends the reply. Both the completion and the save that
// persists its result are detached from the caller's context: a
// disconnect mid-completion must not leave a dangling user turn.
func (c *Controller) completeAndAppend(ctx context.Context, ag *agent.Agent, sess *Session) (Message, error) {
	ctx = context.WithoutCancel(ctx)

	reply, err := c.completer.Complete(ctx, ag, sess.Log.All())
	if err != nil {
		c.logger.Warn("completion failed",
			"agent_id", ag.ID, "session_id", sess.ID, "error", err)
		return Message{}, &CompletionError{Err: err}
	}

	now := c.now().UTC()
	msg, err := sess.Log.Append(Message{Role: RoleAssistant, Content: reply, Timestamp: now})
	if err != nil {
		return Message{}, err
	}
	sess.UpdatedAt = now

	if err := c.store.Save(ctx, sess); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// CreateSession creates a session for the agent.
func (c *Controller) CreateSession(ctx context.Context, agentID, title string) (*Session, error) {
	return c.store.Create(ctx, agentID, title)
}

// ListSessions returns the agent's sessions, most recently updated first.
func (c *Controller) ListSessions(ctx context.Context, agentID string) ([]*Session, error) {
	return c.store.List(ctx, agentID)
}

// GetSession returns a consistent snapshot of one session.
func (c *Controller) GetSession(ctx context.Context, agentID, sessionID string) (*Session, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return c.store.Get(ctx, agentID, sessionID)
}

// DeleteSession removes the session and its log.
func (c *Controller) DeleteSession(ctx context.Context, agentID, sessionID string) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return c.store.Delete(ctx, agentID, sessionID)
}

// ClearMessages empties the session's log, keeping the session itself.
func (c *Controller) ClearMessages(ctx context.Context, agentID, sessionID string) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.Get(ctx, agentID, sessionID)
	if err != nil {
		return err
	}
	if err := sess.Log.TruncateAfter(-1); err != nil {
		return err
	}
	sess.UpdatedAt = c.now().UTC()
	return c.store.Save(ctx, sess)
}

// MostRecentSession returns the agent's most recently updated session,
// creating one when the agent has none. The deployment gateway sends
// external traffic here.
func (c *Controller) MostRecentSession(ctx context.Context, agentID string) (*Session, error) {
	sessions, err := c.store.List(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		return sessions[0], nil
	}
	return c.store.Create(ctx, agentID, "API")
}
