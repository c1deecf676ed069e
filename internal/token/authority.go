package token

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/agentdeck/internal/storage"
)

// deploymentDoc is the persisted per-agent deployment record.
type deploymentDoc struct {
	Token   *Token   `json:"token,omitempty"`
	Revoked []*Token `json:"revoked,omitempty"`
}

// Authority issues, validates, and revokes deployment tokens. At most one
// active token exists per agent; issuing a new one revokes its predecessor
// in the same critical section, so concurrent issuers serialize and the
// loser observes its own token immediately revoked.
type Authority struct {
	backend storage.Backend
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	tokens []*Token          // every known token, active and revoked
	active map[string]*Token // agent ID → active token
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithLogger sets the authority logger.
func WithLogger(logger *slog.Logger) AuthorityOption {
	return func(a *Authority) { a.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates a token authority with the given token lifetime.
func NewAuthority(backend storage.Backend, ttl time.Duration, opts ...AuthorityOption) *Authority {
	a := &Authority{
		backend: backend,
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
		active:  make(map[string]*Token),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Load warms the authority from persisted deployment records.
func (a *Authority) Load(ctx context.Context) error {
	agents, err := a.backend.Agents(ctx)
	if err != nil {
		return fmt.Errorf("load deployments: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, agentID := range agents {
		data, err := a.backend.Read(ctx, agentID, storage.DocDeployment)
		if err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load deployment for %s: %w", agentID, err)
		}

		var doc deploymentDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("unmarshal deployment for %s: %w", agentID, err)
		}

		if doc.Token != nil {
			a.tokens = append(a.tokens, doc.Token)
			if !doc.Token.Revoked {
				a.active[agentID] = doc.Token
			}
		}
		a.tokens = append(a.tokens, doc.Revoked...)
	}
	return nil
}

// Issue generates a new token for the agent, revoking any prior token
// atomically, and persists the result before returning.
func (a *Authority) Issue(ctx context.Context, agentID string) (*Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	tok := &Token{
		Value:     generateValue(),
		AgentID:   agentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}

	prior := a.active[agentID]
	if prior != nil {
		prior.Revoked = true
	}
	a.tokens = append(a.tokens, tok)
	a.active[agentID] = tok

	if err := a.persistLocked(ctx, agentID); err != nil {
		return nil, err
	}

	a.logger.Info("token issued", "agent_id", agentID, "expires_at", tok.ExpiresAt, "superseded", prior != nil)
	return tok, nil
}

// Regenerate has the same effect as Issue; the distinction is caller intent.
func (a *Authority) Regenerate(ctx context.Context, agentID string) (*Token, error) {
	return a.Issue(ctx, agentID)
}

// Validate resolves a token value to its agent ID. Unknown values always
// return ErrTokenNotFound; superseded tokens ErrTokenRevoked; outlived
// tokens ErrTokenExpired. Comparison is constant-time per candidate and
// the full set is always scanned.
func (a *Authority) Validate(value string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var match *Token
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Value), []byte(value)) == 1 {
			match = t
		}
	}

	switch {
	case match == nil:
		return "", ErrTokenNotFound
	case match.Revoked:
		return "", ErrTokenRevoked
	case a.now().After(match.ExpiresAt):
		return "", ErrTokenExpired
	default:
		return match.AgentID, nil
	}
}

// Revoke revokes the agent's active token without issuing a replacement.
func (a *Authority) Revoke(ctx context.Context, agentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tok := a.active[agentID]
	if tok == nil {
		return ErrNotDeployed
	}
	tok.Revoked = true
	delete(a.active, agentID)

	if err := a.persistLocked(ctx, agentID); err != nil {
		return err
	}

	a.logger.Info("token revoked", "agent_id", agentID)
	return nil
}

// Active returns the agent's active token, or nil when not deployed.
// An expired token is still returned; callers decide how to present it.
func (a *Authority) Active(agentID string) *Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[agentID]
}

// Forget drops all tokens for an agent, active and revoked. Used when the
// agent itself is deleted and its documents are cascaded away.
func (a *Authority) Forget(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.active, agentID)
	kept := a.tokens[:0]
	for _, t := range a.tokens {
		if t.AgentID != agentID {
			kept = append(kept, t)
		}
	}
	a.tokens = kept
}

// PurgeExpired drops revoked or expired tokens whose expiry is older than
// the grace period, and persists affected agents. It returns the number of
// tokens dropped. Active unexpired tokens are never touched.
func (a *Authority) PurgeExpired(ctx context.Context, grace time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-grace)
	touched := make(map[string]bool)
	kept := a.tokens[:0]
	dropped := 0

	for _, t := range a.tokens {
		stale := (t.Revoked || a.now().After(t.ExpiresAt)) && t.ExpiresAt.Before(cutoff)
		if stale && a.active[t.AgentID] != t {
			dropped++
			touched[t.AgentID] = true
			continue
		}
		kept = append(kept, t)
	}
	a.tokens = kept

	for agentID := range touched {
		if err := a.persistLocked(ctx, agentID); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// persistLocked writes the agent's deployment document. Caller holds a.mu.
func (a *Authority) persistLocked(ctx context.Context, agentID string) error {
	doc := deploymentDoc{Token: a.active[agentID]}
	for _, t := range a.tokens {
		if t.AgentID == agentID && t.Revoked {
			doc.Revoked = append(doc.Revoked, t)
		}
	}

	if doc.Token == nil && len(doc.Revoked) == 0 {
		if err := a.backend.Delete(ctx, agentID, storage.DocDeployment); err != nil {
			return fmt.Errorf("delete deployment for %s: %w", agentID, err)
		}
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment for %s: %w", agentID, err)
	}
	if err := a.backend.Write(ctx, agentID, storage.DocDeployment, data); err != nil {
		return fmt.Errorf("save deployment for %s: %w", agentID, err)
	}
	return nil
}
