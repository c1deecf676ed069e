// Package maintenance runs scheduled housekeeping: purging stale
// deployment tokens and deleting long-idle sessions.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/chat"
	"github.com/szaher/agentdeck/internal/token"
)

// Sweeper schedules periodic cleanup over the registry, controller, and
// token authority.
type Sweeper struct {
	registry   *agent.Registry
	controller *chat.Controller
	authority  *token.Authority
	logger     *slog.Logger

	schedule   string
	retention  time.Duration // delete sessions idle longer than this
	tokenGrace time.Duration // keep dead tokens classifiable this long

	cron *cron.Cron
}

// NewSweeper creates a sweeper with the given cron schedule (e.g. "@hourly").
func NewSweeper(registry *agent.Registry, controller *chat.Controller, authority *token.Authority,
	schedule string, retention, tokenGrace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:   registry,
		controller: controller,
		authority:  authority,
		logger:     logger,
		schedule:   schedule,
		retention:  retention,
		tokenGrace: tokenGrace,
	}
}

// Run starts the schedule and blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()

	<-ctx.Done()
	stop := s.cron.Stop()
	<-stop.Done() // let an in-flight sweep finish
	return ctx.Err()
}

// Sweep performs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	dropped, err := s.authority.PurgeExpired(ctx, s.tokenGrace)
	if err != nil {
		s.logger.Warn("token purge failed", "error", err)
	} else if dropped > 0 {
		s.logger.Info("stale tokens purged", "count", dropped)
	}

	if s.retention <= 0 {
		return
	}

	agents, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Warn("session sweep: list agents failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, ag := range agents {
		sessions, err := s.controller.ListSessions(ctx, ag.ID)
		if err != nil {
			s.logger.Warn("session sweep: list sessions failed", "agent_id", ag.ID, "error", err)
			continue
		}
		for _, sess := range sessions {
			if sess.UpdatedAt.After(cutoff) {
				continue
			}
			if err := s.controller.DeleteSession(ctx, ag.ID, sess.ID); err != nil {
				s.logger.Warn("session sweep: delete failed",
					"agent_id", ag.ID, "session_id", sess.ID, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("idle sessions removed", "count", removed)
	}
}
