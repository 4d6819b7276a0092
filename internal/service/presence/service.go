package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"duocall-backend/internal/call"
)

// Repository is the presence storage the service heartbeats into
type Repository interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	RefreshPresence(ctx context.Context, userID string) error
}

// Service keeps the local user online and tracks whether the partner is.
// It implements call.IdentityProvider: Partner reports false until the
// partner's agent has been seen online.
type Service struct {
	repo     Repository
	identity call.StaticIdentity
	interval time.Duration
	log      *zap.Logger

	online   atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewService creates a presence service for identity. Nothing is written
// until Start.
func NewService(repo Repository, identity call.StaticIdentity, interval time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		identity: identity,
		interval: interval,
		log:      log.With(zap.String("component", "presence")),
		done:     make(chan struct{}),
	}
}

// Self returns the local user
func (s *Service) Self() call.Identity {
	return s.identity.Self()
}

// Partner returns the partner and whether they were online at the last check
func (s *Service) Partner() (call.Identity, bool) {
	p, ok := s.identity.Partner()
	if !ok {
		return p, false
	}
	return p, s.online.Load()
}

// Start marks the local user online, checks the partner once and then
// heartbeats every interval until Stop
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	self := s.identity.Self().ID
	if err := s.repo.SetUserOnline(ctx, self); err != nil {
		s.log.Warn("Failed to mark self online", zap.Error(err))
	}
	s.poll(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.repo.RefreshPresence(ctx, self); err != nil {
					s.log.Warn("Failed to refresh presence", zap.Error(err))
				}
				s.poll(ctx)
			}
		}
	}()
}

// poll updates the partner flag. A failed check keeps the last known value.
func (s *Service) poll(ctx context.Context) {
	p, ok := s.identity.Partner()
	if !ok {
		return
	}
	online, err := s.repo.IsUserOnline(ctx, p.ID)
	if err != nil {
		s.log.Debug("Partner presence check failed", zap.Error(err))
		return
	}
	if s.online.Swap(online) != online {
		s.log.Info("Partner presence changed",
			zap.String("partner_id", p.ID),
			zap.Bool("online", online))
	}
}

// Stop ends the heartbeat and marks the local user offline
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			close(s.done)
		} else {
			s.cancel()
		}
		<-s.done
		if err := s.repo.SetUserOffline(ctx, s.identity.Self().ID); err != nil {
			s.log.Warn("Failed to mark self offline", zap.Error(err))
		}
	})
}
