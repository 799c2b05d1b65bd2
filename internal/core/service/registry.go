package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog/log"
)

// TokenRegistry owns the TokenEngine of every active meeting.
type TokenRegistry struct {
	mu      sync.RWMutex
	engines map[domain.MeetingID]*TokenEngine
	repo    port.AuditRepository
	opts    []TokenEngineOption
	now     func() time.Time
	hooks   []func(domain.MeetingID)
}

func NewTokenRegistry(repo port.AuditRepository, opts ...TokenEngineOption) *TokenRegistry {
	return &TokenRegistry{
		engines: make(map[domain.MeetingID]*TokenEngine),
		repo:    repo,
		opts:    opts,
		now:     buildTokenOptions(opts).now,
	}
}

func (r *TokenRegistry) Create(meetingID domain.MeetingID) (*TokenEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[meetingID]; ok {
		return nil, fmt.Errorf("token engine for meeting %d: %w", meetingID, domain.ErrAlreadyExists)
	}
	e := NewTokenEngine(meetingID, r.repo, r.opts...)
	r.engines[meetingID] = e
	log.Info().Str("meeting_id", meetingID.String()).Msg("Token engine created")
	return e, nil
}

func (r *TokenRegistry) Get(meetingID domain.MeetingID) (*TokenEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[meetingID]
	if !ok {
		return nil, fmt.Errorf("token engine for meeting %d: %w", meetingID, domain.ErrNotFound)
	}
	return e, nil
}

func (r *TokenRegistry) GetOrCreate(meetingID domain.MeetingID) *TokenEngine {
	r.mu.RLock()
	e, ok := r.engines[meetingID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[meetingID]; ok {
		return e
	}
	e = NewTokenEngine(meetingID, r.repo, r.opts...)
	r.engines[meetingID] = e
	log.Info().Str("meeting_id", meetingID.String()).Msg("Token engine created")
	return e
}

// OnDispose registers fn to run after a meeting's engine is removed by
// Dispose or CleanupIdle. Register hooks before serving.
func (r *TokenRegistry) OnDispose(fn func(domain.MeetingID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *TokenRegistry) Dispose(meetingID domain.MeetingID) error {
	r.mu.Lock()
	if _, ok := r.engines[meetingID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("token engine for meeting %d: %w", meetingID, domain.ErrNotFound)
	}
	delete(r.engines, meetingID)
	hooks := r.hooks
	r.mu.Unlock()

	log.Info().Str("meeting_id", meetingID.String()).Msg("Token engine disposed")
	disposed(hooks, meetingID)
	return nil
}

// TokenState implements port.TokenStateReader for in-process callers. A
// meeting without an engine reads as the initial state.
func (r *TokenRegistry) TokenState(ctx context.Context, meetingID domain.MeetingID) (domain.TokenState, error) {
	e, err := r.Get(meetingID)
	if err != nil {
		return domain.TokenState{CurrentPhase: domain.PhaseNone}, nil
	}
	return e.State(), nil
}

func (r *TokenRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// CleanupIdle disposes engines that saw no mutation for maxIdle and
// returns how many were removed.
func (r *TokenRegistry) CleanupIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	cutoff := r.now().Add(-maxIdle)
	var removed []domain.MeetingID
	for id, e := range r.engines {
		if e.IdleSince().Before(cutoff) {
			delete(r.engines, id)
			removed = append(removed, id)
			log.Info().Str("meeting_id", id.String()).Msg("Idle token engine disposed")
		}
	}
	hooks := r.hooks
	r.mu.Unlock()

	for _, id := range removed {
		disposed(hooks, id)
	}
	return len(removed)
}

func disposed(hooks []func(domain.MeetingID), meetingID domain.MeetingID) {
	for _, fn := range hooks {
		fn(meetingID)
	}
}

// RunSweeper calls CleanupIdle every interval until ctx is done.
func (r *TokenRegistry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupIdle(maxIdle); n > 0 {
				log.Debug().Int("removed", n).Int("active", r.Len()).Msg("Token registry sweep")
			}
		}
	}
}
