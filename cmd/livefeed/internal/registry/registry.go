// Package registry shares one live session per scope between any number of
// consumers. The first Acquire for a scope fetches its holdings and opens the
// upstream stream; releasing the last lease stops it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/auth"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/backend"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/clock"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/stream"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

var ErrClosed = errors.New("registry closed")

const (
	defaultSinkTimeout  = 2 * time.Second
	defaultFetchTimeout = 10 * time.Second
)

// Sink receives every holdings snapshot a session produces.
type Sink interface {
	SaveSnapshot(ctx context.Context, snap models.HoldingsSnapshot) error
}

// Options configures the sessions the registry creates.
type Options struct {
	Stream      stream.Config // Scope is filled in per session
	MaxPoints   int
	Retention   time.Duration
	SinkTimeout time.Duration

	// FetchTimeout bounds the first holdings fetch of a scope. The fetch is
	// shared by concurrent acquirers and outlives any one caller's context.
	FetchTimeout time.Duration
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Provider backend.Provider
	Client   stream.Doer
	Tokens   auth.TokenSource
	Clock    clock.Clock
	Sink     Sink // optional
}

type Registry struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	fetch  singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func New(opts Options, deps Deps, logger *zap.Logger) *Registry {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		deps:     deps,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Lease is one consumer's hold on a session. Release it exactly once; extra
// calls are ignored.
type Lease struct {
	ID      string
	Session *Session

	once sync.Once
	r    *Registry
}

// Scope is the scope of the leased session.
func (l *Lease) Scope() string { return l.Session.Scope }

// Release drops the hold. Releasing the last lease of a scope stops its
// stream and waits for the read loop to exit.
func (l *Lease) Release() {
	l.once.Do(func() { l.r.release(l.Session) })
}

// Acquire returns a lease on the session for scope, creating and starting it
// if needed.
func (r *Registry) Acquire(ctx context.Context, scope string) (*Lease, error) {
	if s, err := r.retain(scope); err != nil || s != nil {
		return r.lease(s), err
	}

	fetched := r.fetch.DoChan(scope, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(r.ctx, r.opts.FetchTimeout)
		defer cancel()
		return r.deps.Provider.Holdings(fctx, scope)
	})
	var res singleflight.Result
	select {
	case res = <-fetched:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, fmt.Errorf("fetch holdings %q: %w", scope, res.Err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.sessions[scope]; ok {
		s.refs++
		r.mu.Unlock()
		return r.lease(s), nil
	}
	s := r.newSession(scope, res.Val.(models.HoldingsSnapshot))
	s.refs = 1
	r.sessions[scope] = s
	r.mu.Unlock()

	r.logger.Info("Session opened", zap.String("scope", scope), zap.String("session_id", s.ID))
	s.Manager.Start(r.ctx)
	return r.lease(s), nil
}

// Switch moves a consumer from its current scope to scope. The previous
// session is fully stopped (when this was its last lease) before the new one
// starts. A nil lease behaves like Acquire.
func (r *Registry) Switch(ctx context.Context, l *Lease, scope string) (*Lease, error) {
	if l != nil {
		if l.Scope() == scope {
			return l, nil
		}
		l.Release()
	}
	return r.Acquire(ctx, scope)
}

func (r *Registry) retain(scope string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.sessions[scope]
	if !ok {
		return nil, nil
	}
	s.refs++
	return s, nil
}

func (r *Registry) lease(s *Session) *Lease {
	if s == nil {
		return nil
	}
	return &Lease{ID: uuid.NewString(), Session: s, r: r}
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	s.refs--
	last := s.refs <= 0
	if last && r.sessions[s.Scope] == s {
		delete(r.sessions, s.Scope)
	}
	r.mu.Unlock()

	if last {
		s.close()
		r.logger.Info("Session closed", zap.String("scope", s.Scope), zap.String("session_id", s.ID))
	}
}

// Lookup returns the live session for scope without taking a lease.
func (r *Registry) Lookup(scope string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[scope]
	return s, ok
}

// Stats reports every live session, ordered by scope.
func (r *Registry) Stats() []SessionStats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	refs := make(map[*Session]int, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
		refs[s] = s.refs
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Scope < sessions[j].Scope })
	out := make([]SessionStats, len(sessions))
	for i, s := range sessions {
		out[i] = s.Stats()
		out[i].Leases = refs[s]
	}
	return out
}

// Close stops every session. Later Acquire calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.close()
	}
	r.logger.Info("Registry closed", zap.Int("sessions", len(sessions)))
}
