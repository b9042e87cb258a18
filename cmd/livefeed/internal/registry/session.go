package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/backend"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/chart"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/clock"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/dispatch"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/frame"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/holdings"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/series"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/stream"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Session is the live pipeline of one scope:
// stream -> frame decoder -> dispatcher -> {holdings, series}.
type Session struct {
	ID    string
	Scope string

	Manager    *stream.Manager
	Dispatcher *dispatch.Dispatcher
	Holdings   *holdings.Store
	Series     *series.Set

	provider backend.Provider
	clock    clock.Clock
	logger   *zap.Logger
	unsubs   []func()

	refs int // guarded by Registry.mu
}

// SessionStats is the health view of one session.
type SessionStats struct {
	ID         string       `json:"id"`
	Scope      string       `json:"scope"`
	Leases     int          `json:"leases"`
	Stream     stream.Stats `json:"stream"`
	Dispatched uint64       `json:"dispatched"`
	Anomalies  uint64       `json:"anomalies"`
	Ignored    uint64       `json:"ignored"`
	Subjects   []string     `json:"subjects"`
}

func (r *Registry) newSession(scope string, initial models.HoldingsSnapshot) *Session {
	initial.Scope = scope
	s := &Session{
		ID:       uuid.NewString(),
		Scope:    scope,
		Holdings: holdings.NewStore(initial),
		Series:   series.NewSet(r.opts.MaxPoints, r.opts.Retention),
		provider: r.deps.Provider,
		clock:    r.deps.Clock,
		logger:   r.logger.With(zap.String("scope", scope)),
	}
	s.Dispatcher = dispatch.NewDispatcher(r.deps.Clock, s.logger)

	// holdings first: series values rows from the merged read model
	s.unsubs = append(s.unsubs,
		s.Dispatcher.Subscribe(s.Holdings.HandleTick),
		s.Dispatcher.Subscribe(func(b models.TickBatch) {
			s.Series.HandleTick(b, s.Holdings.Snapshot().Holdings)
		}),
	)
	if sink := r.deps.Sink; sink != nil {
		s.unsubs = append(s.unsubs, s.Holdings.Changed.Subscribe(func(snap models.HoldingsSnapshot) {
			ctx, cancel := context.WithTimeout(r.ctx, r.opts.SinkTimeout)
			defer cancel()
			if err := sink.SaveSnapshot(ctx, snap); err != nil {
				s.logger.Warn("Failed to publish snapshot", zap.Error(err))
			}
		}))
	}

	cfg := r.opts.Stream
	cfg.Scope = scope
	s.Manager = stream.NewManager(cfg, r.deps.Client, r.deps.Tokens, func(rec frame.Record) {
		s.Dispatcher.HandleRecord(rec)
	}, r.deps.Clock, r.logger)
	return s
}

// Refresh refetches the holdings snapshot and replaces the read model.
func (s *Session) Refresh(ctx context.Context) error {
	snap, err := s.provider.Holdings(ctx, s.Scope)
	if err != nil {
		return fmt.Errorf("refresh holdings %q: %w", s.Scope, err)
	}
	snap.Scope = s.Scope
	s.Holdings.Replace(snap)
	return nil
}

// Chart composes the renderable series of subject over window. An empty
// subject or "ALL" charts the portfolio total from live data only; any other
// subject joins live samples with the backend's history and market prices.
func (s *Session) Chart(ctx context.Context, subject string, window time.Duration) ([]chart.Point, error) {
	now := s.clock.Now()
	if subject == "" || subject == models.AggregateSubject {
		return chart.Aggregate(s.Series.Windowed(models.AggregateSubject, series.All, now), window, now), nil
	}

	in := chart.SubjectInput{
		Live:     s.Series.Windowed(subject, series.All, now),
		Quantity: s.Holdings.Snapshot().Holdings[subject].Quantity,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := s.provider.History(gctx, s.Scope, subject)
		in.History = h
		return err
	})
	g.Go(func() error {
		m, err := s.provider.Market(gctx, subject)
		in.Market = m
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("chart %q: %w", subject, err)
	}
	return chart.Subject(in, window, now), nil
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:         s.ID,
		Scope:      s.Scope,
		Stream:     s.Manager.Stats(),
		Dispatched: s.Dispatcher.Dispatched(),
		Anomalies:  s.Dispatcher.Anomalies(),
		Ignored:    s.Dispatcher.Ignored(),
		Subjects:   s.Series.Subjects(),
	}
}

func (s *Session) close() {
	s.Manager.Stop()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.Series.Reset()
}
