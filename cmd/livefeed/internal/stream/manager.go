// Package stream holds the long-lived prices connection for one scope and
// keeps it alive across transient failures.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/auth"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/clock"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/dispatch"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/frame"
)

const defaultReadBuffer = 4096

// Doer is the subset of *http.Client the manager needs. The client must not
// set an overall Timeout: the response body stays open for the whole session.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes one upstream subscription.
type Config struct {
	URL                string
	ScopeParam         string
	Scope              string // empty streams every subject
	BackoffBase        time.Duration
	BackoffCapExponent int
	IdleTimeout        time.Duration // 0 disables the watchdog
	ReadBuffer         int
	MaxFrameBytes      int
}

// Stats is a point-in-time view of the connection counters.
type Stats struct {
	State     State  `json:"state"`
	Attempt   int    `json:"attempt"`
	Connects  uint64 `json:"connects"`
	Failures  uint64 `json:"failures"`
	Records   uint64 `json:"records"`
	LastError string `json:"lastError,omitempty"`
}

// Manager owns at most one in-flight connection. Records are decoded and
// handed to the handler on the manager's own goroutine, in arrival order.
type Manager struct {
	cfg     Config
	client  Doer
	tokens  auth.TokenSource
	handle  func(frame.Record)
	clock   clock.Clock
	logger  *zap.Logger
	policy  Policy
	decoder *frame.Decoder

	// States receives every state transition.
	States dispatch.Topic[State]

	mu      sync.Mutex
	state   State
	attempt int
	stats   Stats
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(cfg Config, client Doer, tokens auth.TokenSource, handle func(frame.Record), clk clock.Clock, logger *zap.Logger) *Manager {
	if client == nil {
		client = &http.Client{}
	}
	if tokens == nil {
		tokens = auth.Optional("")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if handle == nil {
		handle = func(frame.Record) {}
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = defaultReadBuffer
	}
	return &Manager{
		cfg:     cfg,
		client:  client,
		tokens:  tokens,
		handle:  handle,
		clock:   clk,
		logger:  logger.With(zap.String("scope", cfg.Scope)),
		policy:  NewPolicy(cfg.BackoffBase, cfg.BackoffCapExponent),
		decoder: frame.NewDecoder(cfg.MaxFrameBytes),
		state:   State{Phase: Idle},
	}
}

// Start begins connecting. It is a no-op unless the manager is Idle, so a
// manager never has more than one connection attempt outstanding.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state.Phase != Idle {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = State{Phase: Connecting}
	m.mu.Unlock()

	m.States.Publish(State{Phase: Connecting})
	go m.run(ctx)
}

// Stop aborts the in-flight request or backoff timer and moves to Closed.
// Closed is terminal. Stop waits for the read loop to exit, so it must not be
// called from the record handler.
func (m *Manager) Stop() {
	m.mu.Lock()
	switch m.state.Phase {
	case Closed:
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	case Idle:
		m.mu.Unlock()
		m.setState(State{Phase: Closed})
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a copy of the connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	s.Attempt = m.attempt
	return s
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(State{Phase: Closed})

	for {
		err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			m.logger.Info("Stream stopped")
			return
		}

		m.mu.Lock()
		attempt := m.attempt
		m.attempt++
		m.stats.Failures++
		m.stats.LastError = err.Error()
		m.mu.Unlock()

		delay := m.policy.Delay(attempt)
		m.logger.Warn("Stream failed, backing off",
			zap.Error(err), zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		m.setState(State{Phase: Backoff, Attempt: attempt + 1})

		select {
		case <-ctx.Done():
			m.logger.Info("Stream stopped during backoff")
			return
		case <-m.clock.After(delay):
		}
		m.setState(State{Phase: Connecting})
	}
}

// connectOnce runs a single connection until it fails or ctx is cancelled.
func (m *Manager) connectOnce(ctx context.Context) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := m.newRequest(connCtx)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	m.mu.Lock()
	m.stats.Connects++
	m.mu.Unlock()
	m.setState(State{Phase: Open})
	m.logger.Info("Stream open", zap.String("url", req.URL.Redacted()))

	idle := m.startWatchdog(cancel)
	defer idle.Stop()

	m.decoder.Reset()
	buf := make([]byte, m.cfg.ReadBuffer)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(m.cfg.IdleTimeout)
			if err := m.decoder.Feed(buf[:n], func(rec frame.Record) {
				if connCtx.Err() != nil {
					return
				}
				m.recordDecoded()
				m.handle(rec)
			}); err != nil {
				return err
			}
		}
		if readErr != nil {
			if cause := context.Cause(connCtx); errors.Is(cause, ErrIdleTimeout) {
				return ErrIdleTimeout
			}
			if errors.Is(readErr, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("stream read: %w", readErr)
		}
	}
}

func (m *Manager) newRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	if m.cfg.Scope != "" && m.cfg.ScopeParam != "" {
		q := u.Query()
		q.Set(m.cfg.ScopeParam, m.cfg.Scope)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// recordDecoded resets the backoff: a connection only counts as healthy once
// it has produced a record, not merely on connect.
func (m *Manager) recordDecoded() {
	m.mu.Lock()
	m.attempt = 0
	m.stats.Records++
	m.mu.Unlock()
}

type watchdog interface {
	Reset(d time.Duration) bool
	Stop() bool
}

type noWatchdog struct{}

func (noWatchdog) Reset(time.Duration) bool { return false }
func (noWatchdog) Stop() bool               { return false }

func (m *Manager) startWatchdog(cancel context.CancelCauseFunc) watchdog {
	if m.cfg.IdleTimeout <= 0 {
		return noWatchdog{}
	}
	return time.AfterFunc(m.cfg.IdleTimeout, func() { cancel(ErrIdleTimeout) })
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.States.Publish(s)
}
