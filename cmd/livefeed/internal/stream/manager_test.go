package stream_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/auth"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/frame"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/stream"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/testutils"
)

func baseConfig() stream.Config {
	return stream.Config{
		URL:                "http://feed.test/stream/prices",
		ScopeParam:         "accountId",
		BackoffBase:        time.Second,
		BackoffCapExponent: 6,
	}
}

type recorder struct {
	mu      sync.Mutex
	records []frame.Record
}

func (r *recorder) handle(rec frame.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// waitDelays blocks until n backoff timers were requested.
func waitDelays(t *testing.T, clk *testutils.FakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-clk.Requested():
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for backoff timer %d", i+1)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPolicy_Sequence(t *testing.T) {
	p := stream.NewPolicy(time.Second, 6)
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 64, 64}
	for i, w := range want {
		if got := p.Delay(i); got != w*time.Second {
			t.Errorf("Delay(%d): expected %v, got %v", i, w*time.Second, got)
		}
	}
}

func TestManager_BackoffMonotonicAndCapped(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	doer := &testutils.ScriptedDoer{Fallback: testutils.Status(http.StatusServiceUnavailable)}
	m := stream.NewManager(baseConfig(), doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitDelays(t, clk, 9)
	m.Stop()

	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 64, 64}
	got := clk.RecordedDelays()
	for i, w := range want {
		if got[i] != w*time.Second {
			t.Errorf("Delay %d: expected %v, got %v", i, w*time.Second, got[i])
		}
	}

	if stats := m.Stats(); stats.Failures < 9 || !strings.Contains(stats.LastError, "503") {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestStatusError(t *testing.T) {
	var err error = &stream.StatusError{Code: 401, Status: "401 Unauthorized"}
	var se *stream.StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Errorf("Expected StatusError to unwrap via errors.As")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected status in message, got %q", err.Error())
	}
}

func TestManager_BackoffResetsAfterDecodedRecord(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	rec := &recorder{}
	doer := &testutils.ScriptedDoer{
		Script: []testutils.Responder{
			testutils.Status(http.StatusBadGateway),
			testutils.Status(http.StatusBadGateway),
			testutils.Stream(testutils.Frame(`{"totalUSD":1,"rows":[]}`)),
		},
		Fallback: testutils.Status(http.StatusBadGateway),
	}
	m := stream.NewManager(baseConfig(), doer, nil, rec.handle, clk, zap.NewNop())

	m.Start(context.Background())
	waitDelays(t, clk, 4)
	m.Stop()

	want := []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}
	got := clk.RecordedDelays()
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Delay %d: expected %v, got %v (all: %v)", i, w, got[i], got)
		}
	}
	if rec.len() != 1 {
		t.Errorf("Expected 1 record, got %d", rec.len())
	}
}

func TestManager_SilentConnectDoesNotReset(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	doer := &testutils.ScriptedDoer{
		Script: []testutils.Responder{
			testutils.Status(http.StatusBadGateway),
			testutils.Stream(": keepalive\n\n"),
		},
		Fallback: testutils.Status(http.StatusBadGateway),
	}
	m := stream.NewManager(baseConfig(), doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitDelays(t, clk, 3)
	m.Stop()

	got := clk.RecordedDelays()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Delay %d: expected %v, got %v", i, w, got[i])
		}
	}
	if m.Stats().Connects != 1 {
		t.Errorf("Expected exactly one successful connect, got %d", m.Stats().Connects)
	}
}

func TestManager_RequestCarriesAuthAndScope(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	clk.Hold = true
	doer := &testutils.ScriptedDoer{Fallback: testutils.Hang()}
	cfg := baseConfig()
	cfg.Scope = "acct 42"
	m := stream.NewManager(cfg, doer, auth.Static("s3cret"), nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitFor(t, "open state", func() bool { return m.State().Phase == stream.Open })
	m.Stop()

	req := doer.Request(0)
	if got := req.Header.Get("Authorization"); got != "Bearer s3cret" {
		t.Errorf("Expected bearer header, got %q", got)
	}
	if got := req.URL.Query().Get("accountId"); got != "acct 42" {
		t.Errorf("Expected scope query param, got %q", got)
	}
	if got := req.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Expected event-stream accept header, got %q", got)
	}
}

func TestManager_NoScopeParamWhenUnscoped(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	clk.Hold = true
	doer := &testutils.ScriptedDoer{Fallback: testutils.Hang()}
	m := stream.NewManager(baseConfig(), doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitFor(t, "open state", func() bool { return m.State().Phase == stream.Open })
	m.Stop()

	req := doer.Request(0)
	if req.URL.RawQuery != "" {
		t.Errorf("Expected no query, got %q", req.URL.RawQuery)
	}
	if req.Header.Get("Authorization") != "" {
		t.Errorf("Expected no credential without a token")
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	doer := &testutils.ScriptedDoer{Fallback: testutils.Hang()}
	m := stream.NewManager(baseConfig(), doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	m.Start(context.Background())
	waitFor(t, "open state", func() bool { return m.State().Phase == stream.Open })
	m.Start(context.Background())

	if doer.Calls() != 1 {
		t.Errorf("Expected a single connection, got %d", doer.Calls())
	}

	m.Stop()
	if m.State().Phase != stream.Closed {
		t.Fatalf("Expected Closed, got %v", m.State())
	}

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if doer.Calls() != 1 || m.State().Phase != stream.Closed {
		t.Errorf("Closed must be terminal (calls=%d state=%v)", doer.Calls(), m.State())
	}
}

func TestManager_StopCancelsBackoffTimer(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	clk.Hold = true
	doer := &testutils.ScriptedDoer{Fallback: testutils.Status(http.StatusInternalServerError)}
	m := stream.NewManager(baseConfig(), doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitDelays(t, clk, 1)
	if s := m.State(); s.Phase != stream.Backoff || s.Attempt != 1 {
		t.Errorf("Expected backoff(1), got %v", s)
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the backoff wait")
	}

	if doer.Calls() != 1 {
		t.Errorf("No reconnect may follow Stop, got %d calls", doer.Calls())
	}
}

func TestManager_StopAbortsOpenRead(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	rec := &recorder{}
	doer := &testutils.ScriptedDoer{Fallback: testutils.Hang(testutils.Frame(`{"totalUSD":1,"rows":[]}`))}
	m := stream.NewManager(baseConfig(), doer, nil, rec.handle, clk, zap.NewNop())

	var states []stream.State
	var mu sync.Mutex
	m.States.Subscribe(func(s stream.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	m.Start(context.Background())
	waitFor(t, "first record", func() bool { return rec.len() == 1 })
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []stream.Phase{stream.Connecting, stream.Open, stream.Closed}
	if len(states) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, states)
	}
	for i, p := range want {
		if states[i].Phase != p {
			t.Errorf("Transition %d: expected %v, got %v", i, p, states[i])
		}
	}
	if len(clk.RecordedDelays()) != 0 {
		t.Errorf("Explicit stop must not schedule a reconnect")
	}
}

func TestManager_StopWhileIdle(t *testing.T) {
	m := stream.NewManager(baseConfig(), &testutils.ScriptedDoer{}, nil, nil, nil, zap.NewNop())
	m.Stop()
	m.Stop()
	if m.State().Phase != stream.Closed {
		t.Errorf("Expected Closed, got %v", m.State())
	}
}

func TestManager_IdleWatchdog(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	clk.Hold = true
	doer := &testutils.ScriptedDoer{Fallback: testutils.Hang()}
	cfg := baseConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	m := stream.NewManager(cfg, doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitDelays(t, clk, 1)
	m.Stop()

	if got := m.Stats().LastError; got != stream.ErrIdleTimeout.Error() {
		t.Errorf("Expected idle timeout failure, got %q", got)
	}
}

func TestManager_TransportErrorAndOversizedFrame(t *testing.T) {
	clk := testutils.NewFakeClock(time.Unix(0, 0))
	doer := &testutils.ScriptedDoer{
		Script: []testutils.Responder{
			testutils.Fail(errors.New("connection refused")),
			testutils.Hang("event: prices\ndata: " + strings.Repeat("x", 64)),
		},
		Fallback: testutils.Hang(),
	}
	cfg := baseConfig()
	cfg.MaxFrameBytes = 32
	m := stream.NewManager(cfg, doer, nil, nil, clk, zap.NewNop())

	m.Start(context.Background())
	waitDelays(t, clk, 2)
	waitFor(t, "third connection", func() bool { return doer.Calls() >= 3 })
	m.Stop()

	if got := m.Stats().Failures; got != 2 {
		t.Errorf("Expected 2 failures, got %d", got)
	}
	if !strings.Contains(m.Stats().LastError, frame.ErrFrameTooLarge.Error()) {
		t.Errorf("Expected frame too large, got %q", m.Stats().LastError)
	}
}
