package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/protocol"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse // Stores structured messages
	RawBytes []string              // Stores raw bytes
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

// MessagesOfType returns the structured messages of the given type.
func (m *MockClient) MessagesOfType(typ string) []protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []protocol.WSResponse
	for _, msg := range m.Messages {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

// RawOfType decodes the raw messages and returns those of the given type.
func (m *MockClient) RawOfType(typ string) []map[string]interface{} {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []map[string]interface{}
	for _, raw := range m.RawBytes {
		var msg map[string]interface{}
		if json.Unmarshal([]byte(raw), &msg) == nil && msg["type"] == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockClient) LastMsg() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.WSResponse{}
	}
	return m.Messages[len(m.Messages)-1]
}

func (m *MockClient) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

// MockSnapshotStore simulates Redis
type MockSnapshotStore struct {
	SubscribedChannels map[string]int // scope -> count
	Saved              []models.HoldingsSnapshot
	Mu                 sync.Mutex
}

func NewMockStore() *MockSnapshotStore {
	return &MockSnapshotStore{SubscribedChannels: make(map[string]int)}
}

func (m *MockSnapshotStore) SaveSnapshot(ctx context.Context, snap models.HoldingsSnapshot) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Saved = append(m.Saved, snap)
	return nil
}

func (m *MockSnapshotStore) GetSnapshots(ctx context.Context, scopes []string) ([]string, error) {
	return []string{`{"scope":"acct-1","totalUSD":100}`}, nil
}

func (m *MockSnapshotStore) SubscribeToFeed(ctx context.Context, scope string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[scope]++
	return nil
}

func (m *MockSnapshotStore) UnsubscribeFromFeed(ctx context.Context, scope string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[scope]--
	if m.SubscribedChannels[scope] <= 0 {
		delete(m.SubscribedChannels, scope)
	}
	return nil
}

func (m *MockSnapshotStore) Subscribed(scope string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.SubscribedChannels[scope]
}

func (m *MockSnapshotStore) SavedCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Saved)
}

func (m *MockSnapshotStore) RunPubSub(ctx context.Context, onMessage func(scope string, payload string)) {
	// No-op for unit tests
}

func (m *MockSnapshotStore) Close() error { return nil }

var ErrUnknownScope = errors.New("unknown scope")

// MockProvider serves canned backend data and counts holdings fetches.
type MockProvider struct {
	Mu       sync.Mutex
	Snaps    map[string]models.HoldingsSnapshot
	Hist     map[string][]models.HistoricalPoint
	Prices   map[string][]models.SeriesPoint
	Fetches  map[string]int
	FetchErr error

	// Gates hold back holdings fetches of a scope until closed.
	Gates   map[string]chan struct{}
	waiting atomic.Int32
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Snaps:   make(map[string]models.HoldingsSnapshot),
		Hist:    make(map[string][]models.HistoricalPoint),
		Prices:  make(map[string][]models.SeriesPoint),
		Fetches: make(map[string]int),
		Gates:   make(map[string]chan struct{}),
	}
}

// BTCPortfolio is a one-holding snapshot: 2 BTC at 50.
func BTCPortfolio(scope string) models.HoldingsSnapshot {
	return models.HoldingsSnapshot{
		Scope:    scope,
		TotalUSD: 100,
		Holdings: map[string]models.Holding{
			"BTC": {ID: "BTC", Price: 50, Quantity: 2, Value: 100},
		},
	}
}

func (m *MockProvider) Holdings(ctx context.Context, scope string) (models.HoldingsSnapshot, error) {
	m.Mu.Lock()
	gate := m.Gates[scope]
	m.Mu.Unlock()
	if gate != nil {
		m.waiting.Add(1)
		select {
		case <-gate:
			m.waiting.Add(-1)
		case <-ctx.Done():
			m.waiting.Add(-1)
			return models.HoldingsSnapshot{}, ctx.Err()
		}
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Fetches[scope]++
	if m.FetchErr != nil {
		return models.HoldingsSnapshot{}, m.FetchErr
	}
	snap, ok := m.Snaps[scope]
	if !ok {
		return models.HoldingsSnapshot{}, ErrUnknownScope
	}
	return snap.Clone(), nil
}

// Waiting is the number of fetches held back by a gate.
func (m *MockProvider) Waiting() int { return int(m.waiting.Load()) }

// Gate holds back fetches of scope until the returned func is called.
func (m *MockProvider) Gate(scope string) (open func()) {
	ch := make(chan struct{})
	m.Mu.Lock()
	m.Gates[scope] = ch
	m.Mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (m *MockProvider) History(ctx context.Context, scope, subject string) ([]models.HistoricalPoint, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Hist[subject], nil
}

func (m *MockProvider) Market(ctx context.Context, subject string) ([]models.SeriesPoint, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Prices[subject], nil
}

func (m *MockProvider) FetchCount(scope string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Fetches[scope]
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out: %s", msg)
}
