package testutils

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/simulator"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
	Closed     bool
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("kafka error")
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type MockKafkaReader struct {
	Messages []kafka.Message
	Index    int
	Mu       sync.Mutex
	// Closed simulates a closed connection or end of stream
	Closed bool
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Closed {
		return kafka.Message{}, io.EOF
	}
	if m.Index >= len(m.Messages) {
		// DeadlineExceeded stops the source loop cleanly
		return kafka.Message{}, context.DeadlineExceeded
	}

	msg := m.Messages[m.Index]
	m.Index++
	return msg, nil
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

// MockClock never blocks: Sleep advances the current time.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	Slept       time.Duration
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
	m.Slept += d
}

type MockRand struct {
	ValInt   int
	ValFloat float64
}

func (m *MockRand) Intn(n int) int   { return m.ValInt }
func (m *MockRand) Float64() float64 { return m.ValFloat }

type MockKafkaConn struct {
	CreatedTopics []string
	// NotReady makes ReadPartitions report no partitions
	NotReady bool
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
	}
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.NotReady {
		return nil, nil
	}
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Dialed  []string
	Fail    bool
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (simulator.KafkaConn, error) {
	m.Dialed = append(m.Dialed, address)
	if m.Fail {
		return nil, errors.New("connection refused")
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}

// RecordingSink collects every published update.
type RecordingSink struct {
	mu      sync.Mutex
	Updates []models.PriceUpdate
}

func (s *RecordingSink) Publish(_ context.Context, u models.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updates = append(s.Updates, u)
	return nil
}

func (s *RecordingSink) Snapshot() []models.PriceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PriceUpdate(nil), s.Updates...)
}
