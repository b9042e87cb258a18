// Package series keeps bounded, time-windowed sample histories per subject.
package series

import (
	"sort"
	"sync"
	"time"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Set owns one Buffer per subject for a single scope. The aggregate subject
// tracks the batch total; every row tracks the value of its holding.
type Set struct {
	mu        sync.RWMutex
	buffers   map[string]*Buffer
	maxPoints int
	retention time.Duration
}

// NewSet creates an empty set. retention > 0 prunes samples older than that
// span on every tick, on top of the maxPoints cap.
func NewSet(maxPoints int, retention time.Duration) *Set {
	return &Set{
		buffers:   make(map[string]*Buffer),
		maxPoints: maxPoints,
		retention: retention,
	}
}

// HandleTick records one batch. held is the read model after b was merged:
// rows of known holdings take the merged value, so a price-only row is valued
// at the held quantity. Other rows need a value or a price and quantity.
func (s *Set) HandleTick(b models.TickBatch, held map[string]models.Holding) {
	s.append(models.AggregateSubject, models.SeriesPoint{T: b.ReceivedAt, Value: b.TotalUSD}, b.ReceivedAt)
	for _, row := range b.Rows {
		v, ok := row.EffectiveValue()
		if h, known := held[row.ID]; known {
			v, ok = h.Value, true
		}
		if ok {
			s.append(row.ID, models.SeriesPoint{T: b.ReceivedAt, Value: v}, b.ReceivedAt)
		}
	}
}

func (s *Set) append(subject string, p models.SeriesPoint, now time.Time) {
	buf := s.buffer(subject)
	buf.Append(p)
	if s.retention > 0 {
		buf.Prune(s.retention, now)
	}
}

// Buffer returns the subject's buffer, creating it on first use.
func (s *Set) buffer(subject string) *Buffer {
	s.mu.RLock()
	buf, ok := s.buffers[subject]
	s.mu.RUnlock()
	if ok {
		return buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok = s.buffers[subject]; !ok {
		buf = NewBuffer(s.maxPoints)
		s.buffers[subject] = buf
	}
	return buf
}

// Windowed returns the subject's windowed points, or nil for an unknown subject.
func (s *Set) Windowed(subject string, window time.Duration, now time.Time) []models.SeriesPoint {
	s.mu.RLock()
	buf, ok := s.buffers[subject]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return buf.Windowed(window, now)
}

// Subjects lists the tracked subjects in lexical order.
func (s *Set) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset discards every buffer.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, buf := range s.buffers {
		buf.Reset()
	}
	s.buffers = make(map[string]*Buffer)
}
