package series

import (
	"sync"
	"time"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// DefaultMaxPoints suits a sub-minute resolution live chart.
const DefaultMaxPoints = 600

// All selects the whole buffer in Windowed.
const All time.Duration = 0

// minPoints is the fallback size of a windowed read; Prune never goes below it.
const minPoints = 2

// Buffer is a fixed-capacity ring of samples for one subject, oldest evicted first.
// One goroutine appends; any number may read. Reads return copies.
type Buffer struct {
	mu       sync.RWMutex
	data     []models.SeriesPoint
	capacity int
	index    int // next write position
	size     int
}

// NewBuffer creates a buffer holding at most maxPoints samples.
func NewBuffer(maxPoints int) *Buffer {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Buffer{
		data:     make([]models.SeriesPoint, maxPoints),
		capacity: maxPoints,
	}
}

// Append adds p as the newest sample, evicting the oldest when full.
func (b *Buffer) Append(p models.SeriesPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.index] = p
	b.index = (b.index + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Points returns every sample, oldest to newest.
func (b *Buffer) Points() []models.SeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latestLocked(b.size)
}

// Windowed returns the samples with T >= now-window. A window of All returns
// everything. When fewer than two samples qualify, the two most recent are
// returned instead so a chart always has a line to draw.
func (b *Buffer) Windowed(window time.Duration, now time.Time) []models.SeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all := b.latestLocked(b.size)
	if window <= All {
		return all
	}
	return Window(all, window, now)
}

// Prune drops samples older than now-window, keeping at least the two most
// recent ones.
func (b *Buffer) Prune(window time.Duration, now time.Time) {
	if window <= All {
		return
	}
	cutoff := now.Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size > minPoints {
		oldest := (b.index - b.size + b.capacity) % b.capacity
		if !b.data[oldest].T.Before(cutoff) {
			break
		}
		b.data[oldest] = models.SeriesPoint{}
		b.size--
	}
}

// Reset clears all samples. Used when the subject or scope changes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.data)
	b.index = 0
	b.size = 0
}

// Len returns the current number of samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the fixed maximum number of samples.
func (b *Buffer) Capacity() int { return b.capacity }

func (b *Buffer) latestLocked(n int) []models.SeriesPoint {
	if n > b.size {
		n = b.size
	}
	out := make([]models.SeriesPoint, n)
	start := (b.index - n + b.capacity) % b.capacity
	for i := 0; i < n; i++ {
		out[i] = b.data[(start+i)%b.capacity]
	}
	return out
}

// Window filters ordered points to T >= now-window, falling back to the last
// two points when fewer than two qualify. The input is not modified.
func Window(points []models.SeriesPoint, window time.Duration, now time.Time) []models.SeriesPoint {
	if window <= All {
		return points
	}
	cutoff := now.Add(-window)

	i := len(points)
	for i > 0 && !points[i-1].T.Before(cutoff) {
		i--
	}
	out := points[i:]
	if len(out) < minPoints {
		out = points[max(len(points)-minPoints, 0):]
	}
	return out
}
