package simulator

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

const historyCap = 512

// Compile-time check to ensure Market implements Sink
var _ Sink = (*Market)(nil)

// Market holds the latest simulated price of every ticker and the positions
// of every account. Positions are derived from the account id, so any scope
// has a stable portfolio without setup.
type Market struct {
	clock   Clock
	tickers []string
	base    map[string]float64

	mu      sync.RWMutex
	prices  map[string]float64
	history map[string][]models.SeriesPoint

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

func NewMarket(tickers []string, basePrices map[string]float64, clock Clock) *Market {
	m := &Market{
		clock:   clock,
		tickers: append([]string(nil), tickers...),
		base:    basePrices,
		prices:  make(map[string]float64, len(tickers)),
		history: make(map[string][]models.SeriesPoint, len(tickers)),
		subs:    make(map[chan struct{}]struct{}),
	}
	sort.Strings(m.tickers)
	now := clock.Now()
	for _, t := range m.tickers {
		p := basePrices[t]
		if p <= 0 {
			p = 100
		}
		m.prices[t] = p
		m.history[t] = []models.SeriesPoint{{T: now, Value: p}}
	}
	return m
}

// Publish applies u. Unknown tickers are ignored.
func (m *Market) Publish(_ context.Context, u models.PriceUpdate) error {
	m.mu.Lock()
	if _, ok := m.prices[u.Symbol]; !ok {
		m.mu.Unlock()
		return nil
	}
	t := m.clock.Now()
	if u.Timestamp > 0 {
		t = time.UnixMicro(u.Timestamp)
	}
	m.prices[u.Symbol] = u.Price
	h := append(m.history[u.Symbol], models.SeriesPoint{T: t, Value: u.Price})
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	m.history[u.Symbol] = h
	m.mu.Unlock()

	m.notify()
	return nil
}

// Price returns the latest price of symbol.
func (m *Market) Price(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	return p, ok
}

// Quantity is the position of scope in symbol, between 1 and 10.
func Quantity(scope, symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(symbol))
	return float64(h.Sum32()%10 + 1)
}

func value(price, quantity float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity)).Round(2).InexactFloat64()
}

// Holdings values the positions of scope at the latest prices.
func (m *Market) Holdings(scope string) ([]models.Holding, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Holding, 0, len(m.tickers))
	total := decimal.Zero
	for _, t := range m.tickers {
		q := Quantity(scope, t)
		v := value(m.prices[t], q)
		out = append(out, models.Holding{ID: t, Price: m.prices[t], Quantity: q, Value: v})
		total = total.Add(decimal.NewFromFloat(v))
	}
	return out, total.InexactFloat64()
}

// Batch renders the current state of scope as one prices frame.
func (m *Market) Batch(scope string) models.TickBatch {
	holdings, total := m.Holdings(scope)
	rows := make([]models.PriceRow, len(holdings))
	for i, h := range holdings {
		rows[i] = models.PriceRow{
			ID:       h.ID,
			Price:    models.Float(h.Price),
			Quantity: models.Float(h.Quantity),
			Value:    models.Float(h.Value),
		}
	}
	return models.TickBatch{TotalUSD: total, Rows: rows}
}

// Prices returns the recorded price history of symbol, oldest first.
func (m *Market) Prices(symbol string) []models.SeriesPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.SeriesPoint(nil), m.history[symbol]...)
}

// History values the position of scope in symbol over the recorded prices.
// The cost basis is the first recorded price.
func (m *Market) History(scope, symbol string) []models.HistoricalPoint {
	pts := m.Prices(symbol)
	if len(pts) == 0 {
		return []models.HistoricalPoint{}
	}
	q := Quantity(scope, symbol)
	cost := value(pts[0].Value, q)

	out := make([]models.HistoricalPoint, len(pts))
	for i, p := range pts {
		out[i] = models.HistoricalPoint{T: p.T, Value: value(p.Value, q), Cost: models.Float(cost)}
	}
	return out
}

// Known reports whether symbol is simulated.
func (m *Market) Known(symbol string) bool {
	_, ok := m.Price(symbol)
	return ok
}

// Subscribe returns a channel signalled after every applied update. Signals
// coalesce: a slow reader sees one pending signal, not one per update.
func (m *Market) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Market) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
