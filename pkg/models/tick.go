package models

import "time"

// AggregateSubject is the synthetic subject carrying the portfolio total.
const AggregateSubject = "ALL"

// PriceRow is one subject's entry in a prices frame. Absent fields stay nil.
type PriceRow struct {
	ID       string   `json:"id"`
	Price    *float64 `json:"price,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Value    *float64 `json:"value,omitempty"`
}

// EffectiveValue returns Value when present, otherwise Price*Quantity.
// ok is false when neither is available.
func (r PriceRow) EffectiveValue() (v float64, ok bool) {
	if r.Value != nil {
		return *r.Value, true
	}
	if r.Price != nil && r.Quantity != nil {
		return *r.Price * *r.Quantity, true
	}
	return 0, false
}

// TickBatch is one coherent snapshot pushed by the server.
type TickBatch struct {
	ReceivedAt time.Time  `json:"-"`
	TotalUSD   float64    `json:"totalUSD"`
	Rows       []PriceRow `json:"rows"`
}

// Dedupe keeps the last row for each id, preserving first-seen order.
func (b TickBatch) Dedupe() TickBatch {
	idx := make(map[string]int, len(b.Rows))
	rows := make([]PriceRow, 0, len(b.Rows))
	for _, r := range b.Rows {
		if i, ok := idx[r.ID]; ok {
			rows[i] = r
			continue
		}
		idx[r.ID] = len(rows)
		rows = append(rows, r)
	}
	b.Rows = rows
	return b
}

// SeriesPoint is a single sample of a time series.
type SeriesPoint struct {
	T     time.Time `json:"t"`
	Value float64   `json:"value"`
}

// HistoricalPoint is a sample of the externally provided cost/value history.
type HistoricalPoint struct {
	T     time.Time `json:"t"`
	Value float64   `json:"value"`
	Cost  *float64  `json:"cost,omitempty"`
}

// Float returns a pointer to v, handy for building rows.
func Float(v float64) *float64 { return &v }
