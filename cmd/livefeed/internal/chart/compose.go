// Package chart composes renderable series from live buffers and external history.
// Every function here is pure and may be recomputed on each render.
package chart

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/series"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Source names the input a composed value was taken from.
type Source string

const (
	SourceLive    Source = "live"
	SourceHistory Source = "history"
	SourceMarket  Source = "market"
)

// Point is one renderable sample.
type Point struct {
	T      time.Time `json:"t"`
	Value  float64   `json:"value"`
	PnL    float64   `json:"pnl"`
	Source Source    `json:"source"`
}

// Aggregate windows the live "ALL" series and computes P&L against the first
// point in the window.
func Aggregate(live []models.SeriesPoint, window time.Duration, now time.Time) []Point {
	pts := series.Window(live, window, now)
	if len(pts) == 0 {
		return []Point{}
	}

	base := decimal.NewFromFloat(pts[0].Value)
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{
			T:      p.T,
			Value:  p.Value,
			PnL:    decimal.NewFromFloat(p.Value).Sub(base).InexactFloat64(),
			Source: SourceLive,
		}
	}
	return out
}

// SubjectInput gathers what is known about one subject.
type SubjectInput struct {
	Live     []models.SeriesPoint
	History  []models.HistoricalPoint
	Market   []models.SeriesPoint // raw prices
	Quantity float64              // current holding quantity
}

type joined struct {
	t      time.Time
	value  float64
	cost   *float64
	source Source
}

// Subject outer-joins the three inputs by timestamp. At each timestamp the
// historical value wins, then the live value, then market price × quantity.
// P&L is value minus cost when the history carries a cost, otherwise value
// minus the first value in the window.
func Subject(in SubjectInput, window time.Duration, now time.Time) []Point {
	byTime := make(map[int64]*joined)
	slot := func(t time.Time) *joined {
		k := t.UnixMilli()
		j, ok := byTime[k]
		if !ok {
			j = &joined{t: t}
			byTime[k] = j
		}
		return j
	}

	for _, p := range in.Market {
		j := slot(p.T)
		j.value = decimal.NewFromFloat(p.Value).Mul(decimal.NewFromFloat(in.Quantity)).InexactFloat64()
		j.source = SourceMarket
	}
	for _, p := range in.Live {
		j := slot(p.T)
		j.value, j.source = p.Value, SourceLive
	}
	for _, p := range in.History {
		j := slot(p.T)
		j.value, j.source, j.cost = p.Value, SourceHistory, p.Cost
	}

	rows := make([]*joined, 0, len(byTime))
	for _, j := range byTime {
		rows = append(rows, j)
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].t.Before(rows[b].t) })

	// window on values, then map the kept suffix back to the joined rows
	vals := make([]models.SeriesPoint, len(rows))
	for i, r := range rows {
		vals[i] = models.SeriesPoint{T: r.t, Value: r.value}
	}
	kept := series.Window(vals, window, now)
	rows = rows[len(rows)-len(kept):]
	if len(rows) == 0 {
		return []Point{}
	}

	base := decimal.NewFromFloat(rows[0].value)
	out := make([]Point, len(rows))
	for i, r := range rows {
		v := decimal.NewFromFloat(r.value)
		pnl := v.Sub(base)
		if r.cost != nil {
			pnl = v.Sub(decimal.NewFromFloat(*r.cost))
		}
		out[i] = Point{T: r.t, Value: r.value, PnL: pnl.InexactFloat64(), Source: r.source}
	}
	return out
}
