package chart_test

import (
	"testing"
	"time"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/chart"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/series"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func ts(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func TestAggregate_PnLFromWindowStart(t *testing.T) {
	live := []models.SeriesPoint{
		{T: ts(0), Value: 90},
		{T: ts(10), Value: 100},
		{T: ts(20), Value: 104.5},
		{T: ts(30), Value: 98},
	}

	got := chart.Aggregate(live, 25*time.Minute, ts(30))
	if len(got) != 3 {
		t.Fatalf("Expected 3 points in window, got %d", len(got))
	}
	wantPnL := []float64{0, 4.5, -2}
	for i, w := range wantPnL {
		if got[i].PnL != w {
			t.Errorf("Point %d: expected pnl %v, got %v", i, w, got[i].PnL)
		}
	}

	if all := chart.Aggregate(live, series.All, ts(30)); all[3].PnL != 8 {
		t.Errorf("Expected pnl 8 over full history, got %v", all[3].PnL)
	}
	if empty := chart.Aggregate(nil, time.Hour, ts(0)); len(empty) != 0 {
		t.Errorf("Expected no points")
	}
}

func TestSubject_OuterJoinPreference(t *testing.T) {
	in := chart.SubjectInput{
		History: []models.HistoricalPoint{
			{T: ts(0), Value: 200, Cost: models.Float(150)},
			{T: ts(10), Value: 210},
		},
		Live: []models.SeriesPoint{
			{T: ts(10), Value: 999}, // loses to history
			{T: ts(30), Value: 240},
		},
		Market: []models.SeriesPoint{
			{T: ts(20), Value: 11},
			{T: ts(30), Value: 1}, // loses to live
		},
		Quantity: 20,
	}

	got := chart.Subject(in, series.All, ts(30))
	if len(got) != 4 {
		t.Fatalf("Expected 4 joined points, got %d: %+v", len(got), got)
	}

	want := []struct {
		value  float64
		pnl    float64
		source chart.Source
	}{
		{200, 50, chart.SourceHistory},
		{210, 10, chart.SourceHistory},
		{220, 20, chart.SourceMarket},
		{240, 40, chart.SourceLive},
	}
	for i, w := range want {
		p := got[i]
		if p.Value != w.value || p.PnL != w.pnl || p.Source != w.source {
			t.Errorf("Point %d: expected %+v, got %+v", i, w, p)
		}
	}
}

func TestSubject_WindowFilter(t *testing.T) {
	in := chart.SubjectInput{
		Live: []models.SeriesPoint{
			{T: ts(0), Value: 1},
			{T: ts(50), Value: 2},
			{T: ts(59), Value: 3},
		},
	}

	got := chart.Subject(in, 5*time.Minute, ts(60))
	if len(got) != 2 || got[0].Value != 2 {
		t.Errorf("Expected fallback to two most recent points, got %+v", got)
	}

	got = chart.Subject(in, 15*time.Minute, ts(60))
	if len(got) != 2 || got[1].PnL != 1 {
		t.Errorf("Expected points 2,3 with pnl vs window start, got %+v", got)
	}
}

func TestSubject_Empty(t *testing.T) {
	if got := chart.Subject(chart.SubjectInput{}, time.Hour, t0); len(got) != 0 {
		t.Errorf("Expected no points, got %+v", got)
	}
}
