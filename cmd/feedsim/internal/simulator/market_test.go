package simulator_test

import (
	"context"
	"testing"
	"time"

	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/simulator"
	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/testutils"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

func newMarket() (*simulator.Market, *testutils.MockClock) {
	clock := &testutils.MockClock{CurrentTime: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	return simulator.NewMarket([]string{"ETH", "BTC"}, map[string]float64{"BTC": 50, "ETH": 10}, clock), clock
}

func TestQuantity_Stable(t *testing.T) {
	for _, scope := range []string{"", "acct-1", "acct-2"} {
		q := simulator.Quantity(scope, "BTC")
		if q < 1 || q > 10 || q != float64(int(q)) {
			t.Errorf("Quantity out of range for %q: %v", scope, q)
		}
		if q != simulator.Quantity(scope, "BTC") {
			t.Errorf("Quantity should be deterministic")
		}
	}
}

func TestMarket_Holdings(t *testing.T) {
	m, _ := newMarket()

	holdings, total := m.Holdings("acct-1")
	if len(holdings) != 2 || holdings[0].ID != "BTC" || holdings[1].ID != "ETH" {
		t.Fatalf("Expected holdings sorted by ticker, got %+v", holdings)
	}
	want := 50*simulator.Quantity("acct-1", "BTC") + 10*simulator.Quantity("acct-1", "ETH")
	if total != want {
		t.Errorf("Expected total %v, got %v", want, total)
	}

	batch := m.Batch("acct-1")
	if batch.TotalUSD != total || len(batch.Rows) != 2 {
		t.Fatalf("Unexpected batch %+v", batch)
	}
	if v, ok := batch.Rows[0].EffectiveValue(); !ok || v != holdings[0].Value {
		t.Errorf("Row value should match holding, got %v", v)
	}
}

func TestMarket_PublishAndHistory(t *testing.T) {
	m, clock := newMarket()
	ctx := context.Background()

	clock.Sleep(time.Minute)
	m.Publish(ctx, models.PriceUpdate{Symbol: "BTC", Price: 55})
	m.Publish(ctx, models.PriceUpdate{Symbol: "DOGE", Price: 1})

	if p, _ := m.Price("BTC"); p != 55 {
		t.Errorf("Expected 55, got %v", p)
	}
	if m.Known("DOGE") {
		t.Errorf("Unknown tickers should be ignored")
	}

	pts := m.Prices("BTC")
	if len(pts) != 2 || !pts[1].T.Equal(clock.Now()) {
		t.Fatalf("Expected the clock time on an untimestamped update, got %+v", pts)
	}

	q := simulator.Quantity("acct-1", "BTC")
	hist := m.History("acct-1", "BTC")
	if len(hist) != 2 {
		t.Fatalf("Expected 2 history points, got %d", len(hist))
	}
	if hist[1].Value != 55*q || hist[1].Cost == nil || *hist[1].Cost != 50*q {
		t.Errorf("Unexpected history point %+v", hist[1])
	}
}

func TestMarket_HistoryCapped(t *testing.T) {
	m, _ := newMarket()
	for i := 0; i < 600; i++ {
		m.Publish(context.Background(), models.PriceUpdate{Symbol: "ETH", Price: float64(i + 1)})
	}
	pts := m.Prices("ETH")
	if len(pts) != 512 || pts[len(pts)-1].Value != 600 {
		t.Errorf("Expected the newest 512 prices, got %d ending %v", len(pts), pts[len(pts)-1].Value)
	}
}

func TestMarket_SubscribeCoalesces(t *testing.T) {
	m, _ := newMarket()
	updates, unsubscribe := m.Subscribe()

	m.Publish(context.Background(), models.PriceUpdate{Symbol: "BTC", Price: 51})
	m.Publish(context.Background(), models.PriceUpdate{Symbol: "BTC", Price: 52})

	select {
	case <-updates:
	default:
		t.Fatal("Expected a pending signal")
	}
	select {
	case <-updates:
		t.Fatal("Signals should coalesce")
	default:
	}

	unsubscribe()
	unsubscribe()
	m.Publish(context.Background(), models.PriceUpdate{Symbol: "BTC", Price: 53})
	select {
	case <-updates:
		t.Error("No signal expected after unsubscribe")
	default:
	}
}
