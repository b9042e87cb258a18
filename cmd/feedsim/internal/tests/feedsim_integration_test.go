package tests

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/server"
	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/simulator"
	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/testutils"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Tests the full path: Walk -> Kafka -> Kafka Source -> Market -> SSE stream
func TestIntegration_WalkToStream(t *testing.T) {
	logger := zap.NewNop()
	tickers := []string{"AAPL", "BTC"}
	base := map[string]float64{"AAPL": 190, "BTC": 60000}

	// 1. Producer side: BTC moves +1% per step, only the last three steps reach Kafka
	writer := &testutils.MockKafkaWriter{}
	publisher := simulator.NewKafkaPublisher(writer)
	walk := simulator.NewWalk(logger, tickers, base, time.Second,
		&testutils.MockRand{ValInt: 1, ValFloat: 1.0}, &testutils.MockClock{CurrentTime: time.Unix(1000, 0)})
	for i := 0; i < 3; i++ {
		walk.Step()
	}
	for i := 0; i < 3; i++ {
		if err := publisher.Publish(context.Background(), walk.Step()); err != nil {
			t.Fatal(err)
		}
	}
	// replay the first message, as a rebalance would
	msgs := append(append([]kafka.Message(nil), writer.Messages...), writer.Messages[0])

	// 2. Consumer side: the market behind the stream server
	clock := &testutils.MockClock{CurrentTime: time.Unix(900, 0)}
	market := simulator.NewMarket(tickers, base, clock)
	srv := httptest.NewServer(server.New(market, server.Options{Token: "tok"}, logger).Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/prices?accountId=acct-1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	r := bufio.NewReader(resp.Body)
	if first := nextBatch(t, r); *first.Rows[1].Price != 60000 {
		t.Fatalf("Expected the base price first, got %+v", first.Rows[1])
	}

	// 3. Drain Kafka into the market
	src := simulator.NewKafkaSource(logger, &testutils.MockKafkaReader{Messages: msgs}, market, 2)
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Kafka source failed: %v", err)
	}

	want := 60000.0
	for i := 0; i < 6; i++ {
		want = math.Round(want*1.01*100) / 100
	}
	if p, _ := market.Price("BTC"); p != want {
		t.Fatalf("Expected BTC %v, got %v", want, p)
	}
	if n := len(market.Prices("BTC")); n != 4 {
		t.Errorf("Expected seed plus 3 fresh prices, replay dropped; got %d", n)
	}

	// 4. The stream catches up; a read past the request deadline fails the test
	for {
		if b := nextBatch(t, r); *b.Rows[1].Price == want {
			q := simulator.Quantity("acct-1", "BTC")
			if v, _ := b.Rows[1].EffectiveValue(); v <= 0 || *b.Rows[1].Quantity != q {
				t.Errorf("Unexpected BTC row %+v", b.Rows[1])
			}
			return
		}
	}
}

func nextBatch(t *testing.T, r *bufio.Reader) models.TickBatch {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var b models.TickBatch
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			t.Fatalf("invalid frame %q: %v", data, err)
		}
		return b
	}
}
