package simulator

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

const (
	// maxStep is the largest relative move of one tick.
	maxStep  = 0.01
	minPrice = 0.01
)

// Walk moves one random ticker per interval by at most ±1% and publishes the
// update to every sink.
type Walk struct {
	logger      *zap.Logger
	sinks       []Sink
	tickers     []string
	prices      map[string]float64
	rand        Rand
	clock       Clock
	interval    time.Duration
	seqCounters map[string]int64
}

func NewWalk(
	logger *zap.Logger,
	tickers []string,
	basePrices map[string]float64,
	interval time.Duration,
	rnd Rand,
	clock Clock,
	sinks ...Sink,
) *Walk {
	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		prices[t] = basePrices[t]
		if prices[t] <= 0 {
			prices[t] = 100
		}
	}
	return &Walk{
		logger:      logger,
		sinks:       sinks,
		tickers:     tickers,
		prices:      prices,
		rand:        rnd,
		clock:       clock,
		interval:    interval,
		seqCounters: make(map[string]int64),
	}
}

func (w *Walk) Run(ctx context.Context) {
	w.logger.Info("Random walk started", zap.Strings("tickers", w.tickers), zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if len(w.tickers) == 0 {
				w.clock.Sleep(time.Second)
				continue
			}

			update := w.Step()
			for _, s := range w.sinks {
				if err := s.Publish(ctx, update); err != nil {
					w.logger.Error("Publish Error", zap.String("symbol", update.Symbol), zap.Error(err))
				}
			}

			w.clock.Sleep(w.interval)
		}
	}
}

// Step advances one ticker and returns its update.
func (w *Walk) Step() models.PriceUpdate {
	symbol := w.tickers[w.rand.Intn(len(w.tickers))]
	move := (w.rand.Float64()*2 - 1) * maxStep
	price := math.Max(minPrice, math.Round(w.prices[symbol]*(1+move)*100)/100)
	w.prices[symbol] = price
	w.seqCounters[symbol]++

	return models.PriceUpdate{
		Symbol:    symbol,
		Price:     price,
		Timestamp: w.clock.Now().UnixMicro(),
		SeqID:     w.seqCounters[symbol],
	}
}
