// Package dispatch turns decoded records into typed tick batches and fans them
// out to subscribers.
package dispatch

import (
	"encoding/json"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/clock"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/frame"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// EventPrices is the only event name currently interpreted.
const EventPrices = "prices"

var errMissingTotal = errors.New("prices frame has no totalUSD")

// pricesPayload is the wire form of a prices frame. totalUSD is required.
type pricesPayload struct {
	TotalUSD *float64          `json:"totalUSD"`
	Rows     []models.PriceRow `json:"rows"`
}

func decodePrices(data string) (models.TickBatch, error) {
	var p pricesPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return models.TickBatch{}, err
	}
	if p.TotalUSD == nil {
		return models.TickBatch{}, errMissingTotal
	}
	return models.TickBatch{TotalUSD: *p.TotalUSD, Rows: p.Rows}, nil
}

// Dispatcher interprets "prices" records and publishes each batch, in arrival
// order, to every subscriber in registration order.
type Dispatcher struct {
	ticks  Topic[models.TickBatch]
	clock  clock.Clock
	logger *zap.Logger

	dispatched atomic.Uint64
	anomalies  atomic.Uint64
	ignored    atomic.Uint64
}

func NewDispatcher(clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{clock: clk, logger: logger}
}

// Subscribe registers fn for every dispatched batch.
func (d *Dispatcher) Subscribe(fn func(models.TickBatch)) (unsubscribe func()) {
	return d.ticks.Subscribe(fn)
}

// HandleRecord interprets one record. It reports whether a batch was published.
// Malformed payloads are dropped and counted; unknown events are ignored.
func (d *Dispatcher) HandleRecord(rec frame.Record) bool {
	if rec.Event != EventPrices {
		d.ignored.Add(1)
		d.logger.Debug("Ignoring event", zap.String("event", rec.Event))
		return false
	}

	batch, err := decodePrices(rec.Data)
	if err != nil {
		n := d.anomalies.Add(1)
		d.logger.Warn("Dropping malformed prices frame", zap.Error(err), zap.Uint64("anomalies", n))
		return false
	}

	batch = batch.Dedupe()
	batch.ReceivedAt = d.clock.Now()
	d.ticks.Publish(batch)
	d.dispatched.Add(1)
	return true
}

// Anomalies is the number of malformed prices payloads dropped so far.
func (d *Dispatcher) Anomalies() uint64 { return d.anomalies.Load() }

// Dispatched is the number of batches published so far.
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }

// Ignored is the number of records with an unrecognised event name.
func (d *Dispatcher) Ignored() uint64 { return d.ignored.Load() }
