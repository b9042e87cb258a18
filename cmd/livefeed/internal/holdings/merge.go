// Package holdings keeps the per-scope holdings read model current with live ticks.
package holdings

import (
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Merge applies batch onto prev and returns the next snapshot. prev is not
// modified. Rows without a matching holding are ignored and holdings absent
// from the batch keep their values. The aggregate total is always replaced.
func Merge(prev models.HoldingsSnapshot, batch models.TickBatch) models.HoldingsSnapshot {
	next := prev.Clone()
	next.TotalUSD = batch.TotalUSD
	if !batch.ReceivedAt.IsZero() {
		next.UpdatedAt = batch.ReceivedAt
	}

	for _, row := range batch.Rows {
		h, ok := next.Holdings[row.ID]
		if !ok {
			continue
		}
		next.Holdings[row.ID] = apply(h, row)
	}
	return next
}

func apply(h models.Holding, row models.PriceRow) models.Holding {
	if row.Price != nil {
		h.Price = *row.Price
	}
	if row.Quantity != nil {
		h.Quantity = *row.Quantity
	}
	if row.Value != nil {
		h.Value = *row.Value
	} else {
		h.Value = Valuation(h.Quantity, h.Price)
	}
	return h
}

// Valuation multiplies quantity by price in decimal so repeated merges
// do not accumulate binary rounding noise.
func Valuation(quantity, price float64) float64 {
	return decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(price)).InexactFloat64()
}
