package models

import "time"

// Holding is the current position in one subject as rendered by the dashboard.
type Holding struct {
	ID       string  `json:"id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
}

// HoldingsSnapshot is the read model for one scope.
type HoldingsSnapshot struct {
	Scope     string             `json:"scope"`
	Holdings  map[string]Holding `json:"holdings"`
	TotalUSD  float64            `json:"totalUSD"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy so callers may modify the result freely.
func (s HoldingsSnapshot) Clone() HoldingsSnapshot {
	out := s
	out.Holdings = make(map[string]Holding, len(s.Holdings))
	for k, v := range s.Holdings {
		out.Holdings[k] = v
	}
	return out
}
