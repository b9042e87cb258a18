package models

// PriceUpdate is a per-symbol market update as carried on the Kafka ticks topic.
type PriceUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix micro
	SeqID     int64   `json:"seq_id"`    // monotonic counter per symbol
}
