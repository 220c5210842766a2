package domain

import "time"

// CallLog is one completed inbound call for a store.
type CallLog struct {
	StoreID         string    `json:"store_id"`
	CallID          string    `json:"call_id"`
	CustomerPhone   string    `json:"customer_phone"`
	DurationSeconds int       `json:"duration_seconds"`
	Transcript      string    `json:"transcript"`
	Summary         string    `json:"summary"`
	CSATScore       *int      `json:"csat_score,omitempty"`
	Cost            float64   `json:"cost"`
	CreatedAt       time.Time `json:"created_at"`
}

// CallLogListOptions pages through a store's live call logs.
type CallLogListOptions struct {
	Limit  int
	Offset int
}
