package domain

import "time"

// DID is a phone number held in the shared pool. StoreID is a back-reference, not ownership.
type DID struct {
	ID           string     `json:"id"`
	PhoneNumber  string     `json:"phone_number"`
	Assigned     bool       `json:"assigned"`
	StoreID      *string    `json:"store_id,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	UnassignedAt *time.Time `json:"unassigned_at,omitempty"`
}

// PoolStats summarizes DID inventory.
type PoolStats struct {
	Total     int `json:"total"`
	Assigned  int `json:"assigned"`
	Available int `json:"available"`
}
