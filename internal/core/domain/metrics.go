package domain

import "time"

// RoutingStats counts inbound packets per identifier as seen by the routing path.
type RoutingStats struct {
	Delivered map[StreamIdentifier]uint64 `json:"delivered"`
	Dropped   map[StreamIdentifier]uint64 `json:"dropped"`
	Timestamp time.Time                   `json:"timestamp"`
}

// ReconfigurationRecord is one processed operator command.
type ReconfigurationRecord struct {
	Command   string    `json:"command"`
	Policy    string    `json:"policy"`
	Layers    int       `json:"layers"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
