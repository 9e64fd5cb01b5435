package types

import "time"

// LotRecord is the lifecycle record the auction engine consumes for a lot.
// It is decoupled from however the caller obtained it (HTTP, Kafka, tests).
type LotRecord struct {
	LotID            string     `json:"lot_id"`
	Name             string     `json:"name,omitempty"`
	Capacity         float64    `json:"capacity"`
	AvailabilityTime *time.Time `json:"availability_time,omitempty"`
}

// AvailableAfter reports whether the lot has an availability time later than now.
func (r LotRecord) AvailableAfter(now time.Time) bool {
	return r.AvailabilityTime != nil && r.AvailabilityTime.After(now)
}
