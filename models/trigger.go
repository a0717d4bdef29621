package models

import "time"

// Origin identifies which delivery path produced a trigger.
type Origin string

const (
	OriginArrival  Origin = "arrival"
	OriginExplicit Origin = "explicit"
	OriginRecovery Origin = "recovery"
)

// Trigger asks the handler to advance one job. SourceKey is set only for
// storage-arrival signals.
type Trigger struct {
	JobID        string    `json:"jobId"`
	SourceKey    string    `json:"sourceKey,omitempty"`
	Origin       Origin    `json:"origin"`
	Redeliveries int       `json:"redeliveries"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}
