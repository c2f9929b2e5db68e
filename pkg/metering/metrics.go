package metering

import "time"

// Metrics defines the interface for tracking spend decisions and store health.
type Metrics interface {
	// RecordSpend records one spend attempt.
	// role: "free" or "pro". outcome: "allowed", "denied", or "error".
	RecordSpend(role, outcome string)

	// RecordSpendDuration records the end-to-end latency of a spend decision.
	RecordSpendDuration(role string, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordSpend(role, outcome string)                                           {}
func (n *NoopMetrics) RecordSpendDuration(role string, duration time.Duration)                    {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
