package ftpfs

import "time"

// MetricsCollector is an optional interface for collecting engine metrics.
// The metrics package provides a Prometheus implementation.
//
// Methods are called synchronously from the operation that produced the
// measurement and should not block. The engine checks for a nil collector,
// so implementations don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordOperation records one public operation ("read", "copy", ...).
	RecordOperation(op string, success bool, duration time.Duration)

	// RecordTransfer records bytes moved over a data connection.
	// direction is "download" or "upload".
	RecordTransfer(direction string, bytes int64, duration time.Duration)

	// RecordConnection records pool events: "dialed", "reused",
	// "expired", "discarded", "closed" or "dial_failed".
	RecordConnection(event string)

	// RecordLookup records which attribute lookup tier decided and how.
	RecordLookup(tier, outcome string)
}
