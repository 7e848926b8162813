// Package connectivity tracks whether a room client can reach the backend,
// and queues actions for replay while it cannot.
package connectivity

import "time"

// Bandwidth is a coarse, advisory bandwidth class.
type Bandwidth string

const (
	BandwidthUnknown Bandwidth = "unknown"
	BandwidthLow     Bandwidth = "low"
	BandwidthMedium  Bandwidth = "medium"
	BandwidthHigh    Bandwidth = "high"
)

// NetworkQuality is advisory only. It never fails an operation.
type NetworkQuality struct {
	Bandwidth Bandwidth
	DataSaver bool
}

// Poor reports whether dependents should treat the link as degraded.
func (q NetworkQuality) Poor() bool {
	return q.Bandwidth == BandwidthLow || q.DataSaver
}

// PayloadVerbosity tells dependents how much to send.
type PayloadVerbosity string

const (
	VerbosityFull    PayloadVerbosity = "full"
	VerbosityCompact PayloadVerbosity = "compact"
)

func (q NetworkQuality) Verbosity() PayloadVerbosity {
	if q.Poor() {
		return VerbosityCompact
	}
	return VerbosityFull
}

// QualityFromRTT classifies a measured round trip.
func QualityFromRTT(rtt time.Duration) NetworkQuality {
	switch {
	case rtt <= 0:
		return NetworkQuality{Bandwidth: BandwidthUnknown}
	case rtt < 150*time.Millisecond:
		return NetworkQuality{Bandwidth: BandwidthHigh}
	case rtt < 600*time.Millisecond:
		return NetworkQuality{Bandwidth: BandwidthMedium}
	}
	return NetworkQuality{Bandwidth: BandwidthLow}
}
