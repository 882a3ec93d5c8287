package probe

import (
	"github.com/charmbracelet/log"
)

// Emitter is an interface for reporting progress during a run. It can be
// overridden to provide custom output.
type Emitter interface {
	// OnMetadata is called after the reference service identity lookup.
	OnMetadata(meta *Metadata)
	// OnLatency is called after the unloaded latency phase.
	OnLatency(latency *LatencyResult)
	// OnPhaseStart is called when a transfer phase begins.
	OnPhaseStart(direction Direction)
	// OnSample is called for every instantaneous throughput sample.
	OnSample(direction Direction, bps float64)
	// OnPhaseComplete is called when a transfer phase finishes.
	OnPhaseComplete(direction Direction, result *ThroughputResult)
}

// HumanReadable logs human-readable progress to stderr. Samples are only
// logged when Debug is set.
type HumanReadable struct {
	Debug bool
}

// OnMetadata logs the edge location and public IP.
func (HumanReadable) OnMetadata(meta *Metadata) {
	log.Info("connected to reference service", "colo", meta.Colo, "ip", meta.IP, "loc", meta.Location)
}

// OnLatency logs the unloaded latency figures.
func (HumanReadable) OnLatency(latency *LatencyResult) {
	log.Info("unloaded latency", "median_ms", latency.UnloadedMs, "jitter_ms", latency.JitterMs)
}

// OnPhaseStart logs the beginning of a transfer phase.
func (HumanReadable) OnPhaseStart(direction Direction) {
	log.Info("phase starting", "direction", direction)
}

// OnSample logs one throughput sample when Debug is set.
func (e HumanReadable) OnSample(direction Direction, bps float64) {
	if e.Debug {
		log.Debug("sample", "direction", direction, "mbps", bps/1e6)
	}
}

// OnPhaseComplete logs the reduced phase result.
func (HumanReadable) OnPhaseComplete(direction Direction, result *ThroughputResult) {
	log.Info("phase complete", "direction", direction,
		"mbps", result.BPS/1e6, "bytes", result.Bytes,
		"loaded_ms", result.LoadedMs, "loaded_jitter_ms", result.LoadedJitterMs)
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
