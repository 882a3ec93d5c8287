package probe

import "time"

// Metadata describes the reference service edge that answered this run and
// the public address it saw. It is informational only and never affects
// control flow.
type Metadata struct {
	// Colo is the identifier of the edge location (e.g. "SIN").
	Colo string `json:"colo"`
	// IP is the public IP address of this host as seen by the edge.
	IP string `json:"ip"`
	// Location is the coarse geographic location reported by the edge.
	Location string `json:"loc"`
}

// LatencyResult is the reduction of an unloaded latency sample set.
type LatencyResult struct {
	// UnloadedMs is the median round-trip time with no concurrent load.
	UnloadedMs float64 `json:"unloaded_ms"`
	// JitterMs is the mean absolute successive difference of the samples.
	JitterMs float64 `json:"jitter_ms"`
}

// ThroughputResult is the outcome of a single measurement phase.
type ThroughputResult struct {
	// BPS is the steady-state mean throughput in bits per second.
	BPS float64 `json:"bps"`
	// Bytes is the total number of bytes moved during the phase.
	Bytes int64 `json:"bytes"`
	// LoadedMs is the median round-trip time measured while the phase's
	// load was in flight.
	LoadedMs float64 `json:"loaded_ms"`
	// LoadedJitterMs is the jitter of the loaded latency samples.
	LoadedJitterMs float64 `json:"loaded_jitter_ms"`
}

// RunConfig echoes the configuration a Result was produced with.
type RunConfig struct {
	Streams   int     `json:"streams"`
	DurationS float64 `json:"duration_s"`
}

// Result is the top-level aggregate of a full run. It is owned by the
// orchestrator; each phase populates only its own field and nothing is
// mutated after the run completes.
type Result struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  *Metadata         `json:"metadata,omitempty"`
	Latency   *LatencyResult    `json:"latency,omitempty"`
	Download  *ThroughputResult `json:"download,omitempty"`
	Upload    *ThroughputResult `json:"upload,omitempty"`
	Config    RunConfig         `json:"config"`
}
