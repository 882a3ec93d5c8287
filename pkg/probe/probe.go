// Package probe implements the concurrent measurement engine: it runs
// sustained multi-stream load against a reference service, samples queueing
// delay while the load is in flight, and reduces the raw samples to the
// throughput and latency figures consumed by SQM calibration.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sqm-tools/cfprobe/internal/netx"
	"github.com/sqm-tools/cfprobe/pkg/version"
)

const (
	downPath  = "/__down"
	upPath    = "/__up"
	tracePath = "/cdn-cgi/trace"
)

// Prober runs measurements against a single reference service.
type Prober struct {
	config  Config
	emitter Emitter

	// client carries the control-plane traffic: metadata lookups and
	// latency probes. Transfer workers build their own clients.
	client *http.Client

	baseURL   string
	userAgent string
}

// New returns a Prober for the given configuration. If the configuration
// names a bind interface, the interface is resolved here and an unresolvable
// interface fails with a bind error before any traffic is attempted.
func New(config Config) (*Prober, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client, err := netx.NewClient(config.Interface)
	if err != nil {
		return nil, err
	}
	emitter := config.Emitter
	if emitter == nil {
		emitter = &HumanReadable{}
	}
	return &Prober{
		config:    config,
		emitter:   emitter,
		client:    client,
		baseURL:   strings.TrimSuffix(config.ServerURL, "/"),
		userAgent: "cfprobe/" + version.Version,
	}, nil
}

// Run executes a full measurement: metadata, unloaded latency, then the
// selected transfer phases. It always returns a Result; on failure the
// Result carries Success=false and an error of the form "<phase>: <cause>",
// and the failed phase contributes no partial numbers.
func (p *Prober) Run(ctx context.Context) *Result {
	result := &Result{
		RunID:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Config: RunConfig{
			Streams:   p.config.Streams,
			DurationS: p.config.Duration.Seconds(),
		},
	}
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	meta, err := p.Metadata(ctx)
	if err != nil {
		return fail(result, "metadata", err)
	}
	result.Metadata = meta
	p.emitter.OnMetadata(meta)

	latency, err := p.UnloadedLatency(ctx)
	if err != nil {
		return fail(result, "latency", err)
	}
	result.Latency = latency
	p.emitter.OnLatency(latency)

	if !p.config.UploadOnly {
		p.emitter.OnPhaseStart(DirectionDownload)
		download, err := p.Measure(ctx, DirectionDownload)
		if err != nil {
			return fail(result, "download", err)
		}
		result.Download = download
		p.emitter.OnPhaseComplete(DirectionDownload, download)
	}
	if !p.config.DownloadOnly {
		p.emitter.OnPhaseStart(DirectionUpload)
		upload, err := p.Measure(ctx, DirectionUpload)
		if err != nil {
			return fail(result, "upload", err)
		}
		result.Upload = upload
		p.emitter.OnPhaseComplete(DirectionUpload, upload)
	}

	result.Success = true
	return result
}

func fail(result *Result, phase string, err error) *Result {
	result.Success = false
	result.Error = fmt.Sprintf("%s: %v", phase, err)
	return result
}
