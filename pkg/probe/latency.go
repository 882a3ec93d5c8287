package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/m-lab/go/memoryless"
)

const (
	// latencyProbeCount is the number of round trips the unloaded prober
	// performs.
	latencyProbeCount = 10

	// Unloaded probes wait a short, slightly randomized interval between
	// round trips so that they don't phase-lock with periodic cross
	// traffic.
	unloadedProbeMin      = 80 * time.Millisecond
	unloadedProbeExpected = 100 * time.Millisecond
	unloadedProbeMax      = 150 * time.Millisecond
)

// UnloadedLatency measures baseline latency with no concurrent load: it
// performs latencyProbeCount lightweight round trips and reduces them to a
// median and a jitter figure. Any failed round trip is fatal to the run.
func (p *Prober) UnloadedLatency(ctx context.Context) (*LatencyResult, error) {
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      unloadedProbeMin,
		Expected: unloadedProbeExpected,
		Max:      unloadedProbeMax,
	})
	if err != nil {
		return nil, err
	}
	defer ticker.Stop()

	samples := make([]float64, 0, latencyProbeCount)
	for i := 0; i < latencyProbeCount; i++ {
		rtt, err := p.measureRTT(ctx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, rtt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return &LatencyResult{
		UnloadedMs: median(samples),
		JitterMs:   jitter(samples),
	}, nil
}

// measureRTT issues one minimal GET and returns the wall-clock round trip in
// milliseconds, corrected downward by the server-reported processing time.
func (p *Prober) measureRTT(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s%s?bytes=0", p.baseURL, downPath), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	serverTime := ParseServerTiming(resp.Header)
	return float64(elapsed-serverTime) / float64(time.Millisecond), nil
}
