package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/sqm-tools/cfprobe/internal/netx"
)

// Direction selects a measurement phase.
type Direction string

const (
	// DirectionDownload measures download throughput.
	DirectionDownload = Direction("download")
	// DirectionUpload measures upload throughput.
	DirectionUpload = Direction("upload")
)

const (
	// sampleInterval is the fixed interval at which the engine reads the
	// shared byte counter.
	sampleInterval = 100 * time.Millisecond

	// minSampleElapsed discards counter readings whose elapsed time is
	// implausibly small and would produce unstable throughput spikes.
	minSampleElapsed = 5 * time.Millisecond

	// Loaded-latency probes run at a slightly randomized interval so that
	// they don't phase-lock with the sampler or with worker request
	// boundaries.
	loadedProbeMin      = 400 * time.Millisecond
	loadedProbeExpected = 500 * time.Millisecond
	loadedProbeMax      = 600 * time.Millisecond

	// contextGrace is the hard deadline ceiling past the phase duration,
	// guarding against a worker stuck in a slow read.
	contextGrace = 5 * time.Second

	// bindCheckDelay is how long after launch the engine verifies that at
	// least one worker obtained a bound client.
	bindCheckDelay = 100 * time.Millisecond

	// retryBackoff is how long a worker waits after a failed or
	// rate-limited request.
	retryBackoff = 100 * time.Millisecond

	// minChunkBytes is the floor a worker's download chunk size may be
	// halved down to under rate limiting.
	minChunkBytes = 10 * 1024

	// readBufferSize is the size of each worker's body read buffer.
	readBufferSize = 32 * 1024
)

// latencySink is the shared, append-only list of loaded-latency samples.
// Only the probe goroutine writes to it.
type latencySink struct {
	mu      sync.Mutex
	samples []float64
}

func (s *latencySink) add(ms float64) {
	s.mu.Lock()
	s.samples = append(s.samples, ms)
	s.mu.Unlock()
}

func (s *latencySink) reduce() (medianMs, jitterMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return median(s.samples), jitter(s.samples)
}

// Measure runs one transfer phase: Streams concurrent workers generate load
// in the given direction for the configured duration while one concurrent
// probe samples loaded latency, and the engine reduces the byte-counter time
// series to a single ThroughputResult.
//
// Per-request failures inside workers are absorbed and retried. Only
// systemic conditions escalate: zero workers bound at startup, or the phase
// deadline expiring before the sampling loop completes. On error no partial
// result is returned.
func (p *Prober) Measure(ctx context.Context, direction Direction) (*ThroughputResult, error) {
	// The context ceiling is independent of the stop gate below: either
	// firing causes every loop to exit within one iteration.
	ctx, cancel := context.WithTimeout(ctx, p.config.Duration+contextGrace)
	defer cancel()

	var (
		totalBytes atomic.Int64
		bound      atomic.Int64
		stop       = make(chan struct{})
		wg         sync.WaitGroup
		sink       = &latencySink{}
	)

	var payload []byte
	if direction == DirectionUpload {
		payload = make([]byte, p.config.UploadBytes)
		// Workers share the payload read-only, so a single fill is enough.
		rand.New(rand.NewSource(time.Now().UnixMilli())).Read(payload)
	}

	for i := 0; i < p.config.Streams; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			client, err := netx.NewClient(p.config.Interface)
			if err != nil {
				log.Debug("worker failed to build client", "worker", id, "error", err)
				return
			}
			defer client.CloseIdleConnections()
			bound.Add(1)
			w := &worker{
				id:        id,
				client:    client,
				baseURL:   p.baseURL,
				userAgent: p.userAgent,
				chunk:     int64(p.config.DownloadBytes),
				payload:   payload,
				counter:   &totalBytes,
				buf:       make([]byte, readBufferSize),
			}
			w.run(ctx, stop, direction)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.probeLoop(ctx, stop, sink)
	}()

	teardown := func() {
		close(stop)
		wg.Wait()
	}

	// Startup verification: a nonzero stream count with zero bound workers
	// must fail loudly rather than report near-zero throughput.
	if p.config.Streams > 0 {
		select {
		case <-time.After(bindCheckDelay):
		case <-ctx.Done():
			teardown()
			return nil, ctx.Err()
		}
		if bound.Load() == 0 {
			teardown()
			return nil, fmt.Errorf("%w: no workers obtained a bound connection", ErrBindFailure)
		}
	}

	samples, err := p.sampleLoop(ctx, direction, &totalBytes)

	// Broadcast stop exactly once and wait for every worker and the probe,
	// so no connection or goroutine outlives this call.
	teardown()

	if err != nil {
		return nil, err
	}
	medianMs, jitterMs := sink.reduce()
	return &ThroughputResult{
		BPS:            mean(trimWarmup(samples)),
		Bytes:          totalBytes.Load(),
		LoadedMs:       medianMs,
		LoadedJitterMs: jitterMs,
	}, nil
}

// sampleLoop reads the shared byte counter every sampleInterval for the
// configured duration, converting each delta to an instantaneous throughput
// sample. A context expiry mid-loop discards everything.
func (p *Prober) sampleLoop(ctx context.Context, direction Direction, total *atomic.Int64) ([]float64, error) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.config.Duration)
	defer deadline.Stop()

	var samples []float64
	prevBytes := total.Load()
	prevTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return samples, nil
		case now := <-ticker.C:
			elapsed := now.Sub(prevTime)
			if elapsed < minSampleElapsed {
				continue
			}
			cur := total.Load()
			bps := float64(cur-prevBytes) * 8 / elapsed.Seconds()
			samples = append(samples, bps)
			p.emitter.OnSample(direction, bps)
			prevBytes = cur
			prevTime = now
		}
	}
}

// probeLoop samples loaded latency concurrently with the transfer workers.
// The probe interval is slightly randomized around loadedProbeExpected
// rather than strictly periodic, so the probe cannot phase-lock with the
// fixed-interval sampler or with worker request boundaries.
// Probe failures under load are expected and absorbed; non-positive
// corrected round trips imply no added network delay and are discarded, not
// recorded as zero.
func (p *Prober) probeLoop(ctx context.Context, stop <-chan struct{}, sink *latencySink) {
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      loadedProbeMin,
		Expected: loadedProbeExpected,
		Max:      loadedProbeMax,
	})
	// The interval constants are valid by construction.
	rtx.PanicOnError(err, "loaded-latency ticker creation failed")
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, err := p.measureRTT(ctx)
			if err != nil {
				log.Debug("loaded-latency probe failed", "error", err)
				continue
			}
			if rtt > 0 {
				sink.add(rtt)
			}
		}
	}
}

// worker is one transfer stream. It owns its client exclusively and adapts
// its own chunk size under rate limiting, uncoordinated with other workers.
type worker struct {
	id        int
	client    *http.Client
	baseURL   string
	userAgent string
	chunk     int64
	payload   []byte
	counter   *atomic.Int64
	buf       []byte
}

func (w *worker) run(ctx context.Context, stop <-chan struct{}, direction Direction) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		var status int
		var err error
		switch direction {
		case DirectionDownload:
			status, err = w.download(ctx)
		case DirectionUpload:
			status, err = w.upload(ctx)
		}

		switch {
		case err == nil && status == http.StatusOK:
			// Keep the connection busy.
		case status == http.StatusTooManyRequests && direction == DirectionDownload:
			w.shrinkChunk()
			w.backoff(ctx, stop)
		default:
			// Transport errors and other non-success statuses are absorbed
			// here and never escalate to the caller.
			if err != nil {
				log.Debug("worker request failed", "worker", w.id, "error", err)
			}
			w.backoff(ctx, stop)
		}
	}
}

// shrinkChunk halves this worker's chunk size, clamped to the floor. The
// chunk never grows: a chunk configured below the floor stays where it is.
// The adaptation is purely local; concurrent workers may settle on different
// chunk sizes and that divergence is accepted.
func (w *worker) shrinkChunk() {
	half := w.chunk / 2
	if half < minChunkBytes {
		half = minChunkBytes
	}
	if half < w.chunk {
		w.chunk = half
	}
	log.Debug("rate limited, shrinking chunk", "worker", w.id, "chunk", w.chunk)
}

func (w *worker) backoff(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-stop:
	case <-ctx.Done():
	case <-time.After(retryBackoff):
	}
}

// download streams one chunk through the worker's read buffer, crediting the
// shared counter per chunk of bytes actually read so progress is visible
// incrementally.
func (w *worker) download(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s%s?bytes=%d", w.baseURL, downPath, w.chunk), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", w.userAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	for {
		n, err := resp.Body.Read(w.buf)
		if n > 0 {
			w.counter.Add(int64(n))
		}
		if err == io.EOF {
			return resp.StatusCode, nil
		}
		if err != nil {
			return resp.StatusCode, err
		}
	}
}

// upload POSTs the shared payload wrapped in a counting reader, so the
// shared counter advances as bytes are read for transmission rather than
// when the request completes.
func (w *worker) upload(ctx context.Context) (int, error) {
	body := &countingReader{
		r:       bytes.NewReader(w.payload),
		counter: w.counter,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+upPath, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(w.payload))
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// countingReader credits an atomic counter as bytes are read from the
// wrapped reader.
type countingReader struct {
	r       io.Reader
	counter *atomic.Int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(int64(n))
	}
	return n, err
}
