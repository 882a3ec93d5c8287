package probe_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqm-tools/cfprobe/internal/handler"
	"github.com/sqm-tools/cfprobe/pkg/probe"
)

// newReferenceServer starts an httptest server speaking the reference wire
// protocol, optionally enforcing a per-client byte budget.
func newReferenceServer(t *testing.T, budget int64) *httptest.Server {
	t.Helper()
	h := handler.New("TEST", "XX", budget, time.Minute)
	t.Cleanup(h.Stop)
	mux := http.NewServeMux()
	mux.HandleFunc(handler.DownloadPath, h.Download)
	mux.HandleFunc(handler.UploadPath, h.Upload)
	mux.HandleFunc(handler.TracePath, h.Trace)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(serverURL string) probe.Config {
	config := probe.NewConfig()
	config.ServerURL = serverURL
	config.Streams = 2
	config.Duration = 600 * time.Millisecond
	config.DownloadBytes = 50_000
	config.UploadBytes = 20_000
	config.Timeout = 10 * time.Second
	return config
}

func TestProber_Metadata(t *testing.T) {
	srv := newReferenceServer(t, 0)
	prober, err := probe.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	meta, err := prober.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta.Colo != "TEST" {
		t.Errorf("colo = %q, want TEST", meta.Colo)
	}
	if meta.Location != "XX" {
		t.Errorf("loc = %q, want XX", meta.Location)
	}
	if meta.IP == "" {
		t.Error("expected a non-empty public IP")
	}
}

func TestProber_UnloadedLatency(t *testing.T) {
	srv := newReferenceServer(t, 0)
	prober, err := probe.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	latency, err := prober.UnloadedLatency(context.Background())
	if err != nil {
		t.Fatalf("UnloadedLatency failed: %v", err)
	}
	if latency.UnloadedMs <= 0 {
		t.Errorf("median latency should be positive, got %f", latency.UnloadedMs)
	}
	if latency.JitterMs < 0 {
		t.Errorf("jitter should be non-negative, got %f", latency.JitterMs)
	}
}

func TestProber_UnloadedLatency_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	prober, err := probe.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = prober.UnloadedLatency(context.Background())
	if !errors.Is(err, probe.ErrUnexpectedStatus) {
		t.Errorf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestProber_MeasureDownload(t *testing.T) {
	srv := newReferenceServer(t, 0)
	prober, err := probe.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := prober.Measure(context.Background(), probe.DirectionDownload)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if result.Bytes == 0 {
		t.Error("expected bytes to have been transferred")
	}
	if result.BPS <= 0 {
		t.Errorf("expected positive throughput, got %f", result.BPS)
	}
}

func TestProber_MeasureUpload(t *testing.T) {
	srv := newReferenceServer(t, 0)
	prober, err := probe.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := prober.Measure(context.Background(), probe.DirectionUpload)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if result.Bytes == 0 {
		t.Error("expected bytes to have been transferred")
	}
	if result.BPS <= 0 {
		t.Errorf("expected positive throughput, got %f", result.BPS)
	}
}

func TestProber_Measure_OneConnectionPerStream(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Write(make([]byte, 10_000))
	}))
	srv.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	config := testConfig(srv.URL)
	config.Streams = 3
	// Short enough that the loaded-latency probe does not fire.
	config.Duration = 250 * time.Millisecond
	config.DownloadBytes = 10_000
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = prober.Measure(context.Background(), probe.DirectionDownload)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}

	// Each worker owns exactly one connection; the loaded-latency probe may
	// account for one more.
	got := conns.Load()
	if got < int64(config.Streams) || got > int64(config.Streams)+1 {
		t.Errorf("expected %d worker connections (+1 probe at most), got %d",
			config.Streams, got)
	}
}

func TestProber_Measure_PacedThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}
	// Pace the download at roughly 1 MB/s: 25 KB every 25ms.
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		flusher := rw.(http.Flusher)
		chunk := make([]byte, 25_000)
		for i := 0; i < 4; i++ {
			rw.Write(chunk)
			flusher.Flush()
			time.Sleep(25 * time.Millisecond)
		}
	}))
	defer srv.Close()

	config := testConfig(srv.URL)
	config.Streams = 1
	config.Duration = 1 * time.Second
	config.DownloadBytes = 100_000
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := prober.Measure(context.Background(), probe.DirectionDownload)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	// 1 MB/s is 8 Mbit/s. Loose bounds keep the test robust on busy hosts.
	if result.BPS < 4e6 || result.BPS > 16e6 {
		t.Errorf("measured %f bps against a 8e6 bps pace", result.BPS)
	}
}

func TestProber_Measure_DiscardsNonPositiveLatency(t *testing.T) {
	// The server reports a processing duration far exceeding any real round
	// trip, so every corrected loaded-latency sample is non-positive. Such
	// samples must be discarded, not recorded as zero.
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Server-Timing", "cfRequestDuration;dur=10000")
		rw.Write(make([]byte, 10_000))
	}))
	defer srv.Close()

	config := testConfig(srv.URL)
	config.Streams = 1
	// Long enough for the loaded-latency probe to fire several times.
	config.Duration = 1500 * time.Millisecond
	config.DownloadBytes = 10_000
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := prober.Measure(context.Background(), probe.DirectionDownload)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if result.LoadedMs != 0 || result.LoadedJitterMs != 0 {
		t.Errorf("non-positive corrected round trips leaked into the sample list: median %f, jitter %f",
			result.LoadedMs, result.LoadedJitterMs)
	}
}

func TestProber_Measure_AllRateLimited(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		rw.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	config := testConfig(srv.URL)
	config.Streams = 2
	config.Duration = 500 * time.Millisecond
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan struct{})
	var result *probe.ThroughputResult
	go func() {
		defer close(done)
		result, err = prober.Measure(context.Background(), probe.DirectionDownload)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Measure did not terminate against an always-429 server")
	}
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if result.Bytes != 0 {
		t.Errorf("expected zero bytes, got %d", result.Bytes)
	}
	if requests.Load() == 0 {
		t.Error("workers never retried against the rate-limited server")
	}
}

func TestProber_Measure_ContextCancelled(t *testing.T) {
	srv := newReferenceServer(t, 0)
	config := testConfig(srv.URL)
	config.Duration = 5 * time.Second
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	result, err := prober.Measure(ctx, probe.DirectionDownload)
	if err == nil {
		t.Fatal("expected a context-expiry failure")
	}
	if result != nil {
		t.Errorf("a cancelled phase must not return a partial result, got %+v", result)
	}
}

func TestNew_BindFailure(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	config := testConfig(srv.URL)
	config.Interface = "does-not-exist0"
	_, err := probe.New(config)
	if !errors.Is(err, probe.ErrBindFailure) {
		t.Fatalf("expected ErrBindFailure, got %v", err)
	}
	if requests.Load() != 0 {
		t.Errorf("bind failure must be reported before any network request, saw %d", requests.Load())
	}
}

func TestProber_Run(t *testing.T) {
	srv := newReferenceServer(t, 0)
	config := testConfig(srv.URL)
	config.Duration = 400 * time.Millisecond
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := prober.Run(context.Background())
	if !result.Success {
		t.Fatalf("Run failed: %s", result.Error)
	}
	if result.RunID == "" {
		t.Error("expected a run ID")
	}
	if result.Metadata == nil || result.Latency == nil {
		t.Error("expected metadata and latency to be populated")
	}
	if result.Download == nil || result.Upload == nil {
		t.Error("expected both phases to be populated")
	}
	if result.Config.Streams != config.Streams {
		t.Errorf("echoed streams = %d, want %d", result.Config.Streams, config.Streams)
	}
}

func TestProber_Run_DownloadOnly(t *testing.T) {
	srv := newReferenceServer(t, 0)
	config := testConfig(srv.URL)
	config.Duration = 300 * time.Millisecond
	config.DownloadOnly = true
	prober, err := probe.New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := prober.Run(context.Background())
	if !result.Success {
		t.Fatalf("Run failed: %s", result.Error)
	}
	if result.Download == nil {
		t.Error("expected a download result")
	}
	if result.Upload != nil {
		t.Error("upload phase should have been skipped")
	}
}

func TestProber_Run_PhaseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	prober, err := probe.New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := prober.Run(context.Background())
	if result.Success {
		t.Fatal("expected the run to fail")
	}
	if result.Error == "" {
		t.Error("expected a phase-prefixed error string")
	}
}

func TestConfig_Validate(t *testing.T) {
	config := probe.NewConfig()
	if err := config.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	config = probe.NewConfig()
	config.Duration = 0
	if err := config.Validate(); err == nil {
		t.Error("zero duration should not validate")
	}

	config = probe.NewConfig()
	config.DownloadOnly = true
	config.UploadOnly = true
	if err := config.Validate(); err == nil {
		t.Error("download-only and upload-only together should not validate")
	}

	config = probe.NewConfig()
	config.Streams = -1
	if err := config.Validate(); err == nil {
		t.Error("negative streams should not validate")
	}
}
