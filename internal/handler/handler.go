// Package handler implements the reference-service wire protocol: bulk
// download, bulk upload and identity trace endpoints, with per-client
// transfer accounting backing a 429 rate limiter.
package handler

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DownloadPath serves pseudorandom payloads of a requested size.
	DownloadPath = "/__down"
	// UploadPath accepts and discards uploaded payloads.
	UploadPath = "/__up"
	// TracePath answers identity key=value lines.
	TracePath = "/cdn-cgi/trace"

	// maxDownloadBytes caps a single download request.
	maxDownloadBytes = 1 << 30

	// randBlockSize is the size of the static random block downloads are
	// served from.
	randBlockSize = 1 << 16
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfprobe_server_requests_total",
		Help: "Requests served, by path and status code.",
	}, []string{"path", "status"})
	bytesServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfprobe_server_download_bytes_total",
		Help: "Total bytes streamed by the download endpoint.",
	})
	bytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfprobe_server_upload_bytes_total",
		Help: "Total bytes drained by the upload endpoint.",
	})
	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfprobe_server_rate_limited_total",
		Help: "Requests rejected with 429 by the per-client byte budget.",
	})
)

// session tracks one client's transferred bytes inside the budget window.
type session struct {
	bytes atomic.Int64
}

// Handler serves the reference protocol endpoints.
type Handler struct {
	colo     string
	location string

	// budget is the per-client byte allowance per window; zero disables
	// rate limiting.
	budget     int64
	sessions   *ttlcache.Cache[string, *session]
	sessionsMu sync.Mutex

	block []byte
}

// New returns a Handler identifying itself as the given colo/location. If
// budget is nonzero, each client address may transfer at most budget bytes
// per window before receiving 429s; accounting entries expire after one
// window of inactivity.
func New(colo, location string, budget int64, window time.Duration) *Handler {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *session](window),
		ttlcache.WithDisableTouchOnHit[string, *session](),
	)
	go cache.Start()

	block := make([]byte, randBlockSize)
	rand.New(rand.NewSource(time.Now().UnixMilli())).Read(block)

	return &Handler{
		colo:     colo,
		location: location,
		budget:   budget,
		sessions: cache,
		block:    block,
	}
}

// Stop releases the session cache's expiration goroutine.
func (h *Handler) Stop() {
	h.sessions.Stop()
}

// Download serves ?bytes=N pseudorandom bytes with a Server-Timing header
// reporting the server-side processing duration.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	n, err := strconv.ParseInt(req.URL.Query().Get("bytes"), 10, 64)
	if err != nil || n < 0 || n > maxDownloadBytes {
		requestsTotal.WithLabelValues(DownloadPath, "400").Inc()
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if !h.allow(req.RemoteAddr, n) {
		requestsTotal.WithLabelValues(DownloadPath, "429").Inc()
		rateLimitedTotal.Inc()
		rw.WriteHeader(http.StatusTooManyRequests)
		return
	}

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	setServerTiming(rw, start)
	requestsTotal.WithLabelValues(DownloadPath, "200").Inc()

	for sent := int64(0); sent < n; {
		chunk := int64(len(h.block))
		if remaining := n - sent; remaining < chunk {
			chunk = remaining
		}
		written, err := rw.Write(h.block[:chunk])
		bytesServedTotal.Add(float64(written))
		sent += int64(written)
		if err != nil {
			log.Debug("download write interrupted", "source", req.RemoteAddr, "error", err)
			return
		}
	}
}

// Upload drains the request body. The body content is irrelevant; only its
// size matters to the client.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	n, err := io.Copy(io.Discard, req.Body)
	bytesReceivedTotal.Add(float64(n))
	if err != nil {
		requestsTotal.WithLabelValues(UploadPath, "400").Inc()
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if !h.allow(req.RemoteAddr, n) {
		requestsTotal.WithLabelValues(UploadPath, "429").Inc()
		rateLimitedTotal.Inc()
		rw.WriteHeader(http.StatusTooManyRequests)
		return
	}
	setServerTiming(rw, start)
	requestsTotal.WithLabelValues(UploadPath, "200").Inc()
	rw.WriteHeader(http.StatusOK)
}

// Trace answers the identity lookup with one key=value pair per line.
func (h *Handler) Trace(rw http.ResponseWriter, req *http.Request) {
	requestsTotal.WithLabelValues(TracePath, "200").Inc()
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	rw.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(rw, "ip=%s\n", host)
	fmt.Fprintf(rw, "ts=%d\n", time.Now().Unix())
	fmt.Fprintf(rw, "colo=%s\n", h.colo)
	fmt.Fprintf(rw, "loc=%s\n", h.location)
	fmt.Fprintf(rw, "visit_scheme=%s\n", schemeOf(req))
	fmt.Fprintf(rw, "uag=%s\n", req.Header.Get("User-Agent"))
}

// allow charges n bytes against the client's budget window and reports
// whether the transfer may proceed.
func (h *Handler) allow(remoteAddr string, n int64) bool {
	if h.budget == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	// Concurrent first requests from the same host must share one session,
	// or a charge would be lost to a duplicate Set.
	h.sessionsMu.Lock()
	item := h.sessions.Get(host)
	if item == nil {
		item = h.sessions.Set(host, &session{}, ttlcache.DefaultTTL)
	}
	h.sessionsMu.Unlock()
	s := item.Value()
	if s.bytes.Load()+n > h.budget {
		log.Debug("client over byte budget", "source", host)
		return false
	}
	s.bytes.Add(n)
	return true
}

func setServerTiming(rw http.ResponseWriter, start time.Time) {
	durMs := float64(time.Since(start).Nanoseconds()) / 1e6
	rw.Header().Set("Server-Timing", fmt.Sprintf("cfRequestDuration;dur=%.6f", durMs))
}

func schemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}
