package probe

import (
	"errors"
	"time"
)

const (
	// DefaultServerURL is the base URL of the reference service.
	DefaultServerURL = "https://speed.cloudflare.com"

	// DefaultStreams is the default number of concurrent transfer workers.
	DefaultStreams = 4

	// DefaultDuration is the default duration of each measurement phase.
	DefaultDuration = 10 * time.Second

	// DefaultDownloadBytes is the initial per-request download chunk size.
	// Workers adapt their own copy downward when rate limited.
	DefaultDownloadBytes = 10_000_000

	// DefaultUploadBytes is the size of the shared upload payload.
	DefaultUploadBytes = 5_000_000

	// DefaultTimeout bounds a whole run, all phases included.
	DefaultTimeout = 2 * time.Minute
)

// Config is the configuration for a Prober.
type Config struct {
	// ServerURL is the base URL of the reference service.
	ServerURL string

	// Streams is the number of concurrent transfer workers per phase.
	Streams int

	// Duration is how long each measurement phase runs for.
	Duration time.Duration

	// DownloadBytes is the initial download chunk size requested per GET.
	DownloadBytes int

	// UploadBytes is the size of the upload payload sent per POST.
	UploadBytes int

	// DownloadOnly skips the upload phase.
	DownloadOnly bool

	// UploadOnly skips the download phase.
	UploadOnly bool

	// Timeout bounds the whole run. Zero means no overall timeout; each
	// phase still carries its own deadline.
	Timeout time.Duration

	// Interface optionally names a local network interface to bind all
	// outbound connections to. It must carry at least one IPv4 address or
	// the run fails before any traffic.
	Interface string

	// Emitter receives progress callbacks. If nil, a HumanReadable emitter
	// is used.
	Emitter Emitter
}

// NewConfig returns a Config with every field set to its default.
func NewConfig() Config {
	return Config{
		ServerURL:     DefaultServerURL,
		Streams:       DefaultStreams,
		Duration:      DefaultDuration,
		DownloadBytes: DefaultDownloadBytes,
		UploadBytes:   DefaultUploadBytes,
		Timeout:       DefaultTimeout,
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL must not be empty")
	}
	if c.Streams < 0 {
		return errors.New("streams must be >= 0")
	}
	if c.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if c.DownloadBytes <= 0 || c.UploadBytes <= 0 {
		return errors.New("download and upload sizes must be positive")
	}
	if c.DownloadOnly && c.UploadOnly {
		return errors.New("download-only and upload-only are mutually exclusive")
	}
	return nil
}
