package probe

import (
	"errors"

	"github.com/sqm-tools/cfprobe/internal/netx"
)

var (
	// ErrBindFailure indicates that the configured interface could not be
	// resolved, or that no worker obtained a bound connection at phase
	// startup. Always reported before load begins.
	ErrBindFailure = netx.ErrBindFailure

	// ErrUnexpectedStatus indicates a non-success HTTP status on a request
	// whose failure is fatal (metadata, unloaded latency). Inside a phase,
	// per-request status failures are absorbed by the worker retry loop and
	// never carry this error to the caller.
	ErrUnexpectedStatus = errors.New("unexpected status")
)
