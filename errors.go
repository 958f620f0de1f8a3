package messaging

import "errors"

// Error kinds surfaced to callers. Each is a sentinel that
// wraps caller/transport context via %w so callers can errors.Is against
// the kind while still seeing the underlying cause.
var (
	// ErrArgument covers null/empty endpoint destination, nil handler.
	ErrArgument = errors.New("messaging: invalid argument")

	// ErrShutdown covers operations attempted after dispose begun, and
	// synchronous requests cancelled because the engine is disposing.
	ErrShutdown = errors.New("messaging: engine is shutting down")

	// ErrTimeout means a request did not receive a response before its deadline.
	ErrTimeout = errors.New("messaging: request timed out")

	// ErrProcessing wraps a failure that occurred deserializing a response
	// or running a user callback after a response arrived.
	ErrProcessing = errors.New("messaging: processing failed")

	// ErrTransport wraps an error returned by a processing group.
	ErrTransport = errors.New("messaging: transport error")

	// ErrEngineNotStarted is returned by a transport's ProcessingGroup
	// once that transport has been closed.
	ErrEngineNotStarted = errors.New("messaging: engine not started")
)
