package wasm

import "errors"

// Error kinds. Every error returned by this package wraps exactly one of
// these together with its cause, so both match errors.Is.
var (
	// ErrLoad: module bytes could not be read or compiled.
	ErrLoad = errors.New("wasm load failed")
	// ErrInstantiation: the runtime rejected the module (unmet import, start trap).
	ErrInstantiation = errors.New("wasm instantiation failed")
	// ErrCall: an export could not be called or trapped.
	ErrCall = errors.New("wasm export call failed")
	// ErrHealthCheck: the module reported its own failure with a non-positive length.
	ErrHealthCheck = errors.New("health check reported failure")
	// ErrDecode: the payload is not UTF-8 encoded JSON object.
	ErrDecode = errors.New("health payload decode failed")
	// ErrMemoryAccess: the requested range lies outside linear memory.
	ErrMemoryAccess = errors.New("memory access out of bounds")
)
