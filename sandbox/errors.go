package sandbox

import "errors"

// Lifecycle errors. Build and start failures are surfaced synchronously to
// the caller and are never retried behind its back.
var (
	ErrImageBuild        = errors.New("image build failed")
	ErrContainerCreate   = errors.New("container creation failed")
	ErrContainerStart    = errors.New("container start failed")
	ErrReadinessTimeout  = errors.New("readiness probe exhausted retries")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrNoContainer       = errors.New("no container")
)
