// Package sandbox manages the lifecycle of an isolated execution container.
//
// The sandbox package builds the execution-environment image, creates and
// starts a container with resource ceilings and security restrictions bound
// at creation time, confirms readiness of the in-container interpreter
// service with a bounded-retry probe, samples live metrics, and tears the
// container down. The container engine is driven through its CLI via the
// CommandRunner seam, so every lifecycle operation can be exercised in
// tests without a running engine.
//
// Usage:
//
//	ctrl := sandbox.NewController(logger, spec)
//	if err := ctrl.Ensure(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Stop(context.Background())
package sandbox
