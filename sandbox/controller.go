package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Controller owns one container's full lifecycle: build, create, start,
// health-check, stop, destroy. It is the only component that mutates the
// instance; everything else observes it through State and Status.
type Controller struct {
	logger  *zap.Logger
	spec    Spec
	cmd     CommandRunner
	prober  Prober
	builder *ImageBuilder

	mu          sync.Mutex
	state       State
	containerID string
	createdAt   time.Time
}

// ControllerOption defines a functional option for Controller
type ControllerOption func(*Controller)

// WithCommandRunner sets the CommandRunner for the Controller
func WithCommandRunner(cmd CommandRunner) ControllerOption {
	return func(c *Controller) {
		c.cmd = cmd
	}
}

// WithProber sets the readiness Prober for the Controller
func WithProber(p Prober) ControllerOption {
	return func(c *Controller) {
		c.prober = p
	}
}

// NewController creates a Controller for one sandbox instance described by
// spec. The spec is immutable from here on.
func NewController(logger *zap.Logger, spec Spec, opts ...ControllerOption) *Controller {
	c := &Controller{
		logger: logger,
		spec:   spec.withDefaults(),
		cmd:    &RealCommandRunner{},
		prober: &WebSocketProber{},
		state:  StateUnbuilt,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.builder = NewImageBuilder(logger, c.cmd, c.spec.Engine)
	return c
}

// Name returns the container name chosen for this instance.
func (c *Controller) Name() string { return c.spec.Name }

// Spec returns a copy of the instance's immutable spec.
func (c *Controller) Spec() Spec { return c.spec }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ContainerID returns the engine-assigned container identifier, or the
// empty string before creation / after removal.
func (c *Controller) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

func (c *Controller) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
	}
	c.logger.Debug("lifecycle transition",
		zap.String("container", c.spec.Name),
		zap.Stringer("from", c.state),
		zap.Stringer("to", next))
	c.state = next
	return nil
}

// fail moves the instance to Failed and passes the error through.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	if c.state.CanTransition(StateFailed) {
		c.state = StateFailed
	}
	c.mu.Unlock()
	c.logger.Error("sandbox failed", zap.String("container", c.spec.Name), zap.Error(err))
	return err
}

// EnsureImage makes the execution-environment image available, building it
// when absent or when the spec forces a rebuild. Moves Unbuilt -> Building;
// a build error is terminal for this instance.
func (c *Controller) EnsureImage(ctx context.Context) error {
	if err := c.transition(StateBuilding); err != nil {
		return err
	}
	if err := c.builder.Ensure(ctx, c.spec.Image, c.spec.Dockerfile, c.spec.Rebuild); err != nil {
		return c.fail(err)
	}
	return nil
}

// Create creates the container with every resource ceiling and security
// restriction from the spec bound at creation time. Moves Building -> Created.
func (c *Controller) Create(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateBuilding {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: create from %s", ErrInvalidTransition, state)
	}
	c.mu.Unlock()

	args := c.createArgs()
	c.logger.Info("creating container",
		zap.String("container", c.spec.Name),
		zap.String("image", c.spec.Image),
		zap.Strings("args", args))

	stdout, stderr, exitCode, err := c.cmd.RunCommand(ctx, args)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %v", ErrContainerCreate, err))
	}
	if exitCode != 0 {
		return c.fail(fmt.Errorf("%w: exit code %d: %s", ErrContainerCreate, exitCode, strings.TrimSpace(stderr)))
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		return c.fail(fmt.Errorf("%w: engine returned no container id", ErrContainerCreate))
	}

	c.mu.Lock()
	c.containerID = id
	c.createdAt = time.Now()
	c.mu.Unlock()

	if err := c.transition(StateCreated); err != nil {
		return err
	}
	c.logger.Info("container created", zap.String("container_id", id))
	return nil
}

// createArgs assembles the engine create command from the spec.
func (c *Controller) createArgs() []string {
	spec := c.spec
	args := []string{
		spec.Engine, "create",
		"--name", spec.Name,
		"-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort),
		"--memory", fmt.Sprintf("%db", spec.Limits.MemoryBytes),
		fmt.Sprintf("--pids-limit=%d", spec.Limits.MaxProcesses),
		"--network", spec.NetworkMode,
		"--security-opt", "no-new-privileges:true",
	}

	if spec.Limits.CPULimit != "" {
		args = append(args, "--cpus", spec.Limits.CPULimit)
	}
	for _, capability := range spec.CapDrop {
		args = append(args, "--cap-drop", capability)
	}
	if spec.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}
	for _, mount := range spec.TmpfsMounts {
		args = append(args, "--tmpfs", mount)
	}

	return append(args, spec.Image)
}

// Start starts the container and confirms readiness of the in-container
// interpreter service with a bounded-retry probe against the control
// endpoint. Container-running status alone is not enough: the service may
// come up after the container process does. Moves Created -> Starting ->
// Running, or to Failed when the probe budget is exhausted.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.transition(StateStarting); err != nil {
		return err
	}

	id := c.ContainerID()
	if id == "" {
		return c.fail(fmt.Errorf("%w: start", ErrNoContainer))
	}

	_, stderr, exitCode, err := c.cmd.RunCommand(ctx, []string{c.spec.Engine, "start", id})
	if err != nil {
		return c.fail(fmt.Errorf("%w: %v", ErrContainerStart, err))
	}
	if exitCode != 0 {
		return c.fail(fmt.Errorf("%w: exit code %d: %s", ErrContainerStart, exitCode, strings.TrimSpace(stderr)))
	}

	url := c.spec.ControlURL()
	var probeErr error
	for attempt := 1; attempt <= c.spec.ProbeMaxRetries; attempt++ {
		probeErr = c.prober.Probe(ctx, url)
		if probeErr == nil {
			if err := c.transition(StateRunning); err != nil {
				return err
			}
			c.logger.Info("sandbox running",
				zap.String("container_id", id),
				zap.String("control_url", url),
				zap.Int("probe_attempts", attempt))
			return nil
		}

		c.logger.Debug("readiness probe failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.spec.ProbeMaxRetries),
			zap.Error(probeErr))

		if attempt < c.spec.ProbeMaxRetries {
			select {
			case <-ctx.Done():
				return c.fail(fmt.Errorf("%w: %v", ErrReadinessTimeout, ctx.Err()))
			case <-time.After(c.spec.ProbeDelay):
			}
		}
	}

	return c.fail(fmt.Errorf("%w: %d attempts, last error: %v", ErrReadinessTimeout, c.spec.ProbeMaxRetries, probeErr))
}

// Ensure drives the full bring-up: image, container, start, readiness.
func (c *Controller) Ensure(ctx context.Context) error {
	if err := c.EnsureImage(ctx); err != nil {
		return err
	}
	if err := c.Create(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Stop stops the container, giving it the configured grace period before
// the engine forces termination. Moves Running -> Stopping -> Stopped.
// Stopping an already stopped instance is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.transition(StateStopping); err != nil {
		return err
	}

	id := c.ContainerID()
	if id == "" {
		return c.fail(fmt.Errorf("%w: stop", ErrNoContainer))
	}

	grace := int(c.spec.StopGrace.Seconds())
	_, stderr, exitCode, err := c.cmd.RunCommand(ctx, []string{c.spec.Engine, "stop", "-t", fmt.Sprintf("%d", grace), id})
	if err != nil {
		return c.fail(fmt.Errorf("stopping container %s: %w", id, err))
	}
	if exitCode != 0 {
		return c.fail(fmt.Errorf("stopping container %s: exit code %d: %s", id, exitCode, strings.TrimSpace(stderr)))
	}

	if err := c.transition(StateStopped); err != nil {
		return err
	}
	c.logger.Info("container stopped", zap.String("container_id", id))
	return nil
}

// Remove removes the container and invalidates its identifier. Valid only
// once the instance is terminal.
func (c *Controller) Remove(ctx context.Context) error {
	c.mu.Lock()
	id := c.containerID
	state := c.state
	c.mu.Unlock()

	if id == "" {
		return nil
	}
	if !state.Terminal() {
		return fmt.Errorf("%w: remove from %s", ErrInvalidTransition, state)
	}

	_, stderr, exitCode, err := c.cmd.RunCommand(ctx, []string{c.spec.Engine, "rm", "-f", id})
	if err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("removing container %s: exit code %d: %s", id, exitCode, strings.TrimSpace(stderr))
	}

	c.mu.Lock()
	c.containerID = ""
	c.mu.Unlock()
	c.logger.Info("container removed", zap.String("container_id", id))
	return nil
}
