package sandbox

import (
	"fmt"
	"time"

	"github.com/isdmx/runbox/config"
)

// Limits describes the resource ceilings applied to one sandbox instance.
// The limits are bound at container creation and cannot change afterwards.
type Limits struct {
	CPULimit     string        // engine --cpus value, e.g. "0.5"
	MemoryBytes  int64         // memory ceiling in bytes
	MaxProcesses int           // pids-limit ceiling
	ExecTimeout  time.Duration // per-execution wall clock budget
}

// Spec is the immutable configuration a sandbox instance is created from.
// One Spec produces one instance; a new instance requires a new Spec.
type Spec struct {
	Name           string
	Engine         string
	Image          string
	Dockerfile     string
	Rebuild        bool
	Limits         Limits
	NetworkMode    string
	ReadOnlyRootfs bool
	CapDrop        []string
	TmpfsMounts    []string
	HostPort       int
	ContainerPort  int

	ProbeMaxRetries int
	ProbeDelay      time.Duration
	StopGrace       time.Duration

	Debug bool
}

// Default security posture. The interpreter service needs writable scratch
// space even with a read-only rootfs, hence the tmpfs mounts.
var (
	defaultCapDrop     = []string{"ALL"}
	defaultTmpfsMounts = []string{"/tmp:exec,mode=777", "/var/tmp:exec,mode=777", "/run:exec,mode=777"}
)

// SpecFromConfig builds an immutable Spec from the loaded configuration.
func SpecFromConfig(cfg config.SandboxConfig) Spec {
	return Spec{
		Engine:     cfg.Engine,
		Image:      cfg.Image,
		Dockerfile: cfg.Dockerfile,
		Rebuild:    cfg.Rebuild,
		Limits: Limits{
			CPULimit:     cfg.CPULimit,
			MemoryBytes:  int64(cfg.MemoryMB) * 1024 * 1024,
			MaxProcesses: cfg.MaxProcesses,
			ExecTimeout:  time.Duration(cfg.TimeoutSec) * time.Second,
		},
		NetworkMode:     cfg.NetworkMode,
		ReadOnlyRootfs:  cfg.ReadOnlyRootfs,
		HostPort:        cfg.HostPort,
		ContainerPort:   cfg.ContainerPort,
		ProbeMaxRetries: cfg.ProbeMaxRetries,
		ProbeDelay:      time.Duration(cfg.ProbeDelaySec) * time.Second,
		StopGrace:       time.Duration(cfg.StopGraceSec) * time.Second,
		Debug:           cfg.Debug,
	}
}

// withDefaults fills unset fields so a zero-ish Spec is still usable.
func (s Spec) withDefaults() Spec {
	if s.Name == "" {
		s.Name = fmt.Sprintf("runbox-%d", time.Now().UnixNano())
	}
	if s.Engine == "" {
		s.Engine = "docker"
	}
	if s.NetworkMode == "" {
		s.NetworkMode = "bridge"
	}
	if s.CapDrop == nil {
		s.CapDrop = defaultCapDrop
	}
	if s.TmpfsMounts == nil {
		s.TmpfsMounts = defaultTmpfsMounts
	}
	if s.HostPort == 0 {
		s.HostPort = 8000
	}
	if s.ContainerPort == 0 {
		s.ContainerPort = 8000
	}
	if s.ProbeMaxRetries == 0 {
		s.ProbeMaxRetries = 10
	}
	if s.ProbeDelay == 0 {
		s.ProbeDelay = 2 * time.Second
	}
	if s.StopGrace == 0 {
		s.StopGrace = 10 * time.Second
	}
	return s
}

// ControlURL returns the websocket endpoint the in-sandbox interpreter
// service is published on.
func (s Spec) ControlURL() string {
	return fmt.Sprintf("ws://localhost:%d/", s.HostPort)
}
