package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Metrics is a point-in-time sample of a sandbox instance's engine state
// and resource usage, plus the security restrictions bound at creation.
type Metrics struct {
	Status         string
	Running        bool
	Uptime         time.Duration
	CPUPercent     float64
	MemoryUsage    int64
	MemoryLimit    int64
	MemoryPercent  float64
	Pids           int
	ReadOnlyRootfs bool
	NetworkMode    string
	CapsDropped    bool
}

// inspectInfo is the subset of the engine's inspect output we consume.
type inspectInfo struct {
	State struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	HostConfig struct {
		ReadonlyRootfs bool     `json:"ReadonlyRootfs"`
		NetworkMode    string   `json:"NetworkMode"`
		CapDrop        []string `json:"CapDrop"`
	} `json:"HostConfig"`
}

// statsInfo is the engine's one-shot stats line in --format "{{json .}}".
type statsInfo struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	MemPerc  string `json:"MemPerc"`
	PIDs     string `json:"PIDs"`
}

// Status returns a point-in-time metrics sample for the instance. Before a
// container exists the sample carries only the lifecycle state label. A
// failed engine query is returned as an error; callers treat the container
// as unreachable rather than crashing. If the container process exited
// behind our back while we believed it Running, the instance moves to
// Failed and the sample reflects the engine's view.
func (c *Controller) Status(ctx context.Context) (Metrics, error) {
	c.mu.Lock()
	id := c.containerID
	state := c.state
	c.mu.Unlock()

	if id == "" {
		return Metrics{Status: state.String()}, nil
	}

	info, err := c.inspect(ctx, id)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Status:         normalizeStatus(info.State.Status),
		Running:        info.State.Running,
		ReadOnlyRootfs: info.HostConfig.ReadonlyRootfs,
		NetworkMode:    info.HostConfig.NetworkMode,
		CapsDropped:    len(info.HostConfig.CapDrop) > 0,
	}

	if !info.State.Running {
		if state == StateRunning {
			_ = c.fail(fmt.Errorf("container %s exited unexpectedly (engine status %q)", id, info.State.Status))
		}
		return m, nil
	}

	if started, parseErr := time.Parse(time.RFC3339Nano, info.State.StartedAt); parseErr == nil {
		m.Uptime = time.Since(started)
	}

	stats, err := c.sampleStats(ctx, id)
	if err != nil {
		return Metrics{}, err
	}

	m.CPUPercent = stats.cpuPercent
	m.MemoryUsage = stats.memUsage
	m.MemoryLimit = stats.memLimit
	m.MemoryPercent = stats.memPercent
	m.Pids = stats.pids
	return m, nil
}

func (c *Controller) inspect(ctx context.Context, id string) (*inspectInfo, error) {
	stdout, stderr, exitCode, err := c.cmd.RunCommand(ctx, []string{c.spec.Engine, "inspect", id})
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("inspecting container %s: exit code %d: %s", id, exitCode, strings.TrimSpace(stderr))
	}

	var infos []inspectInfo
	if err := json.Unmarshal([]byte(stdout), &infos); err != nil {
		return nil, fmt.Errorf("parsing inspect output for %s: %w", id, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("inspecting container %s: not found", id)
	}
	return &infos[0], nil
}

type parsedStats struct {
	cpuPercent float64
	memUsage   int64
	memLimit   int64
	memPercent float64
	pids       int
}

func (c *Controller) sampleStats(ctx context.Context, id string) (parsedStats, error) {
	stdout, stderr, exitCode, err := c.cmd.RunCommand(ctx, []string{
		c.spec.Engine, "stats", "--no-stream", "--format", "{{json .}}", id,
	})
	if err != nil {
		return parsedStats{}, fmt.Errorf("sampling stats for %s: %w", id, err)
	}
	if exitCode != 0 {
		return parsedStats{}, fmt.Errorf("sampling stats for %s: exit code %d: %s", id, exitCode, strings.TrimSpace(stderr))
	}

	var raw statsInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &raw); err != nil {
		return parsedStats{}, fmt.Errorf("parsing stats output for %s: %w", id, err)
	}

	stats := parsedStats{}
	if stats.cpuPercent, err = parsePercent(raw.CPUPerc); err != nil {
		return parsedStats{}, fmt.Errorf("parsing CPU percentage %q: %w", raw.CPUPerc, err)
	}
	if stats.memPercent, err = parsePercent(raw.MemPerc); err != nil {
		return parsedStats{}, fmt.Errorf("parsing memory percentage %q: %w", raw.MemPerc, err)
	}
	if stats.memUsage, stats.memLimit, err = parseMemUsage(raw.MemUsage); err != nil {
		return parsedStats{}, fmt.Errorf("parsing memory usage %q: %w", raw.MemUsage, err)
	}
	if raw.PIDs != "" && raw.PIDs != "--" {
		if stats.pids, err = strconv.Atoi(strings.TrimSpace(raw.PIDs)); err != nil {
			return parsedStats{}, fmt.Errorf("parsing pid count %q: %w", raw.PIDs, err)
		}
	}
	return stats, nil
}

// normalizeStatus maps engine status labels to the human labels the
// dashboard shows. The engine says "exited"; operators read "stopped".
func normalizeStatus(status string) string {
	switch status {
	case "exited", "dead":
		return "stopped"
	default:
		return status
	}
}

// parsePercent parses an engine percentage like "12.34%".
func parsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "--" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// parseMemUsage parses an engine memory line like "7.29MiB / 512MiB" into
// used and limit bytes.
func parseMemUsage(s string) (used, limit int64, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"used / limit\"")
	}
	if used, err = parseByteSize(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, err
	}
	if limit, err = parseByteSize(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, err
	}
	return used, limit, nil
}

// byteUnits is ordered longest-suffix-first so "MiB" wins over "B".
var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"KiB", 1024},
	{"MiB", 1024 * 1024},
	{"GiB", 1024 * 1024 * 1024},
	{"TiB", 1024 * 1024 * 1024 * 1024},
	{"kB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"TB", 1000 * 1000 * 1000 * 1000},
	{"B", 1},
}

// parseByteSize parses an engine byte size like "512MiB" or "1.2GB".
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0, nil
	}
	for _, unit := range byteUnits {
		if strings.HasSuffix(s, unit.suffix) {
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, unit.suffix)), 64)
			if err != nil {
				return 0, err
			}
			return int64(value * unit.factor), nil
		}
	}
	return 0, fmt.Errorf("unrecognized byte size %q", s)
}
