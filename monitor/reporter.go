package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/sandbox"
)

// Source is one monitored sandbox.
type Source interface {
	Name() string
	ContainerID() string
	Status(ctx context.Context) (sandbox.Metrics, error)
}

// Snapshot is the point-in-time view of one sandbox, as served by the
// status endpoint.
type Snapshot struct {
	Name           string    `json:"name"`
	ContainerID    string    `json:"container_id,omitempty"`
	Status         string    `json:"status"`
	Running        bool      `json:"running"`
	UptimeSec      float64   `json:"uptime_sec"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryUsage    int64     `json:"memory_usage_bytes"`
	MemoryLimit    int64     `json:"memory_limit_bytes"`
	MemoryPercent  float64   `json:"memory_percent"`
	Pids           int       `json:"pids"`
	ReadOnlyRootfs bool      `json:"read_only_rootfs"`
	NetworkMode    string    `json:"network_mode"`
	CapsDropped    bool      `json:"caps_dropped"`
	Error          string    `json:"error,omitempty"`
	SampledAt      time.Time `json:"sampled_at"`
}

// Reporter polls sandbox sources and serves the latest snapshots.
type Reporter struct {
	logger   *zap.Logger
	interval time.Duration
	sources  []Source

	snapshots atomic.Pointer[[]Snapshot]
}

// NewReporter builds a reporter over the given sources. Until the first
// sampling round completes, Snapshots returns an empty slice.
func NewReporter(logger *zap.Logger, interval time.Duration, sources ...Source) *Reporter {
	r := &Reporter{
		logger:   logger,
		interval: interval,
		sources:  sources,
	}
	empty := make([]Snapshot, 0)
	r.snapshots.Store(&empty)
	return r
}

// Run samples immediately, then on every tick until ctx is done. It is the
// only writer of the snapshot slice.
func (r *Reporter) Run(ctx context.Context) {
	r.sample(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample(ctx)
		}
	}
}

// Sample runs one polling round on demand, outside the regular interval.
func (r *Reporter) Sample(ctx context.Context) {
	r.sample(ctx)
}

func (r *Reporter) sample(ctx context.Context) {
	now := time.Now().UTC()
	round := make([]Snapshot, 0, len(r.sources))
	for _, src := range r.sources {
		round = append(round, r.sampleOne(ctx, src, now))
	}
	r.snapshots.Store(&round)
}

func (r *Reporter) sampleOne(ctx context.Context, src Source, now time.Time) Snapshot {
	m, err := src.Status(ctx)
	if err != nil {
		r.logger.Warn("status sample failed",
			zap.String("sandbox", src.Name()),
			zap.Error(err))
		return Snapshot{
			Name:        src.Name(),
			ContainerID: src.ContainerID(),
			Status:      "unknown",
			Error:       err.Error(),
			SampledAt:   now,
		}
	}

	return Snapshot{
		Name:           src.Name(),
		ContainerID:    src.ContainerID(),
		Status:         m.Status,
		Running:        m.Running,
		UptimeSec:      m.Uptime.Seconds(),
		CPUPercent:     m.CPUPercent,
		MemoryUsage:    m.MemoryUsage,
		MemoryLimit:    m.MemoryLimit,
		MemoryPercent:  m.MemoryPercent,
		Pids:           m.Pids,
		ReadOnlyRootfs: m.ReadOnlyRootfs,
		NetworkMode:    m.NetworkMode,
		CapsDropped:    m.CapsDropped,
		SampledAt:      now,
	}
}

// Snapshots returns the most recently completed sampling round.
func (r *Reporter) Snapshots() []Snapshot {
	return *r.snapshots.Load()
}

// Handler returns the HTTP surface of the reporter: GET /api/status with
// the latest snapshots as JSON.
func (r *Reporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"sandboxes": r.Snapshots(),
		}); err != nil {
			r.logger.Warn("status response write failed", zap.Error(err))
		}
	})
	return mux
}
