package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/sandbox"
)

type fakeSource struct {
	name    string
	id      string
	metrics sandbox.Metrics
	err     error
	polls   int
}

func (f *fakeSource) Name() string        { return f.name }
func (f *fakeSource) ContainerID() string { return f.id }

func (f *fakeSource) Status(context.Context) (sandbox.Metrics, error) {
	f.polls++
	return f.metrics, f.err
}

func runningSource() *fakeSource {
	return &fakeSource{
		name: "box-1",
		id:   "cid-1",
		metrics: sandbox.Metrics{
			Status:         "running",
			Running:        true,
			Uptime:         90 * time.Second,
			CPUPercent:     12.5,
			MemoryUsage:    64 << 20,
			MemoryLimit:    512 << 20,
			MemoryPercent:  12.5,
			Pids:           7,
			ReadOnlyRootfs: true,
			NetworkMode:    "bridge",
			CapsDropped:    true,
		},
	}
}

func TestReporterSample(t *testing.T) {
	t.Run("EmptyBeforeFirstRound", func(t *testing.T) {
		r := NewReporter(zaptest.NewLogger(t), time.Minute, runningSource())
		assert.Empty(t, r.Snapshots())
	})

	t.Run("PublishesMetrics", func(t *testing.T) {
		src := runningSource()
		r := NewReporter(zaptest.NewLogger(t), time.Minute, src)
		r.Sample(context.Background())

		snaps := r.Snapshots()
		require.Len(t, snaps, 1)
		s := snaps[0]
		assert.Equal(t, "box-1", s.Name)
		assert.Equal(t, "cid-1", s.ContainerID)
		assert.Equal(t, "running", s.Status)
		assert.True(t, s.Running)
		assert.Equal(t, 90.0, s.UptimeSec)
		assert.Equal(t, 12.5, s.CPUPercent)
		assert.Equal(t, int64(64<<20), s.MemoryUsage)
		assert.Equal(t, 7, s.Pids)
		assert.True(t, s.ReadOnlyRootfs)
		assert.Empty(t, s.Error)
		assert.False(t, s.SampledAt.IsZero())
	})

	t.Run("FailedSourceIsErrorFlagged", func(t *testing.T) {
		good := runningSource()
		bad := &fakeSource{name: "box-2", id: "cid-2", err: errors.New("engine unreachable")}
		r := NewReporter(zaptest.NewLogger(t), time.Minute, good, bad)
		r.Sample(context.Background())

		snaps := r.Snapshots()
		require.Len(t, snaps, 2)
		assert.Equal(t, "running", snaps[0].Status)
		assert.Equal(t, "unknown", snaps[1].Status)
		assert.Contains(t, snaps[1].Error, "engine unreachable")
		assert.Zero(t, snaps[1].CPUPercent)
	})

	t.Run("StoppedSandboxReportsZeros", func(t *testing.T) {
		src := &fakeSource{
			name:    "box-3",
			id:      "cid-3",
			metrics: sandbox.Metrics{Status: "stopped"},
		}
		r := NewReporter(zaptest.NewLogger(t), time.Minute, src)
		r.Sample(context.Background())

		s := r.Snapshots()[0]
		assert.Equal(t, "stopped", s.Status)
		assert.False(t, s.Running)
		assert.Zero(t, s.CPUPercent)
		assert.Zero(t, s.MemoryUsage)
		assert.Zero(t, s.Pids)
	})
}

func TestReporterRunPolls(t *testing.T) {
	src := runningSource()
	r := NewReporter(zaptest.NewLogger(t), 10*time.Millisecond, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return src.polls >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := NewReporter(zaptest.NewLogger(t), time.Minute, runningSource())
	r.Sample(context.Background())
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)

	t.Run("Get", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var body struct {
			Sandboxes []Snapshot `json:"sandboxes"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Sandboxes, 1)
		assert.Equal(t, "box-1", body.Sandboxes[0].Name)
	})

	t.Run("PostRejected", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/status", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
