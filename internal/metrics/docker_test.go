package metrics

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types"
)

func TestCollectDocker(t *testing.T) {
	m, err := CollectDocker(context.Background())
	if err != nil {
		t.Fatalf("CollectDocker returned error: %v", err)
	}
	if m.Containers == nil {
		t.Error("expected containers to be an empty slice, not nil")
	}
	if !m.Available {
		t.Log("Docker is not available - skipping container checks")
		return
	}

	running, paused, stopped := 0, 0, 0
	for _, c := range m.Containers {
		if len(c.ID) > 12 {
			t.Errorf("expected container id truncated to 12 chars, got %d", len(c.ID))
		}
		switch c.State {
		case "running":
			running++
		case "paused":
			paused++
		default:
			stopped++
		}
	}
	if m.Summary.Running != running || m.Summary.Paused != paused || m.Summary.Stopped != stopped {
		t.Errorf("summary %+v does not match containers", m.Summary)
	}
	if m.Summary.Total != len(m.Containers) {
		t.Errorf("expected total %d, got %d", len(m.Containers), m.Summary.Total)
	}
}

func TestCalculateCPUPercent(t *testing.T) {
	stats := func(total, prevTotal, system, prevSystem uint64, online uint32, percpu []uint64) *types.StatsJSON {
		var s types.StatsJSON
		s.CPUStats.CPUUsage.TotalUsage = total
		s.CPUStats.CPUUsage.PercpuUsage = percpu
		s.CPUStats.SystemUsage = system
		s.CPUStats.OnlineCPUs = online
		s.PreCPUStats.CPUUsage.TotalUsage = prevTotal
		s.PreCPUStats.SystemUsage = prevSystem
		return &s
	}

	tests := []struct {
		name     string
		stats    *types.StatsJSON
		expected float64
	}{
		{"zero deltas", stats(1000, 1000, 2000, 2000, 4, nil), 0},
		{"four cpus", stats(2000, 1000, 10000, 5000, 4, nil), 80},
		{"percpu fallback", stats(2000, 1000, 10000, 5000, 0, []uint64{1, 1, 1, 1}), 80},
		{"single cpu", stats(2000, 1000, 10000, 5000, 1, nil), 20},
		{"counter reset", stats(500, 1000, 10000, 5000, 2, nil), 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := calculateCPUPercent(tc.stats)
			if got < tc.expected-0.01 || got > tc.expected+0.01 {
				t.Errorf("calculateCPUPercent() = %v, expected %v", got, tc.expected)
			}
		})
	}
}

func TestDockerSummaryAdd(t *testing.T) {
	var s DockerSummary
	for _, state := range []string{"running", "running", "paused", "exited", "created"} {
		s.add(state)
	}
	if s.Total != 5 || s.Running != 2 || s.Paused != 1 || s.Stopped != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestShortIDAndName(t *testing.T) {
	if got := shortID("abcdef1234567890"); got != "abcdef123456" {
		t.Errorf("expected truncated id, got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("expected short id unchanged, got %q", got)
	}
	if got := containerName([]string{"/web"}); got != "web" {
		t.Errorf("expected web, got %q", got)
	}
	if got := containerName(nil); got != "" {
		t.Errorf("expected empty name, got %q", got)
	}
}
