package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"golang.org/x/sync/errgroup"
)

// DockerMetrics is a snapshot of every container on the local daemon.
type DockerMetrics struct {
	Version    string             `json:"version,omitempty"`
	Containers []ContainerMetrics `json:"containers"`
	Summary    DockerSummary      `json:"summary"`
	Available  bool               `json:"available"`
}

type DockerSummary struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Paused  int `json:"paused"`
	Stopped int `json:"stopped"`
}

type ContainerMetrics struct {
	Created time.Time        `json:"created"`
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Image   string           `json:"image"`
	Status  string           `json:"status"`
	State   string           `json:"state"`
	CPU     ContainerCPU     `json:"cpu"`
	Memory  ContainerMemory  `json:"memory"`
	Network ContainerNetwork `json:"network"`
	BlockIO ContainerBlockIO `json:"block_io"`
}

type ContainerCPU struct {
	UsagePercent float64 `json:"usage_percent"`
}

type ContainerMemory struct {
	Usage       uint64  `json:"usage"`
	Limit       uint64  `json:"limit"`
	UsedPercent float64 `json:"used_percent"`
	Cache       uint64  `json:"cache"`
}

type ContainerNetwork struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

type ContainerBlockIO struct {
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
}

// statsConcurrency bounds parallel ContainerStats calls.
const statsConcurrency = 8

// NewDockerClient connects to the daemon named by DOCKER_HOST, or the local socket.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// CollectDocker gathers container metrics. An unreachable daemon is reported
// through Available rather than an error.
func CollectDocker(parent context.Context) (*DockerMetrics, error) {
	if err := parent.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	out := &DockerMetrics{Containers: make([]ContainerMetrics, 0)}

	cli, err := NewDockerClient()
	if err != nil {
		return out, nil
	}
	defer func() { _ = cli.Close() }()

	info, err := cli.Info(ctx)
	if err != nil {
		return out, nil
	}
	out.Available = true
	out.Version = info.ServerVersion

	list, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return out, nil
	}

	out.Containers = make([]ContainerMetrics, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, c := range list {
		out.Containers[i] = ContainerMetrics{
			ID:      shortID(c.ID),
			Name:    containerName(c.Names),
			Image:   c.Image,
			Status:  c.Status,
			State:   c.State,
			Created: time.Unix(c.Created, 0).UTC(),
		}
		out.Summary.add(c.State)

		if c.State != "running" {
			continue
		}
		idx, id := i, c.ID
		g.Go(func() error {
			if stats, err := readStats(gctx, cli, id); err == nil {
				applyStats(&out.Containers[idx], stats)
			}
			return nil
		})
	}
	_ = g.Wait()

	return out, nil
}

// InspectContainer returns metrics for one container.
func InspectContainer(ctx context.Context, cli client.APIClient, containerID string) (*ContainerMetrics, error) {
	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	m := &ContainerMetrics{
		ID:      shortID(info.ID),
		Name:    strings.TrimPrefix(info.Name, "/"),
		Image:   info.Config.Image,
		Status:  info.State.Status,
		State:   info.State.Status,
		Created: created,
	}
	if info.State.Running {
		if stats, err := readStats(ctx, cli, containerID); err == nil {
			applyStats(m, stats)
		}
	}
	return m, nil
}

// DockerAvailable pings the local daemon.
func DockerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cli, err := NewDockerClient()
	if err != nil {
		return false
	}
	defer func() { _ = cli.Close() }()

	_, err = cli.Ping(ctx)
	return err == nil
}

func (s *DockerSummary) add(state string) {
	s.Total++
	switch state {
	case "running":
		s.Running++
	case "paused":
		s.Paused++
	default:
		s.Stopped++
	}
}

func readStats(ctx context.Context, cli client.APIClient, id string) (*types.StatsJSON, error) {
	resp, err := cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func applyStats(m *ContainerMetrics, s *types.StatsJSON) {
	m.CPU.UsagePercent = calculateCPUPercent(s)
	if s.MemoryStats.Limit > 0 {
		m.Memory = ContainerMemory{
			Usage:       s.MemoryStats.Usage,
			Limit:       s.MemoryStats.Limit,
			UsedPercent: float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100,
			Cache:       s.MemoryStats.Stats["cache"],
		}
	}
	for _, n := range s.Networks {
		m.Network.RxBytes += n.RxBytes
		m.Network.TxBytes += n.TxBytes
		m.Network.RxPackets += n.RxPackets
		m.Network.TxPackets += n.TxPackets
	}
	for _, bio := range s.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(bio.Op) {
		case "read":
			m.BlockIO.ReadBytes += bio.Value
		case "write":
			m.BlockIO.WriteBytes += bio.Value
		}
	}
}

func calculateCPUPercent(s *types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
