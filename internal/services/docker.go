package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/metrics"
)

var ErrContainerNotFound = errors.New("container not found")

// ContainerInfo represents a summary of a container for list view.
type ContainerInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Image   string        `json:"image"`
	State   string        `json:"state"`
	Status  string        `json:"status"`
	Created time.Time     `json:"created"`
	Ports   []PortMapping `json:"ports"`
}

// ContainerDetail represents detailed information about a container.
type ContainerDetail struct {
	ContainerInfo
	Config          ContainerConfig  `json:"config"`
	NetworkSettings NetworkInfo      `json:"network"`
	Mounts          []MountInfo      `json:"mounts"`
	Health          *ContainerHealth `json:"health,omitempty"`
}

type PortMapping struct {
	HostIP        string `json:"host_ip"`
	HostPort      string `json:"host_port"`
	ContainerPort string `json:"container_port"`
	Protocol      string `json:"protocol"`
}

type ContainerConfig struct {
	Hostname   string            `json:"hostname"`
	User       string            `json:"user"`
	Env        []string          `json:"env"`
	Cmd        []string          `json:"cmd"`
	Entrypoint []string          `json:"entrypoint"`
	WorkingDir string            `json:"working_dir"`
	Labels     map[string]string `json:"labels"`
}

type NetworkInfo struct {
	IPAddress   string            `json:"ip_address"`
	Gateway     string            `json:"gateway"`
	MacAddress  string            `json:"mac_address"`
	Networks    map[string]string `json:"networks"` // network name -> IP
	DNSServers  []string          `json:"dns_servers"`
	NetworkMode string            `json:"network_mode"`
}

type MountInfo struct {
	Type        string `json:"type"` // bind, volume, tmpfs
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mode        string `json:"mode"` // rw, ro
	RW          bool   `json:"rw"`
}

// ContainerHealth is the Docker HEALTHCHECK state of a container.
type ContainerHealth struct {
	Status        string `json:"status"` // healthy, unhealthy, starting, none
	FailingStreak int    `json:"failing_streak"`
	Log           string `json:"log,omitempty"`
}

type LogOptions struct {
	Follow     bool   `json:"follow"`
	Tail       string `json:"tail"`
	Timestamps bool   `json:"timestamps"`
	Since      string `json:"since"`
	Until      string `json:"until"`
}

type DockerInfo struct {
	ServerVersion     string `json:"server_version"`
	OperatingSystem   string `json:"operating_system"`
	Architecture      string `json:"architecture"`
	KernelVersion     string `json:"kernel_version"`
	StorageDriver     string `json:"storage_driver"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	ContainersPaused  int    `json:"containers_paused"`
	ContainersStopped int    `json:"containers_stopped"`
	Images            int    `json:"images"`
	CPUs              int    `json:"cpus"`
	MemTotal          int64  `json:"mem_total"`
}

type ImageInfo struct {
	Created    time.Time `json:"created"`
	ID         string    `json:"id"`
	Tags       []string  `json:"tags"`
	Size       int64     `json:"size"`
	SizeHuman  string    `json:"size_human"`
	Containers int64     `json:"containers"`
}

type VolumeInfo struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Scope      string            `json:"scope"`
	CreatedAt  string            `json:"created_at"`
	Labels     map[string]string `json:"labels"`
}

type NetworkSummary struct {
	Created    time.Time `json:"created"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Driver     string    `json:"driver"`
	Scope      string    `json:"scope"`
	Containers int       `json:"containers"`
	Internal   bool      `json:"internal"`
}

// PruneReport totals what a prune removed.
type PruneReport struct {
	Containers     int    `json:"containers_deleted"`
	Images         int    `json:"images_deleted"`
	Volumes        int    `json:"volumes_deleted"`
	Networks       int    `json:"networks_deleted"`
	SpaceReclaimed uint64 `json:"space_reclaimed"`
	SpaceHuman     string `json:"space_reclaimed_human"`
}

type DiskUsage struct {
	LayersSize     int64  `json:"layers_size"`
	ContainersSize int64  `json:"containers_size"`
	VolumesSize    int64  `json:"volumes_size"`
	Images         int    `json:"images"`
	Containers     int    `json:"containers"`
	Volumes        int    `json:"volumes"`
	Total          string `json:"total"`
}

// DockerService manages the local Docker engine.
type DockerService struct {
	logger    zerolog.Logger
	newClient func() (client.APIClient, error)
}

func NewDockerService(logger zerolog.Logger) *DockerService {
	return &DockerService{
		logger: logger.With().Str("component", "docker").Logger(),
		newClient: func() (client.APIClient, error) {
			return metrics.NewDockerClient()
		},
	}
}

func (s *DockerService) withClient(fn func(cli client.APIClient) error) error {
	cli, err := s.newClient()
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	defer func() { _ = cli.Close() }()
	return fn(cli)
}

// IsDockerAvailable checks if Docker is available.
func (s *DockerService) IsDockerAvailable(ctx context.Context) bool {
	return s.withClient(func(cli client.APIClient) error {
		_, err := cli.Ping(ctx)
		return err
	}) == nil
}

func (s *DockerService) Info(ctx context.Context) (*DockerInfo, error) {
	var out *DockerInfo
	err := s.withClient(func(cli client.APIClient) error {
		info, err := cli.Info(ctx)
		if err != nil {
			return fmt.Errorf("failed to read docker info: %w", err)
		}
		out = &DockerInfo{
			ServerVersion:     info.ServerVersion,
			OperatingSystem:   info.OperatingSystem,
			Architecture:      info.Architecture,
			KernelVersion:     info.KernelVersion,
			StorageDriver:     info.Driver,
			Containers:        info.Containers,
			ContainersRunning: info.ContainersRunning,
			ContainersPaused:  info.ContainersPaused,
			ContainersStopped: info.ContainersStopped,
			Images:            info.Images,
			CPUs:              info.NCPU,
			MemTotal:          info.MemTotal,
		}
		return nil
	})
	return out, err
}

// List returns containers, stopped ones included when all is set.
func (s *DockerService) List(ctx context.Context, all bool) ([]ContainerInfo, error) {
	var result []ContainerInfo
	err := s.withClient(func(cli client.APIClient) error {
		containers, err := cli.ContainerList(ctx, container.ListOptions{All: all})
		if err != nil {
			return fmt.Errorf("failed to list containers: %w", err)
		}
		result = make([]ContainerInfo, 0, len(containers))
		for _, c := range containers {
			ports := make([]PortMapping, 0, len(c.Ports))
			for _, p := range c.Ports {
				ports = append(ports, PortMapping{
					HostIP:        p.IP,
					HostPort:      fmt.Sprintf("%d", p.PublicPort),
					ContainerPort: fmt.Sprintf("%d", p.PrivatePort),
					Protocol:      p.Type,
				})
			}
			result = append(result, ContainerInfo{
				ID:      shortDockerID(c.ID),
				Name:    containerDisplayName(c.Names),
				Image:   c.Image,
				State:   c.State,
				Status:  c.Status,
				Created: time.Unix(c.Created, 0).UTC(),
				Ports:   ports,
			})
		}
		return nil
	})
	return result, err
}

// Get returns detailed information about a container.
func (s *DockerService) Get(ctx context.Context, containerID string) (*ContainerDetail, error) {
	var detail *ContainerDetail
	err := s.withClient(func(cli client.APIClient) error {
		inspect, err := cli.ContainerInspect(ctx, containerID)
		if client.IsErrNotFound(err) {
			return ErrContainerNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}

		createdTime, _ := time.Parse(time.RFC3339Nano, inspect.Created)

		ports := make([]PortMapping, 0)
		networks := make(map[string]string)
		var netInfo NetworkInfo
		if inspect.NetworkSettings != nil {
			for portProto, bindings := range inspect.NetworkSettings.Ports {
				for _, b := range bindings {
					ports = append(ports, PortMapping{
						HostIP:        b.HostIP,
						HostPort:      b.HostPort,
						ContainerPort: portProto.Port(),
						Protocol:      portProto.Proto(),
					})
				}
			}
			for name, n := range inspect.NetworkSettings.Networks {
				networks[name] = n.IPAddress
			}
			netInfo = NetworkInfo{
				IPAddress:  inspect.NetworkSettings.IPAddress,
				Gateway:    inspect.NetworkSettings.Gateway,
				MacAddress: inspect.NetworkSettings.MacAddress,
			}
		}
		netInfo.Networks = networks
		if inspect.HostConfig != nil {
			netInfo.DNSServers = inspect.HostConfig.DNS
			netInfo.NetworkMode = string(inspect.HostConfig.NetworkMode)
		}

		mounts := make([]MountInfo, 0, len(inspect.Mounts))
		for _, m := range inspect.Mounts {
			mode := "rw"
			if !m.RW {
				mode = "ro"
			}
			mounts = append(mounts, MountInfo{
				Type:        string(m.Type),
				Source:      m.Source,
				Destination: m.Destination,
				Mode:        mode,
				RW:          m.RW,
			})
		}

		var health *ContainerHealth
		state, status := "", ""
		if inspect.State != nil {
			state = inspect.State.Status
			status = fmt.Sprintf("%s (%s)", inspect.State.Status, inspect.State.StartedAt)
			if h := inspect.State.Health; h != nil {
				health = &ContainerHealth{Status: h.Status, FailingStreak: h.FailingStreak}
				if len(h.Log) > 0 {
					health.Log = h.Log[len(h.Log)-1].Output
				}
			}
		}

		detail = &ContainerDetail{
			ContainerInfo: ContainerInfo{
				ID:      shortDockerID(inspect.ID),
				Name:    strings.TrimPrefix(inspect.Name, "/"),
				State:   state,
				Status:  status,
				Created: createdTime,
				Ports:   ports,
			},
			NetworkSettings: netInfo,
			Mounts:          mounts,
			Health:          health,
		}
		if inspect.Config != nil {
			detail.Image = inspect.Config.Image
			detail.Config = ContainerConfig{
				Hostname:   inspect.Config.Hostname,
				User:       inspect.Config.User,
				Env:        inspect.Config.Env,
				Cmd:        inspect.Config.Cmd,
				Entrypoint: inspect.Config.Entrypoint,
				WorkingDir: inspect.Config.WorkingDir,
				Labels:     inspect.Config.Labels,
			}
		}
		return nil
	})
	return detail, err
}

// ContainerState finds a container by exact name, or by a name containing
// match, and returns its state. Empty state means no container matched.
func (s *DockerService) ContainerState(ctx context.Context, match string) (string, error) {
	containers, err := s.List(ctx, true)
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		if c.Name == match {
			return c.State, nil
		}
	}
	for _, c := range containers {
		if strings.Contains(c.Name, match) {
			return c.State, nil
		}
	}
	return "", nil
}

func (s *DockerService) Start(ctx context.Context, containerID string) error {
	return s.withClient(func(cli client.APIClient) error {
		if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container: %w", err)
		}
		return nil
	})
}

func (s *DockerService) Stop(ctx context.Context, containerID string, timeout *int) error {
	return s.withClient(func(cli client.APIClient) error {
		if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeout}); err != nil {
			return fmt.Errorf("failed to stop container: %w", err)
		}
		return nil
	})
}

func (s *DockerService) Restart(ctx context.Context, containerID string, timeout *int) error {
	return s.withClient(func(cli client.APIClient) error {
		if err := cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: timeout}); err != nil {
			return fmt.Errorf("failed to restart container: %w", err)
		}
		return nil
	})
}

func (s *DockerService) Remove(ctx context.Context, containerID string, force bool) error {
	return s.withClient(func(cli client.APIClient) error {
		if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}
		return nil
	})
}

// Logs returns the last tail lines of a container's combined output with
// the multiplexing headers stripped.
func (s *DockerService) Logs(ctx context.Context, containerID string, opts LogOptions) ([]string, error) {
	if opts.Tail == "" {
		opts.Tail = "100"
	}
	var lines []string
	err := s.withClient(func(cli client.APIClient) error {
		reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Timestamps: opts.Timestamps,
			Tail:       opts.Tail,
			Since:      opts.Since,
			Until:      opts.Until,
		})
		if err != nil {
			return fmt.Errorf("failed to get container logs: %w", err)
		}
		defer reader.Close()
		lines, err = readLogLines(reader)
		return err
	})
	return lines, err
}

// readLogLines splits a docker log stream. Multiplexed streams carry an
// 8 byte header per frame: [stream, 0, 0, 0, size x4].
func readLogLines(r io.Reader) ([]string, error) {
	lines := []string{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if len(line) >= 8 && (line[0] == 1 || line[0] == 2) && line[1] == 0 && line[2] == 0 && line[3] == 0 {
			line = line[8:]
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func (s *DockerService) Images(ctx context.Context) ([]ImageInfo, error) {
	var out []ImageInfo
	err := s.withClient(func(cli client.APIClient) error {
		images, err := cli.ImageList(ctx, image.ListOptions{All: false})
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}
		out = make([]ImageInfo, 0, len(images))
		for _, img := range images {
			out = append(out, ImageInfo{
				ID:         shortDockerID(strings.TrimPrefix(img.ID, "sha256:")),
				Tags:       img.RepoTags,
				Size:       img.Size,
				SizeHuman:  humanBytes(img.Size),
				Containers: img.Containers,
				Created:    time.Unix(img.Created, 0).UTC(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
		return nil
	})
	return out, err
}

func (s *DockerService) RemoveImage(ctx context.Context, imageID string, force bool) error {
	return s.withClient(func(cli client.APIClient) error {
		if _, err := cli.ImageRemove(ctx, imageID, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
			return fmt.Errorf("failed to remove image: %w", err)
		}
		return nil
	})
}

// PruneImages removes dangling images, or every unused image when all is set.
func (s *DockerService) PruneImages(ctx context.Context, all bool) (*PruneReport, error) {
	report := &PruneReport{}
	err := s.withClient(func(cli client.APIClient) error {
		args := filters.NewArgs()
		if all {
			args.Add("dangling", "false")
		}
		res, err := cli.ImagesPrune(ctx, args)
		if err != nil {
			return fmt.Errorf("failed to prune images: %w", err)
		}
		report.Images = len(res.ImagesDeleted)
		report.SpaceReclaimed = res.SpaceReclaimed
		return nil
	})
	report.SpaceHuman = humanBytes(int64(report.SpaceReclaimed))
	return report, err
}

func (s *DockerService) Volumes(ctx context.Context) ([]VolumeInfo, error) {
	var out []VolumeInfo
	err := s.withClient(func(cli client.APIClient) error {
		res, err := cli.VolumeList(ctx, volume.ListOptions{})
		if err != nil {
			return fmt.Errorf("failed to list volumes: %w", err)
		}
		out = make([]VolumeInfo, 0, len(res.Volumes))
		for _, v := range res.Volumes {
			out = append(out, VolumeInfo{
				Name:       v.Name,
				Driver:     v.Driver,
				Mountpoint: v.Mountpoint,
				Scope:      v.Scope,
				CreatedAt:  v.CreatedAt,
				Labels:     v.Labels,
			})
		}
		return nil
	})
	return out, err
}

func (s *DockerService) RemoveVolume(ctx context.Context, name string, force bool) error {
	return s.withClient(func(cli client.APIClient) error {
		if err := cli.VolumeRemove(ctx, name, force); err != nil {
			return fmt.Errorf("failed to remove volume: %w", err)
		}
		return nil
	})
}

func (s *DockerService) Networks(ctx context.Context) ([]NetworkSummary, error) {
	var out []NetworkSummary
	err := s.withClient(func(cli client.APIClient) error {
		nets, err := cli.NetworkList(ctx, types.NetworkListOptions{})
		if err != nil {
			return fmt.Errorf("failed to list networks: %w", err)
		}
		out = make([]NetworkSummary, 0, len(nets))
		for _, n := range nets {
			out = append(out, NetworkSummary{
				ID:         shortDockerID(n.ID),
				Name:       n.Name,
				Driver:     n.Driver,
				Scope:      n.Scope,
				Internal:   n.Internal,
				Containers: len(n.Containers),
				Created:    n.Created,
			})
		}
		return nil
	})
	return out, err
}

// builtinNetworks cannot be removed.
var builtinNetworks = map[string]bool{"bridge": true, "host": true, "none": true}

func (s *DockerService) RemoveNetwork(ctx context.Context, id string) error {
	if builtinNetworks[id] {
		return fmt.Errorf("network %s is predefined and cannot be removed", id)
	}
	return s.withClient(func(cli client.APIClient) error {
		if err := cli.NetworkRemove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove network: %w", err)
		}
		return nil
	})
}

// SystemPrune removes stopped containers, unused networks, dangling images
// and, when volumes is set, unused volumes.
func (s *DockerService) SystemPrune(ctx context.Context, volumes bool) (*PruneReport, error) {
	report := &PruneReport{}
	err := s.withClient(func(cli client.APIClient) error {
		none := filters.NewArgs()
		c, err := cli.ContainersPrune(ctx, none)
		if err != nil {
			return fmt.Errorf("failed to prune containers: %w", err)
		}
		report.Containers = len(c.ContainersDeleted)
		report.SpaceReclaimed += c.SpaceReclaimed

		n, err := cli.NetworksPrune(ctx, none)
		if err != nil {
			return fmt.Errorf("failed to prune networks: %w", err)
		}
		report.Networks = len(n.NetworksDeleted)

		i, err := cli.ImagesPrune(ctx, none)
		if err != nil {
			return fmt.Errorf("failed to prune images: %w", err)
		}
		report.Images = len(i.ImagesDeleted)
		report.SpaceReclaimed += i.SpaceReclaimed

		if volumes {
			v, err := cli.VolumesPrune(ctx, none)
			if err != nil {
				return fmt.Errorf("failed to prune volumes: %w", err)
			}
			report.Volumes = len(v.VolumesDeleted)
			report.SpaceReclaimed += v.SpaceReclaimed
		}
		return nil
	})
	report.SpaceHuman = humanBytes(int64(report.SpaceReclaimed))
	if err == nil {
		s.logger.Info().Int("containers", report.Containers).Int("images", report.Images).
			Str("reclaimed", report.SpaceHuman).Msg("docker system prune")
	}
	return report, err
}

func (s *DockerService) DiskUsage(ctx context.Context) (*DiskUsage, error) {
	out := &DiskUsage{}
	err := s.withClient(func(cli client.APIClient) error {
		du, err := cli.DiskUsage(ctx, types.DiskUsageOptions{})
		if err != nil {
			return fmt.Errorf("failed to read disk usage: %w", err)
		}
		out.LayersSize = du.LayersSize
		out.Images = len(du.Images)
		out.Containers = len(du.Containers)
		out.Volumes = len(du.Volumes)
		for _, c := range du.Containers {
			out.ContainersSize += c.SizeRw
		}
		for _, v := range du.Volumes {
			if v.UsageData != nil && v.UsageData.Size > 0 {
				out.VolumesSize += v.UsageData.Size
			}
		}
		return nil
	})
	out.Total = humanBytes(out.LayersSize + out.ContainersSize + out.VolumesSize)
	return out, err
}

// Stats samples resource usage of every running container.
func (s *DockerService) Stats(ctx context.Context) (*metrics.DockerMetrics, error) {
	return metrics.CollectDocker(ctx)
}

func shortDockerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerDisplayName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
