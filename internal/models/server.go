package models

import "time"

// ServerStatus is the reachability state of a managed server.
type ServerStatus string

const (
	ServerOnline      ServerStatus = "online"
	ServerOffline     ServerStatus = "offline"
	ServerMaintenance ServerStatus = "maintenance"
	ServerUnknown     ServerStatus = "unknown"
)

// Server is a host reachable over SSH, or the local machine.
type Server struct {
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	LastPingAt      *time.Time   `json:"last_ping_at"`
	Name            string       `json:"name"`
	Hostname        string       `json:"hostname"`
	IPAddress       string       `json:"ip_address"`
	Username        string       `json:"username"`
	SSHKey          string       `json:"-"`
	SSHPassword     string       `json:"-"`
	HostKey         string       `json:"host_key,omitempty"`
	Status          ServerStatus `json:"status"`
	OSInfo          string       `json:"os_info"`
	ID              int64        `json:"id"`
	Port            int          `json:"port"`
	CPUCores        int          `json:"cpu_cores"`
	MemoryMB        int64        `json:"memory_mb"`
	DiskGB          int64        `json:"disk_gb"`
	DockerInstalled bool         `json:"docker_installed"`
}

// Address returns the address used to dial the server.
func (s *Server) Address() string {
	if s.IPAddress != "" {
		return s.IPAddress
	}
	return s.Hostname
}

type CreateServerRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Hostname    string `json:"hostname" binding:"required,max=255"`
	IPAddress   string `json:"ip_address" binding:"omitempty,ip"`
	Port        int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Username    string `json:"username" binding:"omitempty,max=64"`
	SSHKey      string `json:"ssh_key"`
	SSHPassword string `json:"ssh_password"`
}

type UpdateServerRequest struct {
	Name        *string       `json:"name" binding:"omitempty,max=255"`
	Hostname    *string       `json:"hostname" binding:"omitempty,max=255"`
	IPAddress   *string       `json:"ip_address" binding:"omitempty,ip"`
	Port        *int          `json:"port" binding:"omitempty,min=1,max=65535"`
	Username    *string       `json:"username"`
	SSHKey      *string       `json:"ssh_key"`
	SSHPassword *string       `json:"ssh_password"`
	Status      *ServerStatus `json:"status" binding:"omitempty,oneof=online offline maintenance unknown"`
}
