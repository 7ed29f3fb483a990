// Package storage holds backup archives on the local disk or in an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
)

const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

var (
	ErrObjectNotFound = errors.New("backup object not found")
	ErrUnknownDriver  = errors.New("unknown storage driver")
	ErrNotConfigured  = errors.New("storage driver is not configured")
)

// Object is a stored archive.
type Object struct {
	ModTime time.Time `json:"mod_time"`
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
}

// Driver stores archives by key.
type Driver interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Test(ctx context.Context) error
}

// Key lays archives out as backups/YYYY/MM/DD/filename.
func Key(t time.Time, filename string) string {
	t = t.UTC()
	return path.Join("backups", t.Format("2006"), t.Format("01"), t.Format("02"), filename)
}

// Manager resolves drivers by name.
type Manager struct {
	drivers       map[string]Driver
	defaultDriver string
}

// NewManager builds the local driver and, when credentials are present, the S3 driver.
func NewManager(cfg config.BackupConfig, logger zerolog.Logger) (*Manager, error) {
	local, err := NewLocal(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("init local storage: %w", err)
	}
	m := &Manager{
		drivers:       map[string]Driver{DriverLocal: local},
		defaultDriver: cfg.DefaultDriver,
	}
	if cfg.S3.Configured() {
		m.drivers[DriverS3] = NewS3(cfg.S3)
		logger.Info().Str("bucket", cfg.S3.Bucket).Str("endpoint", cfg.S3.Endpoint).Msg("s3 backup storage enabled")
	}
	return m, nil
}

// NewManagerWith registers explicit drivers. The first one is the default.
func NewManagerWith(drivers ...Driver) *Manager {
	m := &Manager{drivers: make(map[string]Driver)}
	for i, d := range drivers {
		if i == 0 {
			m.defaultDriver = d.Name()
		}
		m.drivers[d.Name()] = d
	}
	return m
}

// Driver returns the named driver, or the default when name is empty.
func (m *Manager) Driver(name string) (Driver, error) {
	if name == "" {
		name = m.defaultDriver
	}
	d, ok := m.drivers[name]
	if !ok {
		if name == DriverS3 {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return d, nil
}

// Default is the name of the driver used when none is requested.
func (m *Manager) Default() string {
	return m.defaultDriver
}
