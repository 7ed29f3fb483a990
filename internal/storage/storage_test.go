package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/devflow/internal/config"
)

func TestKey(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "backups/2026/01/02/site.tar.gz", Key(ts, "site.tar.gz"))
}

func TestLocal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Test(ctx))

	key := "backups/2026/01/02/a.tar.gz"
	require.NoError(t, l.Put(ctx, key, strings.NewReader("payload"), 7))

	rc, err := l.Get(ctx, key)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "payload", string(body))

	objs, err := l.List(ctx, "backups/2026")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)
	assert.Equal(t, int64(7), objs[0].Size)

	require.NoError(t, l.Delete(ctx, key))
	_, err = l.Get(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	require.NoError(t, l.Delete(ctx, key))
}

func TestLocal_RejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	err = l.Put(context.Background(), "../escape", strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestManager_Driver(t *testing.T) {
	m, err := NewManager(config.BackupConfig{LocalPath: t.TempDir(), DefaultDriver: "local"}, zerolog.Nop())
	require.NoError(t, err)

	d, err := m.Driver("")
	require.NoError(t, err)
	assert.Equal(t, DriverLocal, d.Name())

	_, err = m.Driver(DriverS3)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = m.Driver("ftp")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestManager_S3Registered(t *testing.T) {
	m, err := NewManager(config.BackupConfig{
		LocalPath: t.TempDir(),
		S3:        config.S3Config{Bucket: "b", AccessKey: "k", SecretKey: "s", Region: "us-east-1", Endpoint: "http://127.0.0.1:9000", PathStyle: true},
	}, zerolog.Nop())
	require.NoError(t, err)
	d, err := m.Driver(DriverS3)
	require.NoError(t, err)
	assert.Equal(t, DriverS3, d.Name())
}
