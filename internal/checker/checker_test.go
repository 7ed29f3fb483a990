package checker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Checker{}
	ok := p.HTTP(context.Background(), srv.URL, 200, time.Second)
	assert.Equal(t, models.ResultSuccess, ok.Status)
	assert.Equal(t, 200, ok.StatusCode)

	bad := p.HTTP(context.Background(), srv.URL+"/broken", 200, time.Second)
	assert.Equal(t, models.ResultFailure, bad.Status)
	assert.Equal(t, "Expected status 200, got 500", bad.Error)
}

func TestHTTP_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	res := (&Checker{}).HTTP(context.Background(), srv.URL, 200, 50*time.Millisecond)
	assert.Equal(t, models.ResultTimeout, res.Status)
}

func TestTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	res := (&Checker{}).TCP(context.Background(), ln.Addr().String(), time.Second)
	assert.Equal(t, models.ResultSuccess, res.Status)

	addr := ln.Addr().String()
	_ = ln.Close()
	res = (&Checker{}).TCP(context.Background(), addr, time.Second)
	assert.Equal(t, models.ResultFailure, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestPing(t *testing.T) {
	var gotHost string
	p := &Checker{Ping: func(_ context.Context, host string, _ time.Duration) (string, error) {
		gotHost = host
		return "64 bytes from example.com: icmp_seq=1 ttl=56 time=15.3 ms", nil
	}}
	res := p.PingHost(context.Background(), "https://example.com/path", time.Second)
	assert.Equal(t, models.ResultSuccess, res.Status)
	assert.Equal(t, int64(15), res.ResponseTime)
	assert.Equal(t, "example.com", gotHost)
}

func TestPing_Unreachable(t *testing.T) {
	p := &Checker{Ping: func(context.Context, string, time.Duration) (string, error) {
		return "ping: unknown host", ErrHostUnreachable
	}}
	res := p.PingHost(context.Background(), "invalid-host.local", time.Second)
	assert.Equal(t, models.ResultFailure, res.Status)
	assert.Equal(t, "Ping failed: Host unreachable", res.Error)
}

func TestPing_ExecError(t *testing.T) {
	p := &Checker{Ping: func(context.Context, string, time.Duration) (string, error) {
		return "", errors.New("Process execution failed")
	}}
	res := p.PingHost(context.Background(), "example.com", time.Second)
	assert.Equal(t, "Process execution failed", res.Error)
}

func TestSSLExpiry(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	notAfter := srv.Certificate().NotAfter

	tests := []struct {
		name   string
		now    time.Time
		status models.ResultStatus
	}{
		{"plenty of time", notAfter.Add(-30 * 24 * time.Hour), models.ResultSuccess},
		{"expiring soon", notAfter.Add(-3 * 24 * time.Hour), models.ResultFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			p := &Checker{
				TLSConfig: &tls.Config{RootCAs: pool, ServerName: "example.com"},
				Now:       func() time.Time { return now },
			}
			res := p.SSLExpiry(context.Background(), srv.URL, time.Second)
			assert.Equal(t, tt.status, res.Status, res.Error)
			require.NotNil(t, res.DaysRemaining)
		})
	}
}

func TestRun_UnknownType(t *testing.T) {
	_, err := (&Checker{}).Run(context.Background(), "invalid_type", "x", 0, time.Second)
	assert.ErrorIs(t, err, ErrUnknownCheckType)
}

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"http://example.com:8080": "example.com:8080",
		"https://example.com":     "example.com:443",
		"localhost:80":            "localhost:80",
		"db.internal":             "db.internal:80",
		"example.com/health":      "example.com:80",
	}
	for in, want := range tests {
		got, err := HostPort(in, 80)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestParsePingTime(t *testing.T) {
	ms, ok := ParsePingTime("64 bytes from example.com: time=25.5 ms")
	assert.True(t, ok)
	assert.InDelta(t, 25.5, ms, 0.001)
	_, ok = ParsePingTime(strings.Repeat("x", 10))
	assert.False(t, ok)
}
