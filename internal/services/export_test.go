package services

import (
	"context"
	"net/http"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/kube"
)

// SetSleep replaces the retry backoff of a ScriptService.
func (s *ScriptService) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// SetHTTPClient replaces the client factory used by TestConnection.
func (s *ClusterService) SetHTTPClient(client *http.Client) {
	s.newHTTPClient = func(*kube.Credentials) (*http.Client, error) { return client, nil }
}

// Truncate exposes the byte-bounded string cut used for stored messages.
var Truncate = truncate
