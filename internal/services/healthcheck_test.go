package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/checker"
	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/notify"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func newHealthService(t *testing.T) (*services.HealthCheckService, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return services.NewHealthCheckService(env.DB, config.HealthConfig{}, nil, env.Notify, env.Logger), env
}

func TestHealthCheckService_HTTPCheck(t *testing.T) {
	svc, _ := newHealthService(t)
	status := http.StatusOK
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer ts.Close()

	hc, err := svc.Create(models.CreateHealthCheckRequest{Name: "site", CheckType: models.CheckHTTP, TargetURL: ts.URL})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if hc.Status != models.HealthUnknown || hc.IntervalMinutes != 5 || hc.ExpectedStatus != 200 {
		t.Errorf("unexpected defaults: %+v", hc)
	}

	res, err := svc.RunCheck(context.Background(), hc.ID)
	if err != nil {
		t.Fatalf("RunCheck returned error: %v", err)
	}
	if res.Status != models.ResultSuccess || res.StatusCode != 200 {
		t.Errorf("unexpected result: %+v", res)
	}

	status = http.StatusServiceUnavailable
	res, _ = svc.RunCheck(context.Background(), hc.ID)
	if res.Status != models.ResultFailure {
		t.Errorf("expected failure on 503, got %+v", res)
	}
	got, _ := svc.Get(hc.ID)
	if got.Status != models.HealthDegraded || got.ConsecutiveFailures != 1 {
		t.Errorf("expected degraded after one failure, got %q (%d)", got.Status, got.ConsecutiveFailures)
	}

	results, _ := svc.Results(hc.ID, 10)
	if len(results) != 2 || results[0].Status != models.ResultFailure {
		t.Errorf("expected newest result first, got %+v", results)
	}
}

func TestHealthCheckService_DownAndRecovery(t *testing.T) {
	svc, env := newHealthService(t)
	ch, _ := env.Notify.Create(models.CreateChannelRequest{Name: "ops", Type: models.ChannelSlack, WebhookURL: "https://hooks.slack.com/x"})
	hc, _ := svc.Create(models.CreateHealthCheckRequest{
		Name: "api", CheckType: models.CheckTCP, TargetURL: "10.0.0.5:443", ChannelIDs: []int64{ch.ID},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.RecordResult(ctx, hc.ID, checker.Result{Status: models.ResultTimeout, Error: "i/o timeout"}); err != nil {
			t.Fatalf("RecordResult returned error: %v", err)
		}
	}
	got, _ := svc.Get(hc.ID)
	if got.Status != models.HealthDown {
		t.Errorf("expected down after 5 failures, got %q", got.Status)
	}

	if _, err := svc.RecordResult(ctx, hc.ID, checker.Result{Status: models.ResultSuccess}); err != nil {
		t.Fatalf("RecordResult returned error: %v", err)
	}
	got, _ = svc.Get(hc.ID)
	if got.Status != models.HealthHealthy || got.ConsecutiveFailures != 0 {
		t.Errorf("expected healthy after success, got %+v", got)
	}

	sent := env.Sender.Sent()
	if len(sent) != 6 {
		t.Fatalf("expected 5 failure and 1 recovery notifications, got %d", len(sent))
	}
	if sent[5].Event != notify.EventHealthRecovered {
		t.Errorf("expected the last message to be a recovery, got %q", sent[5].Event)
	}

	sum, _ := svc.Summary()
	if sum.Total != 1 || sum.Healthy != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestHealthCheckService_SSLExpiringNotifies(t *testing.T) {
	svc, env := newHealthService(t)
	_, _ = env.Notify.Create(models.CreateChannelRequest{Name: "ops", Type: models.ChannelWebhook, WebhookURL: "https://example.com/hook"})
	hc, _ := svc.Create(models.CreateHealthCheckRequest{Name: "cert", CheckType: models.CheckSSLExpiry, TargetURL: "https://shop.example.com"})

	days := 12
	if _, err := svc.RecordResult(context.Background(), hc.ID, checker.Result{Status: models.ResultSuccess, DaysRemaining: &days}); err != nil {
		t.Fatalf("RecordResult returned error: %v", err)
	}
	sent := env.Sender.Sent()
	if len(sent) != 1 || sent[0].Event != notify.EventSSLExpiring {
		t.Errorf("expected an ssl.expiring notification, got %+v", sent)
	}
}

func TestHealthCheckService_Due(t *testing.T) {
	svc, _ := newHealthService(t)
	hc, _ := svc.Create(models.CreateHealthCheckRequest{Name: "tcp", CheckType: models.CheckTCP, TargetURL: "127.0.0.1:1", IntervalMinutes: 10})

	if !services.Due(hc, hc.CreatedAt) {
		t.Error("expected a never-run check to be due")
	}
	_, _ = svc.RecordResult(context.Background(), hc.ID, checker.Result{Status: models.ResultSuccess})
	got, _ := svc.Get(hc.ID)
	if services.Due(got, got.LastCheckAt.Add(5*time.Minute)) {
		t.Error("expected the check not to be due before its interval")
	}
	if !services.Due(got, got.LastCheckAt.Add(10*time.Minute)) {
		t.Error("expected the check to be due after its interval")
	}

	paused := false
	updated, _ := svc.Update(hc.ID, models.UpdateHealthCheckRequest{IsActive: &paused})
	if services.Due(updated, updated.LastCheckAt.Add(time.Hour)) {
		t.Error("expected inactive checks never to be due")
	}
}

func TestHealthCheckService_Delete(t *testing.T) {
	svc, _ := newHealthService(t)
	hc, _ := svc.Create(models.CreateHealthCheckRequest{Name: "tcp", CheckType: models.CheckTCP, TargetURL: "127.0.0.1:1"})

	if err := svc.Delete(hc.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := svc.RunCheck(context.Background(), hc.ID); !errors.Is(err, services.ErrHealthCheckNotFound) {
		t.Errorf("expected ErrHealthCheckNotFound, got %v", err)
	}
}
