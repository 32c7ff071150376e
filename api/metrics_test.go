package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginFails.threshold = 5

	for range 3 {
		collector.recordEvent(AuditLoginFailure)
	}
	collector.recordEvent(AuditTwoFactorFailure)
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestRevocationSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.revocations.threshold = 3

	collector.recordEvent(AuditRevokedRedirect)
	collector.recordEvent(AuditRevokedRedirect)
	collector.recordEvent(AuditLoginSuccess)
	assert.Empty(t, rec.snapshot())

	collector.recordEvent(AuditRevokedRedirect)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRevocationSpike, alerts[0].Type)
}

func TestMetricsIgnoresUntrackedEvents(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginFails.threshold = 1
	collector.revocations.threshold = 1

	for _, e := range []AuditEvent{AuditLoginSuccess, AuditLogout, AuditRegister, AuditTokenRefreshed} {
		collector.recordEvent(e)
	}
	assert.Empty(t, rec.snapshot())
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.loginFails.threshold = 1
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginFails.threshold = 3

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	collector.recordEvent(AuditLoginFailure)
	collector.recordEvent(AuditLoginFailure)

	now = now.Add(2 * time.Minute)
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, rec.snapshot(), "earlier failures fell out of the window")

	collector.recordEvent(AuditLoginFailure)
	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, rec.snapshot(), 1)
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginFails.threshold = 2

	for range 3 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, rec.snapshot(), 1, "window restarts after firing")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, rec.snapshot(), 2)
}
