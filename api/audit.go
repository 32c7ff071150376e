package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditLoginNotApproved   AuditEvent = "login_not_approved"
	AuditTwoFactorChallenge AuditEvent = "2fa_challenge"
	AuditTwoFactorSuccess   AuditEvent = "2fa_success"
	AuditTwoFactorFailure   AuditEvent = "2fa_failure"
	AuditRegister           AuditEvent = "register"
	AuditAccountVerified    AuditEvent = "account_verified"
	AuditAccountDeleted     AuditEvent = "account_deleted"
	AuditTokenRefreshed     AuditEvent = "token_refreshed"
	AuditLogout             AuditEvent = "logout"
	AuditRevokedRedirect    AuditEvent = "revoked_token_redirect"
)

// auditLogger writes structured security audit records and feeds the
// event counters and the anomaly collector.
type auditLogger struct {
	logger    *slog.Logger
	metrics   *httpMetrics
	anomalies *metricsCollector
}

func newAuditLogger(logger *slog.Logger, metrics *httpMetrics, anomalies *metricsCollector) *auditLogger {
	return &auditLogger{
		logger:    logger.With("component", "audit"),
		metrics:   metrics,
		anomalies: anomalies,
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	if al.metrics != nil {
		al.metrics.authEvents.WithLabelValues(string(event)).Inc()
	}
	al.anomalies.recordEvent(event)
}

// logEvent records an event attributed to a user id. Tokens, passwords and
// codes are never logged.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("user_id", userID)}, extra...)...)
}

// logFailure records a failed attempt with a short reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}
