package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/repository"
)

// CleanupReport counts the rows removed by CleanupExpired.
type CleanupReport struct {
	Flows          int64 `json:"flows"`
	PilotSecrets   int64 `json:"pilot_secrets"`
	RefreshTokens  int64 `json:"refresh_tokens"`
	JobCredentials int64 `json:"job_credentials"`
}

// Maintenance runs the periodic housekeeping jobs.
type Maintenance struct {
	observer
	store  repository.Store
	issuer *TokenIssuer
}

// NewMaintenance wires dependencies.
func NewMaintenance(store repository.Store, issuer *TokenIssuer, logger *zap.Logger) *Maintenance {
	return &Maintenance{observer: newObserver(logger), store: store, issuer: issuer}
}

// CleanupExpired deletes flows and pilot secrets past their expiry and
// refresh tokens that expired before now.
func (m *Maintenance) CleanupExpired(ctx context.Context, now time.Time) (CleanupReport, error) {
	ctx, span := m.startSpan(ctx, "Maintenance.CleanupExpired")
	defer span.End()

	var (
		report CleanupReport
		err    error
	)
	if report.Flows, err = m.store.DeleteExpiredFlows(ctx, now); err != nil {
		return report, fmt.Errorf("delete expired flows: %w", err)
	}
	if report.PilotSecrets, err = m.store.DeleteExpiredPilotSecrets(ctx, now); err != nil {
		return report, fmt.Errorf("delete expired pilot secrets: %w", err)
	}
	if report.RefreshTokens, err = m.store.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		return report, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	if report.JobCredentials, err = m.store.DeleteExpiredJobCredentials(ctx, now); err != nil {
		return report, fmt.Errorf("delete expired job credentials: %w", err)
	}
	m.audit("maintenance.cleanup", "flows", report.Flows, "pilot_secrets", report.PilotSecrets, "refresh_tokens", report.RefreshTokens,
		"job_credentials", report.JobCredentials)
	return report, nil
}

// RetireExpiredKeys revokes retiring keys past their retirement window.
func (m *Maintenance) RetireExpiredKeys(ctx context.Context) ([]string, error) {
	if m.issuer == nil {
		return nil, nil
	}
	return m.issuer.RetireExpiredKeys(ctx)
}
