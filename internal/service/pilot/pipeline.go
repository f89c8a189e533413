// Package pilot implements the pilot credential pipeline: pilot secrets are
// exchanged for a matching credential, which in turn obtains one minimally
// scoped credential per matched job.
package pilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/secret"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

// PropertyOperator is required to provision pilot secrets.
const PropertyOperator = "Operator"

const secretBytes = 32

// Pipeline defines the pilot credential operations.
type Pipeline interface {
	CreateSecrets(ctx context.Context, caller domain.AccessClaims, in CreateSecretsInput) ([]IssuedSecret, error)
	ConsumePilotSecret(ctx context.Context, login domain.PilotLogin) (domain.TokenPair, error)
	MatchJob(ctx context.Context, pilot domain.AccessClaims, req domain.MatchRequest) (*JobCredential, error)
	FinalizeJob(ctx context.Context, pilot domain.AccessClaims, jobID string, outcome domain.JobOutcome) error
	VerifyJobCredential(ctx context.Context, raw, jobID string) (*domain.AccessClaims, error)
}

// JobSource hands out queued jobs and takes back jobs that could not be started.
type JobSource interface {
	Match(ctx context.Context, vo string, req domain.MatchRequest) (domain.JobDetails, error)
	Enqueue(ctx context.Context, job domain.JobDetails) error
}

// CreateSecretsInput describes a batch of pilot secrets.
type CreateSecretsInput struct {
	Count int
	// RemainingUses defaults to 1; zero means unlimited.
	RemainingUses *int
	TTL           time.Duration
	Constraints   domain.PilotSecretConstraints
}

// IssuedSecret is returned once, at creation.
type IssuedSecret struct {
	ID        int64     `json:"id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobCredential is the result of a successful match.
type JobCredential struct {
	Job  domain.JobDetails
	Pair domain.TokenPair
}

type pipeline struct {
	secrets  repository.PilotSecretRepository
	jobs     repository.JobCredentialRepository
	refresh  repository.RefreshTokenRepository
	source   JobSource
	issuer   *service.TokenIssuer
	resolver registry.Resolver
	node     *snowflake.Node
	cfg      config.Config
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPipeline wires the pilot pipeline implementation.
func NewPipeline(
	secrets repository.PilotSecretRepository,
	jobs repository.JobCredentialRepository,
	refresh repository.RefreshTokenRepository,
	source JobSource,
	issuer *service.TokenIssuer,
	resolver registry.Resolver,
	node *snowflake.Node,
	cfg config.Config,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) Pipeline {
	return &pipeline{
		secrets:  secrets,
		jobs:     jobs,
		refresh:  refresh,
		source:   source,
		issuer:   issuer,
		resolver: resolver,
		node:     node,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/gridauth/internal/service/pilot"),
		now:      time.Now,
	}
}

func (p *pipeline) CreateSecrets(ctx context.Context, caller domain.AccessClaims, in CreateSecretsInput) ([]IssuedSecret, error) {
	ctx, span := p.tracer.Start(ctx, "pilot.CreateSecrets")
	defer span.End()

	if !caller.Grant.HasProperty(PropertyOperator) {
		return nil, domain.ErrForbidden
	}
	if in.Count <= 0 || in.Count > 1000 {
		return nil, fmt.Errorf("%w: count must be between 1 and 1000", domain.ErrInvalidRequest)
	}
	constraints := in.Constraints
	if len(constraints.VOs) == 0 {
		constraints.VOs = []string{caller.Identity.VO}
	}
	for _, vo := range constraints.VOs {
		if vo != caller.Identity.VO {
			return nil, fmt.Errorf("%w: secrets may only target the caller's vo", domain.ErrForbidden)
		}
	}
	var uses *int
	switch {
	case in.RemainingUses == nil:
		one := 1
		uses = &one
	case *in.RemainingUses < 0:
		return nil, fmt.Errorf("%w: remaining_uses must not be negative", domain.ErrInvalidRequest)
	case *in.RemainingUses > 0:
		n := *in.RemainingUses
		uses = &n
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = p.cfg.PilotSecretTTL
	}

	now := p.now().UTC()
	records := make([]domain.PilotSecret, 0, in.Count)
	issued := make([]IssuedSecret, 0, in.Count)
	for i := 0; i < in.Count; i++ {
		raw, err := secret.GenerateHex(secretBytes)
		if err != nil {
			return nil, err
		}
		record := domain.PilotSecret{
			ID:            p.node.Generate().Int64(),
			SecretHash:    secret.Hash(raw),
			Constraints:   constraints,
			RemainingUses: uses,
			ExpiresAt:     now.Add(ttl),
			CreatedAt:     now,
		}
		records = append(records, record)
		issued = append(issued, IssuedSecret{ID: record.ID, Secret: raw, ExpiresAt: record.ExpiresAt})
	}
	if err := p.secrets.CreatePilotSecrets(ctx, records); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create pilot secrets: %w", err)
	}
	p.audit("pilot.secrets_created", zap.Int("count", in.Count), zap.String("by", caller.Identity.QualifiedSubject()))
	return issued, nil
}

func (p *pipeline) ConsumePilotSecret(ctx context.Context, login domain.PilotLogin) (domain.TokenPair, error) {
	ctx, span := p.tracer.Start(ctx, "pilot.ConsumePilotSecret")
	defer span.End()

	if login.Secret == "" || login.PilotStamp == "" || login.VO == "" {
		return domain.TokenPair{}, fmt.Errorf("%w: secret, pilot_stamp and vo are required", domain.ErrInvalidRequest)
	}
	hash := secret.Hash(login.Secret)
	stored, err := p.secrets.GetPilotSecretByHash(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("get pilot secret: %w", err)
	}
	if !stored.Constraints.Allows(login.VO, login.PilotStamp, login.Site) {
		p.log().Info("pilot secret constraints not met", zap.Int64("secret_id", stored.ID), zap.String("pilot_stamp", login.PilotStamp))
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}
	vo, err := p.resolver.LookupVO(login.VO)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	grant, err := service.PilotGrant(vo)
	if err != nil {
		return domain.TokenPair{}, err
	}

	if _, err := p.secrets.ConsumePilotSecret(ctx, hash, p.now().UTC()); err != nil {
		return domain.TokenPair{}, err
	}
	p.metrics.PilotSecretConsumed()
	p.audit("pilot.secret_consumed", zap.Int64("secret_id", stored.ID), zap.String("pilot_stamp", login.PilotStamp), zap.String("vo", vo.Name))

	identity := domain.Identity{Subject: login.PilotStamp, VO: vo.Name, PilotStamp: login.PilotStamp}
	return p.issuer.IssuePair(ctx, identity, grant, domain.RefreshKindPilot, "pilot_secret")
}

func (p *pipeline) MatchJob(ctx context.Context, pilot domain.AccessClaims, req domain.MatchRequest) (*JobCredential, error) {
	ctx, span := p.tracer.Start(ctx, "pilot.MatchJob")
	defer span.End()

	if err := requirePilot(pilot); err != nil {
		return nil, err
	}
	vo, err := p.resolver.LookupVO(pilot.Identity.VO)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	// Checked before popping so a refused pilot leaves the queue order intact.
	active, err := p.jobs.HasActiveJobCredential(ctx, pilot.Identity.PilotStamp, p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("check active job credential: %w", err)
	}
	if active {
		return nil, domain.ErrJobCredentialActive
	}
	job, err := p.source.Match(ctx, vo.Name, req)
	if err != nil {
		return nil, err
	}

	identity := domain.Identity{
		Subject:    pilot.Identity.Subject,
		VO:         vo.Name,
		PilotStamp: pilot.Identity.PilotStamp,
		JobID:      job.JobID,
	}
	pair, err := p.issuer.IssuePair(ctx, identity, service.JobGrant(vo), domain.RefreshKindJob, "job_match")
	if err != nil {
		p.requeue(ctx, job)
		return nil, err
	}

	now := p.now().UTC()
	record := domain.JobCredentialRecord{
		ID:         p.node.Generate().Int64(),
		JobID:      job.JobID,
		PilotStamp: identity.PilotStamp,
		VO:         vo.Name,
		AccessJTI:  pair.Access.JTI,
		RefreshJTI: pair.RefreshJTI.String(),
		Status:     domain.JobCredentialActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.cfg.RefreshTokenTTL),
	}
	if err := p.jobs.CreateJobCredential(ctx, record, now); err != nil {
		if _, revokeErr := p.refresh.RevokeJobTokens(ctx, job.JobID); revokeErr != nil {
			p.log().Error("revoke orphaned job tokens", zap.String("job_id", job.JobID), zap.Error(revokeErr))
		}
		p.requeue(ctx, job)
		return nil, err
	}
	p.audit("pilot.job_matched", zap.String("job_id", job.JobID), zap.String("pilot_stamp", identity.PilotStamp), zap.String("vo", vo.Name))
	return &JobCredential{Job: job, Pair: pair}, nil
}

func (p *pipeline) FinalizeJob(ctx context.Context, pilot domain.AccessClaims, jobID string, outcome domain.JobOutcome) error {
	ctx, span := p.tracer.Start(ctx, "pilot.FinalizeJob")
	defer span.End()

	if err := requirePilot(pilot); err != nil {
		return err
	}
	if jobID == "" || (outcome != domain.JobSucceeded && outcome != domain.JobFailed) {
		return fmt.Errorf("%w: job_id and an outcome of success or failure are required", domain.ErrInvalidRequest)
	}
	record, err := p.jobs.GetJobCredential(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return fmt.Errorf("get job credential: %w", err)
	case record.PilotStamp != pilot.Identity.PilotStamp:
		return domain.ErrForbidden
	}

	revoked, err := p.refresh.RevokeJobTokens(ctx, jobID)
	if err != nil {
		return fmt.Errorf("revoke job tokens: %w", err)
	}
	changed, err := p.jobs.FinalizeJobCredential(ctx, jobID, outcome, p.now().UTC())
	if err != nil {
		return fmt.Errorf("finalize job credential: %w", err)
	}
	p.audit("pilot.job_finalized", zap.String("job_id", jobID), zap.String("outcome", string(outcome)),
		zap.Int64("tokens_revoked", revoked), zap.Bool("changed", changed))
	return nil
}

func (p *pipeline) VerifyJobCredential(ctx context.Context, raw, jobID string) (*domain.AccessClaims, error) {
	ctx, span := p.tracer.Start(ctx, "pilot.VerifyJobCredential")
	defer span.End()

	claims, err := p.issuer.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Class != domain.TokenClassJob || claims.Identity.JobID != jobID {
		return nil, domain.ErrForbidden
	}
	record, err := p.jobs.GetJobCredential(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: no job credential", domain.ErrInvalidToken)
	}
	if record.Status != domain.JobCredentialActive || !p.now().Before(record.ExpiresAt) ||
		record.PilotStamp != claims.Identity.PilotStamp || record.AccessJTI != claims.JTI {
		return nil, fmt.Errorf("%w: job credential is no longer active", domain.ErrInvalidToken)
	}
	return claims, nil
}

func (p *pipeline) requeue(ctx context.Context, job domain.JobDetails) {
	if err := p.source.Enqueue(ctx, job); err != nil {
		p.log().Error("requeue job", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func requirePilot(claims domain.AccessClaims) error {
	if claims.Class != domain.TokenClassPilot || claims.Identity.PilotStamp == "" {
		return fmt.Errorf("%w: a pilot credential is required", domain.ErrForbidden)
	}
	return nil
}

func (p *pipeline) audit(event string, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("event", event), zap.Time("timestamp", p.now().UTC())}, fields...)
	p.log().Info("audit", fields...)
}

func (p *pipeline) log() *zap.Logger {
	if p != nil && p.logger != nil {
		return p.logger
	}
	return zap.L()
}
