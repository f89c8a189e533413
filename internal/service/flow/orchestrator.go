// Package flow drives the interactive authorization-code and device flows,
// including the inner code exchange against each VO's identity provider.
package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smallbiznis/gridauth/internal/adapter/idp"
	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/scope"
	"github.com/smallbiznis/gridauth/internal/secret"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/statecrypt"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

const (
	// AuthorizeCompletePath and DeviceCompletePath receive the IdP callback.
	AuthorizeCompletePath = "/api/auth/authorize/complete"
	DeviceCompletePath    = "/api/auth/device/complete"
	// DeviceVerificationPath is where users enter their user code.
	DeviceVerificationPath = "/api/auth/device"

	codeBytes = 32
)

// Orchestrator defines the interactive login flows.
type Orchestrator interface {
	StartAuthorizationFlow(ctx context.Context, in StartAuthorizationInput) (*StartAuthorizationOutput, error)
	StartDeviceFlow(ctx context.Context, in StartDeviceInput) (*DeviceAuthorization, error)
	BeginDeviceVerification(ctx context.Context, userCode string) (string, error)
	CompleteFlow(ctx context.Context, in CompleteInput) (*CompleteOutput, error)
	PollDeviceFlow(ctx context.Context, deviceCode string) (domain.DeviceFlow, error)
	ExchangeFlowForTokens(ctx context.Context, in ExchangeInput) (domain.TokenPair, error)
}

// PollLimiter throttles device-code polling.
type PollLimiter interface {
	Allow(ctx context.Context, key string, interval time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// StartAuthorizationInput carries the client's /authorize parameters.
type StartAuthorizationInput struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	// State is the client's own opaque state, returned untouched.
	State string
}

// StartAuthorizationOutput is the flow code and where to send the browser.
type StartAuthorizationOutput struct {
	FlowID      uuid.UUID
	RedirectURL string
}

// StartDeviceInput carries the device-authorization request.
type StartDeviceInput struct {
	ClientID            string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// DeviceAuthorization is the RFC 8628 device-authorization response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expires_in"`
}

// CompleteInput is the IdP callback.
type CompleteInput struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CompleteOutput tells the caller how to finish the browser leg.
type CompleteOutput struct {
	Kind string
	// RedirectURI, Code and ClientState are set for authorization flows.
	RedirectURI string
	Code        string
	ClientState string
	Denied      bool
}

// ExchangeInput is the token-endpoint request for both flows.
type ExchangeInput struct {
	GrantType    string
	ClientID     string
	Code         string
	DeviceCode   string
	RedirectURI  string
	CodeVerifier string
}

// Flow kinds reported by CompleteFlow.
const (
	KindAuthorization = "authorization"
	KindDevice        = "device"
)

// resumeState is sealed into the IdP state parameter.
type resumeState struct {
	Kind        string    `json:"k"`
	FlowID      uuid.UUID `json:"f,omitempty"`
	UserCode    string    `json:"u,omitempty"`
	VO          string    `json:"vo"`
	Verifier    string    `json:"v"`
	Nonce       string    `json:"n"`
	ClientState string    `json:"s,omitempty"`
}

type orchestrator struct {
	flows    repository.FlowRepository
	idp      idp.Client
	limiter  PollLimiter
	sealer   *statecrypt.Sealer
	issuer   *service.TokenIssuer
	resolver registry.Resolver
	cfg      config.Config
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator wires the flow orchestrator implementation.
func NewOrchestrator(
	flows repository.FlowRepository,
	idpClient idp.Client,
	limiter PollLimiter,
	sealer *statecrypt.Sealer,
	issuer *service.TokenIssuer,
	resolver registry.Resolver,
	cfg config.Config,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) Orchestrator {
	return &orchestrator{
		flows:    flows,
		idp:      idpClient,
		limiter:  limiter,
		sealer:   sealer,
		issuer:   issuer,
		resolver: resolver,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/gridauth/internal/service/flow"),
		now:      time.Now,
	}
}

func (o *orchestrator) StartAuthorizationFlow(ctx context.Context, in StartAuthorizationInput) (*StartAuthorizationOutput, error) {
	ctx, span := o.tracer.Start(ctx, "flow.StartAuthorizationFlow")
	defer span.End()

	if err := o.checkClient(in.ClientID); err != nil {
		return nil, err
	}
	if !slices.Contains(o.cfg.AllowedRedirects, in.RedirectURI) {
		return nil, fmt.Errorf("%w: redirect_uri is not allowed", domain.ErrInvalidRequest)
	}
	if err := checkChallenge(in.CodeChallenge, in.CodeChallengeMethod); err != nil {
		return nil, err
	}
	req, err := o.parseScope(in.Scope)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	flow := domain.AuthorizationFlow{
		ID:            uuid.New(),
		ClientID:      in.ClientID,
		Scope:         in.Scope,
		RedirectURI:   in.RedirectURI,
		CodeChallenge: in.CodeChallenge,
		Status:        domain.FlowPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.cfg.AuthorizationFlowTTL),
	}
	if err := o.flows.CreateAuthorizationFlow(ctx, flow); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create authorization flow: %w", err)
	}

	redirect, err := o.idpRedirect(ctx, resumeState{
		Kind:        KindAuthorization,
		FlowID:      flow.ID,
		VO:          req.VO,
		ClientState: in.State,
	}, AuthorizeCompletePath)
	if err != nil {
		return nil, err
	}
	o.metrics.FlowTransition(KindAuthorization, string(domain.FlowPending))
	return &StartAuthorizationOutput{FlowID: flow.ID, RedirectURL: redirect}, nil
}

func (o *orchestrator) StartDeviceFlow(ctx context.Context, in StartDeviceInput) (*DeviceAuthorization, error) {
	ctx, span := o.tracer.Start(ctx, "flow.StartDeviceFlow")
	defer span.End()

	if err := o.checkClient(in.ClientID); err != nil {
		return nil, err
	}
	if err := checkChallenge(in.CodeChallenge, in.CodeChallengeMethod); err != nil {
		return nil, err
	}
	if _, err := o.parseScope(in.Scope); err != nil {
		return nil, err
	}

	deviceCode, err := secret.Generate(codeBytes)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	flow := domain.DeviceFlow{
		DeviceCodeHash: secret.Hash(deviceCode),
		ClientID:       in.ClientID,
		Scope:          in.Scope,
		CodeChallenge:  in.CodeChallenge,
		PollInterval:   o.cfg.DevicePollInterval,
		Status:         domain.FlowPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.cfg.DeviceFlowTTL),
	}
	for attempt := 0; ; attempt++ {
		flow.UserCode, err = newUserCode()
		if err != nil {
			return nil, err
		}
		err = o.flows.CreateDeviceFlow(ctx, flow)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt+1 >= userCodeAttempts {
			span.RecordError(err)
			return nil, fmt.Errorf("create device flow: %w", err)
		}
	}

	verification := o.cfg.PublicURL + DeviceVerificationPath
	o.metrics.FlowTransition(KindDevice, string(domain.FlowPending))
	return &DeviceAuthorization{
		DeviceCode:              deviceCode,
		UserCode:                flow.UserCode,
		VerificationURI:         verification,
		VerificationURIComplete: verification + "?user_code=" + flow.UserCode,
		Interval:                int(flow.PollInterval / time.Second),
		ExpiresIn:               int(o.cfg.DeviceFlowTTL / time.Second),
	}, nil
}

func (o *orchestrator) BeginDeviceVerification(ctx context.Context, userCode string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "flow.BeginDeviceVerification")
	defer span.End()

	flow, err := o.flows.GetDeviceFlowByUserCode(ctx, normalizeUserCode(userCode))
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return "", fmt.Errorf("get device flow: %w", err)
	}
	if flow.Status != domain.FlowPending || flow.Expired(o.now()) {
		return "", domain.ErrExpiredOrConsumed
	}
	req, err := scope.Parse(flow.Scope)
	if err != nil {
		return "", err
	}
	return o.idpRedirect(ctx, resumeState{Kind: KindDevice, UserCode: flow.UserCode, VO: req.VO}, DeviceCompletePath)
}

func (o *orchestrator) CompleteFlow(ctx context.Context, in CompleteInput) (*CompleteOutput, error) {
	ctx, span := o.tracer.Start(ctx, "flow.CompleteFlow")
	defer span.End()

	var state resumeState
	if err := o.sealer.Open(in.State, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	switch state.Kind {
	case KindAuthorization:
		return o.completeAuthorization(ctx, state, in)
	case KindDevice:
		return o.completeDevice(ctx, state, in)
	default:
		return nil, fmt.Errorf("%w: unknown flow kind", domain.ErrInvalidRequest)
	}
}

func (o *orchestrator) completeAuthorization(ctx context.Context, state resumeState, in CompleteInput) (*CompleteOutput, error) {
	flow, err := o.flows.GetAuthorizationFlow(ctx, state.FlowID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization flow: %w", err)
	}
	if flow.Status != domain.FlowPending || flow.Expired(o.now()) {
		return nil, domain.ErrExpiredOrConsumed
	}
	out := &CompleteOutput{Kind: KindAuthorization, RedirectURI: flow.RedirectURI, ClientState: state.ClientState}

	claims, err := o.innerExchange(ctx, state, in, AuthorizeCompletePath, flow.Scope)
	if errors.Is(err, domain.ErrAccessDenied) {
		if denyErr := o.flows.DenyAuthorizationFlow(ctx, flow.ID, o.now().UTC()); denyErr != nil {
			return nil, denyErr
		}
		o.metrics.FlowTransition(KindAuthorization, string(domain.FlowDenied))
		o.audit("flow.denied", "flow", KindAuthorization, "flow_id", flow.ID.String())
		out.Denied = true
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	code, err := secret.Generate(codeBytes)
	if err != nil {
		return nil, err
	}
	if _, err := o.flows.AuthorizeAuthorizationFlow(ctx, flow.ID, secret.Hash(code), claims, o.now().UTC()); err != nil {
		return nil, err
	}
	o.metrics.FlowTransition(KindAuthorization, string(domain.FlowAuthorized))
	o.audit("flow.authorized", "flow", KindAuthorization, "flow_id", flow.ID.String(), "idp_sub", claims.Subject)
	out.Code = code
	return out, nil
}

func (o *orchestrator) completeDevice(ctx context.Context, state resumeState, in CompleteInput) (*CompleteOutput, error) {
	flow, err := o.flows.GetDeviceFlowByUserCode(ctx, state.UserCode)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return nil, fmt.Errorf("get device flow: %w", err)
	}
	if flow.Status != domain.FlowPending || flow.Expired(o.now()) {
		return nil, domain.ErrExpiredOrConsumed
	}
	out := &CompleteOutput{Kind: KindDevice}

	claims, err := o.innerExchange(ctx, state, in, DeviceCompletePath, flow.Scope)
	if errors.Is(err, domain.ErrAccessDenied) {
		if denyErr := o.flows.DenyDeviceFlow(ctx, flow.UserCode, o.now().UTC()); denyErr != nil {
			return nil, denyErr
		}
		o.metrics.FlowTransition(KindDevice, string(domain.FlowDenied))
		o.audit("flow.denied", "flow", KindDevice, "user_code", flow.UserCode)
		out.Denied = true
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if err := o.flows.AuthorizeDeviceFlow(ctx, flow.UserCode, claims, o.now().UTC()); err != nil {
		return nil, err
	}
	o.metrics.FlowTransition(KindDevice, string(domain.FlowAuthorized))
	o.audit("flow.authorized", "flow", KindDevice, "user_code", flow.UserCode, "idp_sub", claims.Subject)
	return out, nil
}

// innerExchange redeems the IdP code. An IdP denial, a rejected code or a
// subject outside the requested group all surface as ErrAccessDenied.
func (o *orchestrator) innerExchange(ctx context.Context, state resumeState, in CompleteInput, path, rawScope string) (domain.IDTokenClaims, error) {
	if in.Error != "" {
		o.log().Info("identity provider returned an error",
			zap.String("error", in.Error), zap.String("error_description", in.ErrorDescription))
		return domain.IDTokenClaims{}, domain.ErrAccessDenied
	}
	if in.Code == "" {
		return domain.IDTokenClaims{}, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}
	claims, err := o.idp.Exchange(ctx, state.VO, in.Code, state.Verifier, o.cfg.PublicURL+path, state.Nonce)
	if err != nil {
		o.metrics.IdPFailure()
		o.log().Warn("inner code exchange failed", zap.String("vo", state.VO), zap.Error(err))
		return domain.IDTokenClaims{}, err
	}
	req, err := scope.Parse(rawScope)
	if err != nil {
		return domain.IDTokenClaims{}, err
	}
	if _, err := scope.Resolve(o.resolver, req, claims.Subject); err != nil {
		o.log().Info("subject cannot hold the requested scope", zap.String("idp_sub", claims.Subject), zap.Error(err))
		return domain.IDTokenClaims{}, domain.ErrAccessDenied
	}
	return claims, nil
}

func (o *orchestrator) PollDeviceFlow(ctx context.Context, deviceCode string) (domain.DeviceFlow, error) {
	ctx, span := o.tracer.Start(ctx, "flow.PollDeviceFlow")
	defer span.End()

	if deviceCode == "" {
		return domain.DeviceFlow{}, fmt.Errorf("%w: device_code is required", domain.ErrInvalidRequest)
	}
	hash := secret.Hash(deviceCode)
	flow, err := o.flows.GetDeviceFlow(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DeviceFlow{}, domain.ErrAccessDenied
	}
	if err != nil {
		return domain.DeviceFlow{}, fmt.Errorf("get device flow: %w", err)
	}
	if flow.Expired(o.now()) {
		return domain.DeviceFlow{}, domain.ErrFlowExpired
	}

	allowed, err := o.limiter.Allow(ctx, hash, flow.PollInterval)
	if err != nil {
		o.log().Warn("device poll limiter unavailable", zap.Error(err))
	} else if !allowed {
		return domain.DeviceFlow{}, domain.ErrSlowDown
	}

	switch flow.Status {
	case domain.FlowPending:
		return domain.DeviceFlow{}, domain.ErrAuthorizationPending
	case domain.FlowDenied:
		return domain.DeviceFlow{}, domain.ErrAccessDenied
	case domain.FlowAuthorized:
		return flow, nil
	default:
		return domain.DeviceFlow{}, domain.ErrExpiredOrConsumed
	}
}

func (o *orchestrator) ExchangeFlowForTokens(ctx context.Context, in ExchangeInput) (domain.TokenPair, error) {
	ctx, span := o.tracer.Start(ctx, "flow.ExchangeFlowForTokens")
	defer span.End()

	switch in.GrantType {
	case service.GrantAuthorizationCode:
		return o.exchangeAuthorizationCode(ctx, in)
	case service.GrantDeviceCode:
		return o.exchangeDeviceCode(ctx, in)
	default:
		return domain.TokenPair{}, fmt.Errorf("%w: unsupported grant_type %q", domain.ErrInvalidRequest, in.GrantType)
	}
}

func (o *orchestrator) exchangeAuthorizationCode(ctx context.Context, in ExchangeInput) (domain.TokenPair, error) {
	if in.Code == "" {
		return domain.TokenPair{}, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}
	hash := secret.Hash(in.Code)
	flow, err := o.flows.GetAuthorizationFlowByCode(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("get authorization flow: %w", err)
	}
	if in.RedirectURI != flow.RedirectURI || (in.ClientID != "" && in.ClientID != flow.ClientID) {
		return domain.TokenPair{}, fmt.Errorf("%w: redirect_uri or client_id mismatch", domain.ErrInvalidRequest)
	}
	if err := verifyPKCE(flow.CodeChallenge, in.CodeVerifier); err != nil {
		return domain.TokenPair{}, err
	}
	consumed, err := o.flows.ConsumeAuthorizationFlow(ctx, hash, o.now().UTC())
	if err != nil {
		return domain.TokenPair{}, err
	}
	o.metrics.FlowTransition(KindAuthorization, string(domain.FlowCompleted))
	o.audit("flow.completed", "flow", KindAuthorization, "flow_id", consumed.ID.String())
	return o.issue(ctx, consumed.Scope, consumed.IDToken, service.GrantAuthorizationCode)
}

func (o *orchestrator) exchangeDeviceCode(ctx context.Context, in ExchangeInput) (domain.TokenPair, error) {
	flow, err := o.PollDeviceFlow(ctx, in.DeviceCode)
	if err != nil {
		return domain.TokenPair{}, err
	}
	if err := verifyPKCE(flow.CodeChallenge, in.CodeVerifier); err != nil {
		return domain.TokenPair{}, err
	}
	consumed, err := o.flows.ConsumeDeviceFlow(ctx, flow.DeviceCodeHash, o.now().UTC())
	if err != nil {
		return domain.TokenPair{}, err
	}
	if err := o.limiter.Forget(ctx, flow.DeviceCodeHash); err != nil {
		o.log().Debug("forget poll window", zap.Error(err))
	}
	o.metrics.FlowTransition(KindDevice, string(domain.FlowCompleted))
	o.audit("flow.completed", "flow", KindDevice, "user_code", consumed.UserCode)
	return o.issue(ctx, consumed.Scope, consumed.IDToken, service.GrantDeviceCode)
}

// issue resolves the flow's scope against the current registry and mints tokens.
func (o *orchestrator) issue(ctx context.Context, rawScope string, claims *domain.IDTokenClaims, grantType string) (domain.TokenPair, error) {
	if claims == nil {
		return domain.TokenPair{}, domain.ErrExpiredOrConsumed
	}
	req, err := scope.Parse(rawScope)
	if err != nil {
		return domain.TokenPair{}, err
	}
	grant, err := scope.Resolve(o.resolver, req, claims.Subject)
	if err != nil {
		return domain.TokenPair{}, err
	}
	identity := domain.Identity{
		Subject:           claims.Subject,
		VO:                grant.VO,
		PreferredUsername: claims.PreferredUsername,
	}
	return o.issuer.IssuePair(ctx, identity, grant, domain.RefreshKindUser, grantType)
}

// idpRedirect seals state and builds the IdP authorization URL.
func (o *orchestrator) idpRedirect(ctx context.Context, state resumeState, path string) (string, error) {
	nonce, err := secret.Generate(16)
	if err != nil {
		return "", err
	}
	state.Verifier = oauth2.GenerateVerifier()
	state.Nonce = nonce
	sealed, err := o.sealer.Seal(state)
	if err != nil {
		return "", fmt.Errorf("seal state: %w", err)
	}
	return o.idp.AuthorizationURL(ctx, state.VO, o.cfg.PublicURL+path, sealed, state.Verifier, state.Nonce)
}

func (o *orchestrator) checkClient(clientID string) error {
	if clientID != o.cfg.ClientID {
		return fmt.Errorf("%w: unknown client_id", domain.ErrInvalidRequest)
	}
	return nil
}

func (o *orchestrator) parseScope(raw string) (scope.Request, error) {
	req, err := scope.Parse(raw)
	if err != nil {
		return scope.Request{}, err
	}
	if _, err := o.resolver.LookupVO(req.VO); err != nil {
		return scope.Request{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return req, nil
}

func (o *orchestrator) audit(event string, attrs ...string) {
	fields := []zap.Field{zap.String("event", event), zap.Time("timestamp", o.now().UTC())}
	for i := 0; i+1 < len(attrs); i += 2 {
		fields = append(fields, zap.String(attrs[i], attrs[i+1]))
	}
	o.log().Info("audit", fields...)
}

func (o *orchestrator) log() *zap.Logger {
	if o != nil && o.logger != nil {
		return o.logger
	}
	return zap.L()
}

func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
