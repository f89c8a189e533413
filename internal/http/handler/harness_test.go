package handler_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/adapter/cache"
	"github.com/smallbiznis/gridauth/internal/adapter/idp"
	"github.com/smallbiznis/gridauth/internal/adapter/idp/idptest"
	"github.com/smallbiznis/gridauth/internal/adapter/queue"
	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/domain"
	httpapi "github.com/smallbiznis/gridauth/internal/http"
	"github.com/smallbiznis/gridauth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/gridauth/internal/http/middleware"
	"github.com/smallbiznis/gridauth/internal/jwt"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/scope"
	"github.com/smallbiznis/gridauth/internal/secret"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/flow"
	"github.com/smallbiznis/gridauth/internal/service/pilot"
	"github.com/smallbiznis/gridauth/internal/service/servicetest"
	"github.com/smallbiznis/gridauth/internal/statecrypt"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

const (
	clientRedirect = "https://client.example.org/callback"
	legacyKey      = "legacy-shared-key"
)

type harness struct {
	router *gin.Engine
	idp    *idptest.Server
	clock  *servicetest.Clock
	cfg    config.Config
	store  *repository.MemoryStore
	issuer *service.TokenIssuer
	reg    *registry.Registry
	jobs   *queue.MemoryJobQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	idpServer := idptest.NewServer(t)
	reg, err := registry.Parse([]byte(strings.Replace(servicetest.RegistryYAML, "https://idp.example.org", idpServer.URL, 1)))
	require.NoError(t, err)

	cfg := servicetest.Config()
	cfg.LegacyExchangeKeyHash = secret.Hash(legacyKey)
	clock := servicetest.NewClock()
	store := repository.NewMemoryStore()
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	keys := jwt.NewKeyManager(store, jwt.RetirementWindow(cfg.MaxAccessTokenTTL(), cfg.KeyReloadInterval), logger).WithClock(clock.Now)
	require.NoError(t, keys.EnsureSigningKey(context.Background(), true))
	generator := jwt.NewGenerator(keys, cfg.Issuer, cfg.Audience).WithClock(clock.Now)
	issuer := service.NewTokenIssuer(keys, generator, store, cfg, metrics, logger).WithClock(clock.Now)

	sealer, err := statecrypt.New([]byte(strings.Repeat("k", 32)), cfg.DeviceFlowTTL)
	require.NoError(t, err)
	limiter := cache.NewMemoryPollLimiter().WithClock(clock.Now)
	idpClient := idp.NewOIDCClient(reg, nil, 2*time.Second, logger)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	jobs := queue.NewMemoryJobQueue()

	h := handler.NewAuthHandler(
		flow.NewOrchestrator(store, idpClient, limiter, sealer, issuer, reg, cfg, metrics, logger),
		issuer,
		service.NewRefreshManager(issuer, store, reg, metrics, logger).WithClock(clock.Now),
		service.NewLegacyExchange(issuer, reg, cfg.LegacyExchangeKeyHash, logger),
		pilot.NewPipeline(store, store, store, jobs, issuer, reg, node, cfg, metrics, logger),
		service.NewDiscoveryService(cfg.PublicURL, cfg.Issuer, reg),
		logger,
	)
	router := httpapi.NewRouter(cfg, h, httpmiddleware.NewAuth(issuer), nil, promReg, logger)

	return &harness{
		router: router,
		idp:    idpServer,
		clock:  clock,
		cfg:    cfg,
		store:  store,
		issuer: issuer,
		reg:    reg,
		jobs:   jobs,
	}
}

type request struct {
	method string
	path   string
	form   url.Values
	json   any
	bearer string
}

func (h *harness) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	contentType := ""
	switch {
	case r.form != nil:
		body = strings.NewReader(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.json != nil:
		raw, err := json.Marshal(r.json)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
		contentType = "application/json"
	}
	req := httptest.NewRequest(r.method, r.path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// tokens issues a user token pair for subject directly through the issuer.
func (h *harness) tokens(t *testing.T, subject, rawScope string) domain.TokenPair {
	t.Helper()
	req, err := scope.Parse(rawScope)
	require.NoError(t, err)
	grant, err := scope.Resolve(h.reg, req, subject)
	require.NoError(t, err)
	pair, err := h.issuer.IssuePair(context.Background(),
		domain.Identity{Subject: subject, VO: grant.VO}, grant, domain.RefreshKindUser, "test")
	require.NoError(t, err)
	return pair
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func requireOAuthError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	require.Equal(t, code, decode[oauthError](t, w).Error)
}

func legacyCredential(key string) string {
	return service.LegacyKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}
