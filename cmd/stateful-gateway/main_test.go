package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/earlence-security/stateful-auth/app"
	"github.com/earlence-security/stateful-auth/config"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/earlence-security/stateful-auth/routes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pingHistory is an empty history store whose readiness is controlled by the test
type pingHistory struct {
	down atomic.Bool
}

func (*pingHistory) Load(context.Context, string, []string) ([]*models.HistoryRecord, error) {
	return nil, nil
}

func (*pingHistory) LoadAll(context.Context, string) ([]*models.HistoryRecord, error) {
	return nil, nil
}

func (*pingHistory) Update(context.Context, string, []string, repositories.HistoryMutator) ([]*models.HistoryRecord, error) {
	return nil, nil
}

func (*pingHistory) Delete(context.Context, string, []string) (int, error) { return 0, nil }

func (h *pingHistory) Ping(context.Context) error {
	if h.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr string
	}{
		{name: "json", level: "info", format: "json"},
		{name: "console", level: "debug", format: "console"},
		{name: "invalid level", level: "loud", format: "json", wantErr: "invalid log level"},
		{name: "invalid format", level: "info", format: "xml", wantErr: "invalid log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Observability.LogLevel = tt.level
			cfg.Observability.LogFormat = tt.format

			logger, err := initLogger(cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			_ = logger.Sync()
		})
	}
}

func TestNewServer(t *testing.T) {
	cfg := testConfig()
	srv := newServer(cfg, http.NotFoundHandler())
	assert.Equal(t, "localhost:8080", srv.Addr)
	assert.Equal(t, 30*time.Second, srv.ReadTimeout)
	assert.Equal(t, 30*time.Second, srv.WriteTimeout)
}

func TestHealthEndpoints(t *testing.T) {
	store := &pingHistory{}
	ts := newTestServer(t, nil, store)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", dataField(t, resp, "status"))

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store.down.Store(true)
	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", dataField(t, resp, "status"))
}

func TestDecisionEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, &pingHistory{})

	call := `{"method":"POST","uri":"http://127.0.0.1:5000/api/me","path":"/api/me","body":"null","headers":{},"time":1}`
	resp, err := http.Post(ts.URL+"/v1/decisions", "application/json",
		strings.NewReader(`{"policy":"me-only","request":`+call+`}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Accept", dataField(t, resp, "decision"))
}

func TestManagementRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AdminToken = "s3cret"
	}, &pingHistory{})

	testCases := []struct {
		name           string
		method         string
		path           string
		token          string
		expectedStatus int
	}{
		{"list policies without token", "GET", "/v1/policies", "", http.StatusUnauthorized},
		{"list policies with wrong token", "GET", "/v1/policies", "guess", http.StatusForbidden},
		{"list policies", "GET", "/v1/policies", "s3cret", http.StatusOK},
		{"stored policy without store", "GET", "/v1/policies/me-only", "s3cret", http.StatusInternalServerError},
		{"binding lookup", "GET", "/v1/capabilities/tok-1/policy", "s3cret", http.StatusNotFound},
		{"capability history", "GET", "/v1/capabilities/tok-1/history", "s3cret", http.StatusOK},
		{"stats", "GET", "/v1/stats", "s3cret", http.StatusOK},
		{"audit logs unavailable without store", "GET", "/v1/audit-logs", "s3cret", http.StatusNotFound},
		{"not found", "GET", "/v1/nonexistent", "", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
			require.NoError(t, err)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.expectedStatus, resp.StatusCode, "endpoint: %s %s", tc.method, tc.path)
		})
	}
}

func TestGatewayRoutes(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	}))
	defer upstream.Close()

	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.Enabled = true
		cfg.Gateway.UpstreamURL = upstream.URL
		cfg.Gateway.ResourcePrefixes = []string{"/api/events"}
		cfg.Policy.DefaultPolicy = "modify-only-created"
		cfg.History.VerifyCarry = false
	}, &pingHistory{})

	do := func(method, path, token string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(`{}`))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do(http.MethodPost, "/api/events", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(http.MethodPost, "/api/events", "tok-1")
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// the store records nothing, so the capability owns no events
	resp = do(http.MethodPut, "/api/events/m1", "tok-1")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, int32(1), hits.Load())

	// management routes are not proxied
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCORSMiddleware(t *testing.T) {
	ts := newTestServer(t, nil, &pingHistory{})

	req, err := http.NewRequest("OPTIONS", ts.URL+"/v1/decisions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Authorization-History")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

// Test helpers

func newTestServer(t *testing.T, mutate func(*config.Config), store repositories.HistoryRepository) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	deps := &app.Dependencies{
		Config:  cfg,
		Logger:  zaptest.NewLogger(t),
		History: store,
	}
	require.NoError(t, deps.WireServices())

	ts := httptest.NewServer(routes.SetupRoutes(deps))
	t.Cleanup(func() {
		ts.Close()
		_ = deps.Close(context.Background())
	})
	return ts
}

func dataField(t *testing.T, resp *http.Response, field string) interface{} {
	t.Helper()
	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Data[field]
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		History: config.HistoryConfig{
			Backend:     config.HistoryBackendPostgres,
			VerifyCarry: true,
		},
		Policy: config.PolicyConfig{
			Dir:           "../../policies",
			DefaultPolicy: "me-only",
			CacheSize:     16,
			CacheTTL:      time.Minute,
		},
		Gateway: config.GatewayConfig{
			Timeout: 5 * time.Second,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			LogFormat:      "json",
			AuditWorkers:   1,
			AuditQueueSize: 16,
		},
	}
}
