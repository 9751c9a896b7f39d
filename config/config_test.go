package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.False(t, cfg.Server.TLS.Enabled)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "stateful_auth", cfg.Database.Database)
				assert.Nil(t, cfg.AuditDatabase)
				assert.Equal(t, HistoryBackendPostgres, cfg.History.Backend)
				assert.True(t, cfg.History.VerifyCarry)
				assert.Equal(t, "policies", cfg.Policy.Dir)
				assert.Empty(t, cfg.Policy.DefaultPolicy)
				assert.Equal(t, 256, cfg.Policy.CacheSize)
				assert.Equal(t, 5*time.Minute, cfg.Policy.CacheTTL)
				assert.False(t, cfg.Gateway.Enabled)
				assert.Equal(t, 4, cfg.Observability.AuditWorkers)
			},
		},
		{
			name: "redis history backend",
			envVars: map[string]string{
				"HISTORY_BACKEND":  "Redis",
				"REDIS_ADDR":       "cache:6380",
				"REDIS_DB":         "3",
				"REDIS_KEY_PREFIX": "h",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, HistoryBackendRedis, cfg.History.Backend)
				assert.Equal(t, "cache:6380", cfg.History.Redis.Addr)
				assert.Equal(t, 3, cfg.History.Redis.DB)
				assert.Equal(t, "h", cfg.History.Redis.KeyPrefix)
			},
		},
		{
			name: "unknown history backend",
			envVars: map[string]string{
				"HISTORY_BACKEND": "etcd",
			},
			wantErr: true,
		},
		{
			name: "gateway configuration",
			envVars: map[string]string{
				"GATEWAY_ENABLED":           "true",
				"GATEWAY_UPSTREAM_URL":      "http://127.0.0.1:5000",
				"GATEWAY_RESOURCE_PREFIXES": "/api/events, /api/emails,,",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Gateway.Enabled)
				assert.Equal(t, "http://127.0.0.1:5000", cfg.Gateway.UpstreamURL)
				assert.Equal(t, []string{"/api/events", "/api/emails"}, cfg.Gateway.ResourcePrefixes)
			},
		},
		{
			name: "gateway enabled without upstream",
			envVars: map[string]string{
				"GATEWAY_ENABLED": "true",
			},
			wantErr: true,
		},
		{
			name: "policy settings",
			envVars: map[string]string{
				"POLICY_DIR":        "/etc/policies",
				"POLICY_DEFAULT":    "me-only",
				"POLICY_CACHE_SIZE": "8",
				"POLICY_CACHE_TTL":  "30s",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/etc/policies", cfg.Policy.Dir)
				assert.Equal(t, "me-only", cfg.Policy.DefaultPolicy)
				assert.Equal(t, 8, cfg.Policy.CacheSize)
				assert.Equal(t, 30*time.Second, cfg.Policy.CacheTTL)
			},
		},
		{
			name: "custom timeouts and pool settings",
			envVars: map[string]string{
				"SERVER_READ_TIMEOUT":  "60s",
				"SERVER_WRITE_TIMEOUT": "90s",
				"DB_MAX_OPEN_CONNS":    "50",
				"DB_MAX_IDLE_CONNS":    "10",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 90*time.Second, cfg.Server.WriteTimeout)
				assert.Equal(t, 50, cfg.Database.MaxOpenConns)
				assert.Equal(t, 10, cfg.Database.MaxIdleConns)
			},
		},
		{
			name: "database url and audit database",
			envVars: map[string]string{
				"DATABASE_URL":       "postgres://u:p@db:5433/auth",
				"DATABASE_URL_AUDIT": "postgres://u:p@audit:5432/audit",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgres://u:p@db:5433/auth", cfg.Database.DSN())
				assert.Equal(t, "host=db port=5433 database=auth", cfg.Database.LogString())
				require.NotNil(t, cfg.AuditDatabase)
				assert.Equal(t, "postgres://u:p@audit:5432/audit", cfg.AuditDatabase.ConnectionString)
			},
		},
		{
			name: "observability configuration",
			envVars: map[string]string{
				"LOG_LEVEL":        "debug",
				"LOG_FORMAT":       "console",
				"AUDIT_WORKERS":    "2",
				"AUDIT_QUEUE_SIZE": "10",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Observability.LogLevel)
				assert.Equal(t, "console", cfg.Observability.LogFormat)
				assert.Equal(t, 2, cfg.Observability.AuditWorkers)
				assert.Equal(t, 10, cfg.Observability.AuditQueueSize)
			},
		},
		{
			name: "PORT env var takes precedence over SERVER_PORT",
			envVars: map[string]string{
				"PORT":        "9443",
				"SERVER_PORT": "9000",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Database: DatabaseConfig{
			Host:     "localhost",
			User:     "user",
			Database: "db",
		},
		History: HistoryConfig{Backend: HistoryBackendPostgres},
		Policy:  PolicyConfig{CacheSize: 16},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			AuditWorkers: 1,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid development config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: true,
			errMsg:  "database configuration required",
		},
		{
			name:    "missing database user",
			mutate:  func(c *Config) { c.Database.User = "" },
			wantErr: true,
			errMsg:  "database user is required",
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.History.Backend = HistoryBackendRedis
			},
			wantErr: true,
			errMsg:  "redis address is required",
		},
		{
			name:    "production without admin token",
			mutate:  func(c *Config) { c.Environment = "production" },
			wantErr: true,
			errMsg:  "admin token is required",
		},
		{
			name: "production with admin token",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Server.AdminToken = "s3cret"
			},
		},
		{
			name:    "zero cache size",
			mutate:  func(c *Config) { c.Policy.CacheSize = 0 },
			wantErr: true,
			errMsg:  "policy cache size",
		},
		{
			name: "relative upstream",
			mutate: func(c *Config) {
				c.Gateway.Enabled = true
				c.Gateway.UpstreamURL = "/api"
			},
			wantErr: true,
			errMsg:  "invalid gateway upstream URL",
		},
		{
			name:    "missing log level",
			mutate:  func(c *Config) { c.Observability.LogLevel = "" },
			wantErr: true,
			errMsg:  "log level is required",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Observability.LogFormat = "xml" },
			wantErr: true,
			errMsg:  "log format must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsProduction())
			assert.Equal(t, tt.environment == "development", cfg.IsDevelopment())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "disable",
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	assert.Equal(t, expected, cfg.DSN())
	assert.Equal(t, "host=localhost port=5432 database=testdb", cfg.LogString())
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}

	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue int
		want         int
	}{
		{"valid int", "42", 10, 42},
		{"empty value", "", 10, 10},
		{"invalid int", "not-a-number", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("TEST_INT", tt.value)
			}
			assert.Equal(t, tt.want, getEnvAsInt("TEST_INT", tt.defaultValue))
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", "true", false, true},
		{"false", "false", true, false},
		{"empty value", "", true, true},
		{"invalid bool", "not-a-bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("TEST_BOOL", tt.value)
			}
			assert.Equal(t, tt.want, getEnvAsBool("TEST_BOOL", tt.defaultValue))
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"valid duration", "30s", 10 * time.Second, 30 * time.Second},
		{"empty value", "", 10 * time.Second, 10 * time.Second},
		{"invalid duration", "not-a-duration", 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("TEST_DURATION", tt.value)
			}
			assert.Equal(t, tt.want, getEnvAsDuration("TEST_DURATION", tt.defaultValue))
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, []string{"x"}, getEnvAsList("TEST_LIST", []string{"x"}))

	os.Setenv("TEST_LIST", " a ,b,, c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsList("TEST_LIST", nil))
}
