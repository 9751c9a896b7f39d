package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"default format", "debug", "", false},
		{"console", "warn", "console", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}

	logger, err := NewLogger("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestWithRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	var captured context.Context
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	WithRequest(captured, logger, zap.String("capability", "tok")).Info("hello")
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.NotEmpty(t, fields["request_id"])
	assert.Equal(t, "tok", fields["capability"])

	assert.Same(t, logger, WithRequest(context.Background(), logger))
}

func TestCounters(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordDecision(DecisionLabels{Policy: "me-only", Decision: "Deny", Source: "api"})
		}()
	}
	wg.Wait()
	c.RecordDecision(DecisionLabels{Policy: "me-only", Decision: "Accept", Source: "gateway"})
	c.RecordDecision(DecisionLabels{Policy: "a", Decision: "Accept", Source: "api"})
	c.RecordHistoryWrite("record", nil)
	c.RecordHistoryWrite("record", errors.New("boom"))

	snap := c.Snapshot()
	require.Len(t, snap.Decisions, 3)
	assert.Equal(t, "a", snap.Decisions[0].Policy)
	assert.Equal(t, DecisionCount{Policy: "me-only", Decision: "Deny", Source: "api", Count: 10}, snap.Decisions[2])
	assert.Equal(t, uint64(1), snap.HistoryWrites["record"])
	assert.Equal(t, uint64(1), snap.HistoryErrors["record"])

	var m Metrics = Nop{}
	m.RecordDecision(DecisionLabels{})
}
