package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/services/audit"
	"github.com/earlence-security/stateful-auth/services/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCapabilityBindings(t *testing.T) {
	svc, _, bindings := newTestPolicyService(t, meOnlyDoc)
	handler := NewCapabilityHandler(svc, nil, zap.NewNop())

	put := func(capability, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/v1/capabilities/"+capability+"/policy", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.HandleSetBinding(w, withURLParam(req, "capability", capability))
		return w
	}

	t.Run("binds to a known policy", func(t *testing.T) {
		w := put("cap-1", `{"policy":"me-only"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var binding models.CapabilityBinding
		decodeData(t, w, &binding)
		assert.Equal(t, "cap-1", binding.Capability)
		assert.Equal(t, "me-only", binding.PolicyName)

		stored, err := bindings.Get(context.Background(), "cap-1")
		require.NoError(t, err)
		assert.Equal(t, "me-only", stored.PolicyName)
	})

	t.Run("unknown policy is rejected", func(t *testing.T) {
		w := put("cap-2", `{"policy":"missing"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("policy is required", func(t *testing.T) {
		w := put("cap-2", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		w := put("cap-2", `not json`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get and remove", func(t *testing.T) {
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/capabilities/cap-1/policy", nil), "capability", "cap-1")
		w := httptest.NewRecorder()
		handler.HandleGetBinding(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		req = withURLParam(httptest.NewRequest(http.MethodDelete, "/v1/capabilities/cap-1/policy", nil), "capability", "cap-1")
		w = httptest.NewRecorder()
		handler.HandleRemoveBinding(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)

		req = withURLParam(httptest.NewRequest(http.MethodGet, "/v1/capabilities/cap-1/policy", nil), "capability", "cap-1")
		w = httptest.NewRecorder()
		handler.HandleGetBinding(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)

		req = withURLParam(httptest.NewRequest(http.MethodDelete, "/v1/capabilities/cap-1/policy", nil), "capability", "cap-1")
		w = httptest.NewRecorder()
		handler.HandleRemoveBinding(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCapabilityHistory(t *testing.T) {
	svc, _, _ := newTestPolicyService(t)

	t.Run("no history store", func(t *testing.T) {
		handler := NewCapabilityHandler(svc, nil, zap.NewNop())
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/capabilities/cap-1/history", nil), "capability", "cap-1")
		w := httptest.NewRecorder()
		handler.HandleGetHistory(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("returns recorded buckets", func(t *testing.T) {
		repo := newMemHistoryRepo()
		histories := history.NewHistoryService(repo, nil, zap.NewNop())
		call := &models.Request{Method: "POST", URI: "/api/events", Path: "/api/events", Body: models.NoBody, Time: 5}
		_, err := histories.Record(context.Background(), "cap-1", call, []string{"e1"}, audit.Meta{})
		require.NoError(t, err)

		handler := NewCapabilityHandler(svc, histories, zap.NewNop())
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/capabilities/cap-1/history", nil), "capability", "cap-1")
		w := httptest.NewRecorder()
		handler.HandleGetHistory(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var hm models.HistoryMap
		decodeData(t, w, &hm)
		assert.Equal(t, []models.HistoryEntry{{API: "/api/events", Method: "POST", Counter: 0, Timestamp: 5}}, hm["e1"])
	})
}
