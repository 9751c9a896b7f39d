package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policiesDir = "../../policies"

func call(method, path string) string {
	return `{"method":"` + method + `","uri":"http://127.0.0.1:5000` + path + `","path":"` + path + `","body":"null","headers":{},"time":1700000000}`
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String()
}

func TestEvaluate(t *testing.T) {
	meOnly := filepath.Join(policiesDir, "me-only.yaml")
	modify := filepath.Join(policiesDir, "modify-only-created.yaml")
	owned := `{"e1":[{"api":"/api/events","method":"POST","counter":0,"timestamp":1}]}`

	tests := []struct {
		name     string
		args     []string
		stdin    string
		wantCode int
		want     string
	}{
		{
			name:     "accept",
			args:     []string{"evaluate", "-policy", meOnly, call("GET", "/api/me"), "{}"},
			wantCode: exitOK,
			want:     "Accept\n",
		},
		{
			name:     "deny by default",
			args:     []string{"evaluate", "-policy", meOnly, call("POST", "/api/send-money"), "{}"},
			wantCode: exitOK,
			want:     "Deny\n",
		},
		{
			name:     "history grants ownership",
			args:     []string{"evaluate", "-policy", modify, call("PUT", "/api/events/e1"), owned},
			wantCode: exitOK,
			want:     "Accept\n",
		},
		{
			name:     "request from stdin",
			args:     []string{"evaluate", "-policy", meOnly, "-", "{}"},
			stdin:    call("POST", "/api/me"),
			wantCode: exitOK,
			want:     "Accept\n",
		},
		{
			name:     "request without path",
			args:     []string{"evaluate", "-policy", meOnly, `{"method":"GET","uri":"http://127.0.0.1:5000/api/me","body":"null","time":1}`, "{}"},
			wantCode: exitOK,
			want:     "Accept\n",
		},
		{
			name:     "malformed request fails closed",
			args:     []string{"evaluate", "-policy", meOnly, `{"method":"POST"}`, "{}"},
			wantCode: exitInput,
			want:     "Deny\n",
		},
		{
			name:     "malformed history fails closed",
			args:     []string{"evaluate", "-policy", meOnly, call("POST", "/me"), `{"e1":[{"api":1}]}`},
			wantCode: exitInput,
			want:     "Deny\n",
		},
		{
			name:     "missing arguments",
			args:     []string{"evaluate", "-policy", meOnly, call("POST", "/me")},
			wantCode: exitInput,
			want:     "Deny\n",
		},
		{
			name:     "missing policy flag",
			args:     []string{"evaluate", call("POST", "/me"), "{}"},
			wantCode: exitInput,
			want:     "Deny\n",
		},
		{
			name:     "unknown policy file",
			args:     []string{"evaluate", "-policy", "nope.yaml", call("POST", "/me"), "{}"},
			wantCode: exitInput,
			want:     "Deny\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := runCLI(t, tt.stdin, tt.args...)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestAdvance(t *testing.T) {
	t.Run("appends and increments", func(t *testing.T) {
		history := `{"e1":[{"api":"/api/events/e1","method":"PUT","counter":0,"timestamp":5}],"e2":[]}`
		code, out := runCLI(t, "", "advance", call("PUT", "/api/events/e1"), history)
		require.Equal(t, exitOK, code)

		hm, err := models.DecodeHistory([]byte(out))
		require.NoError(t, err)
		assert.Equal(t, []models.HistoryEntry{{API: "/api/events/e1", Method: "PUT", Counter: 1, Timestamp: 1700000000}}, hm["e1"])
		assert.Equal(t, []models.HistoryEntry{{API: "/api/events/e1", Method: "PUT", Counter: 0, Timestamp: 1700000000}}, hm["e2"])
	})

	t.Run("history from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "history.json")
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

		code, out := runCLI(t, "", "advance", call("POST", "/api/events"), "@"+path)
		require.Equal(t, exitOK, code)
		assert.Equal(t, "{}\n", out)
	})

	t.Run("malformed input prints nothing", func(t *testing.T) {
		code, out := runCLI(t, "", "advance", "not json", "{}")
		assert.Equal(t, exitInput, code)
		assert.Empty(t, out)
	})
}

func TestCheck(t *testing.T) {
	entries, err := os.ReadDir(policiesDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		t.Run(e.Name(), func(t *testing.T) {
			code, out := runCLI(t, "", "check", "-policy", filepath.Join(policiesDir, e.Name()))
			assert.Equal(t, exitOK, code, out)
			assert.True(t, strings.HasPrefix(out, "ok "), out)
		})
	}

	t.Run("compile error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"name":"broken","rules":[]}`), 0o600))

		code, out := runCLI(t, "", "check", "-policy", path)
		assert.Equal(t, exitFailure, code)
		assert.NotEmpty(t, out)
	})
}

func TestRunUsage(t *testing.T) {
	code, _ := runCLI(t, "")
	assert.Equal(t, exitInput, code)

	code, _ = runCLI(t, "", "frobnicate")
	assert.Equal(t, exitInput, code)

	code, _ = runCLI(t, "", "help")
	assert.Equal(t, exitOK, code)
}
