package policy

import (
	"errors"
	"testing"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sendMoneyJSON = `{
  "name": "send-money-allowlist",
  "default": "deny",
  "rules": [
    {
      "kind": "scope",
      "target": "uri",
      "prefix": "http://127.0.0.1:5000/api/send-money",
      "exact": true,
      "rules": [
        {"kind": "threshold", "schema": "transfer", "field": "amount", "comparator": "lt", "limit": 100},
        {"kind": "exact", "schema": "transfer", "expected": {"currency": "USD", "recipient": "Leo"}}
      ]
    }
  ]
}`

func TestCompileBytes_JSON(t *testing.T) {
	p, err := CompileBytes([]byte(sendMoneyJSON), models.PolicyFormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "send-money-allowlist", p.Name())
	assert.Equal(t, models.DecisionDeny, p.Default())
	assert.Len(t, p.Version(), 64)

	tests := []struct {
		name   string
		body   string
		expect models.Decision
	}{
		{"allowed", `{"recipient":"Leo","amount":99,"currency":"USD"}`, models.DecisionAccept},
		{"too much", `{"recipient":"Leo","amount":100,"currency":"USD"}`, models.DecisionDeny},
		{"wrong currency", `{"recipient":"Leo","amount":5,"currency":"EUR"}`, models.DecisionDeny},
		{"wrong recipient", `{"recipient":"Eve","amount":5,"currency":"USD"}`, models.DecisionDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, p.Evaluate(newRequest("POST", "/api/send-money", tt.body), nil))
		})
	}

	assert.Equal(t, models.DecisionDeny, p.Evaluate(newRequest("GET", "/api/balance", "null"), nil))
}

func TestCompileBytes_YAMLMatchesJSON(t *testing.T) {
	yamlDoc := `
name: send-money-allowlist
default: deny
rules:
  - kind: scope
    target: uri
    prefix: http://127.0.0.1:5000/api/send-money
    exact: true
    rules:
      - {kind: threshold, schema: transfer, field: amount, comparator: lt, limit: 100}
      - kind: exact
        schema: transfer
        expected: {recipient: Leo, currency: USD}
`
	fromYAML, err := CompileBytes([]byte(yamlDoc), models.PolicyFormatYAML)
	require.NoError(t, err)
	fromJSON, err := CompileBytes([]byte(sendMoneyJSON), models.PolicyFormatJSON)
	require.NoError(t, err)

	assert.Equal(t, fromJSON.Version(), fromYAML.Version(), "canonical forms should agree")
}

func TestParseDocument_SchemaRejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing default", `{"name":"p","rules":[]}`},
		{"unknown kind", `{"name":"p","default":"deny","rules":[{"kind":"lua"}]}`},
		{"unknown property", `{"name":"p","default":"deny","rules":[{"kind":"decide","decision":"accept","script":"x"}]}`},
		{"field without predicate", `{"name":"p","default":"deny","rules":[{"kind":"field","schema":"event","field":"title","value":"x"}]}`},
		{"bad quantifier", `{"name":"p","default":"deny","rules":[{"kind":"ownership","quantifier":"most"}]}`},
		{"fractional limit", `{"name":"p","default":"deny","rules":[{"kind":"threshold","schema":"transfer","field":"amount","comparator":"le","limit":1.5}]}`},
		{"not json", `{"name":`},
		{"trailing data", `{"name":"p","default":"deny","rules":[]} {"name":"q"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseDocument([]byte(tt.doc), models.PolicyFormatJSON)
			require.Error(t, err)
			var ce *CompileError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestParseDocument_IntegerLimits(t *testing.T) {
	doc := `{"name":"limit","default":"accept","rules":[
		{"kind":"threshold","schema":"transfer","field":"amount","comparator":"le","limit":100},
		{"kind":"exact","schema":"transfer","expected":{"amount":25,"recipient":"bob"}}]}`

	parsed, _, err := ParseDocument([]byte(doc), models.PolicyFormatJSON)
	require.NoError(t, err)
	require.Len(t, parsed.Rules, 2)
	require.NotNil(t, parsed.Rules[0].Limit)
	assert.Equal(t, int64(100), *parsed.Rules[0].Limit)

	_, _, err = ParseDocument([]byte(`name: limit
default: accept
rules:
  - kind: threshold
    schema: transfer
    field: amount
    comparator: le
    limit: 100
`), models.PolicyFormatYAML)
	assert.NoError(t, err)
}

func TestCompile_SemanticErrors(t *testing.T) {
	limit := int64(10)
	tests := []struct {
		name string
		doc  Document
		path string
	}{
		{
			name: "no default",
			doc:  Document{Name: "p"},
			path: "default",
		},
		{
			name: "unknown field",
			doc: Document{Name: "p", Default: "deny", Rules: []RuleSpec{
				{Kind: KindField, Schema: models.BodySchemaEvent, Field: "colour", Predicate: PredicateEquals, Value: "red"},
			}},
			path: "rules[0]",
		},
		{
			name: "threshold on string field",
			doc: Document{Name: "p", Default: "deny", Rules: []RuleSpec{
				{Kind: KindThreshold, Schema: models.BodySchemaTransfer, Field: "recipient", Comparator: ComparatorLE, Limit: &limit},
			}},
			path: "rules[0]",
		},
		{
			name: "nested bad cutoff",
			doc: Document{Name: "p", Default: "accept", Rules: []RuleSpec{
				{Kind: KindScope, Prefix: "/api/events", Rules: []RuleSpec{
					{Kind: KindDecide, Decision: "accept"},
					{Kind: KindField, Schema: models.BodySchemaEvent, Field: "time", Predicate: PredicateNotBefore, Value: "soon"},
				}},
			}},
			path: "rules[0].rules[1]",
		},
		{
			name: "empty create",
			doc:  Document{Name: "p", Default: "accept", Rules: []RuleSpec{{Kind: KindCreate}}},
			path: "rules[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(&tt.doc)
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.path, ce.Path)
			assert.Equal(t, "p", ce.Policy)
		})
	}
}

func TestCompile_DecideRule(t *testing.T) {
	p, err := Compile(&Document{
		Name:    "me-only",
		Default: "Deny",
		Rules: []RuleSpec{
			{Kind: KindScope, Prefix: "/", Methods: []string{"POST"}, Rules: []RuleSpec{{Kind: KindDecide, Decision: "accept"}}},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, p.Version())
	assert.Equal(t, models.DecisionAccept, p.Evaluate(newRequest("POST", "/anything", "null"), nil))
	assert.Equal(t, models.DecisionDeny, p.Evaluate(newRequest("GET", "/anything", "null"), nil))
}
