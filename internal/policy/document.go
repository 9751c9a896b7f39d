package policy

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed policy.schema.json
var documentSchema string

const documentSchemaURL = "https://stateful-auth.local/schemas/policy.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add policy schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(documentSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Document is the declarative form of a policy.
type Document struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Default     string     `json:"default" yaml:"default"`
	Rules       []RuleSpec `json:"rules" yaml:"rules"`
}

// RuleSpec is a kind-tagged rule. Only the fields of its kind are read.
type RuleSpec struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// scope, single_use
	Target        Target     `json:"target,omitempty" yaml:"target,omitempty"`
	Prefix        string     `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Exact         bool       `json:"exact,omitempty" yaml:"exact,omitempty"`
	Methods       []string   `json:"methods,omitempty" yaml:"methods,omitempty"`
	ExceptMethods []string   `json:"except_methods,omitempty" yaml:"except_methods,omitempty"`
	Rules         []RuleSpec `json:"rules,omitempty" yaml:"rules,omitempty"`

	// create, ownership, single_use
	Paths      []string   `json:"paths,omitempty" yaml:"paths,omitempty"`
	Method     string     `json:"method,omitempty" yaml:"method,omitempty"`
	APIs       []string   `json:"apis,omitempty" yaml:"apis,omitempty"`
	Quantifier Quantifier `json:"quantifier,omitempty" yaml:"quantifier,omitempty"`

	// field, threshold, exact
	Schema     models.BodySchema      `json:"schema,omitempty" yaml:"schema,omitempty"`
	Field      string                 `json:"field,omitempty" yaml:"field,omitempty"`
	Predicate  Predicate              `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Value      string                 `json:"value,omitempty" yaml:"value,omitempty"`
	Required   bool                   `json:"required,omitempty" yaml:"required,omitempty"`
	Comparator Comparator             `json:"comparator,omitempty" yaml:"comparator,omitempty"`
	Limit      *int64                 `json:"limit,omitempty" yaml:"limit,omitempty"`
	Expected   map[string]interface{} `json:"expected,omitempty" yaml:"expected,omitempty"`

	// single_use
	CollectionURI string `json:"collection_uri,omitempty" yaml:"collection_uri,omitempty"`
	HistoryPrefix string `json:"history_prefix,omitempty" yaml:"history_prefix,omitempty"`

	// decide
	Decision string `json:"decision,omitempty" yaml:"decision,omitempty"`
}

// CompileError points at the part of a document that could not be compiled.
type CompileError struct {
	Policy string
	Path   string
	Err    error
}

// Error implements the error interface
func (e *CompileError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("policy %q: %v", e.Policy, e.Err)
	}
	return fmt.Sprintf("policy %q at %s: %v", e.Policy, e.Path, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *CompileError) Unwrap() error {
	return e.Err
}

// ParseDocument decodes and schema-validates a policy document. It also
// returns the canonical (RFC 8785) JSON form, which is what gets stored.
func ParseDocument(data []byte, format models.PolicyFormat) (*Document, []byte, error) {
	jsonData := data
	if format == models.PolicyFormatYAML {
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, nil, &CompileError{Err: fmt.Errorf("invalid yaml: %w", err)}
		}
		converted, err := json.Marshal(generic)
		if err != nil {
			return nil, nil, &CompileError{Err: fmt.Errorf("yaml is not representable as json: %w", err)}
		}
		jsonData = converted
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, nil, err
	}
	instance, err := decodeInstance(jsonData)
	if err != nil {
		return nil, nil, &CompileError{Err: fmt.Errorf("invalid json: %w", err)}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, nil, &CompileError{Policy: nameHint(instance), Err: err}
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, &CompileError{Policy: nameHint(instance), Err: err}
	}

	canonical, err := jcs.Transform(jsonData)
	if err != nil {
		return nil, nil, &CompileError{Policy: doc.Name, Err: fmt.Errorf("canonicalize: %w", err)}
	}
	return &doc, canonical, nil
}

// CompileBytes parses, validates and compiles a document in one step.
func CompileBytes(data []byte, format models.PolicyFormat) (*Policy, error) {
	doc, canonical, err := ParseDocument(data, format)
	if err != nil {
		return nil, err
	}
	p, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	p.version = hex.EncodeToString(sum[:])
	return p, nil
}

// Compile turns a document into a Policy. The document must carry an
// explicit default decision.
func Compile(doc *Document) (*Policy, error) {
	if doc.Default == "" {
		return nil, &CompileError{Policy: doc.Name, Path: "default", Err: fmt.Errorf("default decision is required")}
	}
	def, err := models.ParseDecision(doc.Default)
	if err != nil {
		return nil, &CompileError{Policy: doc.Name, Path: "default", Err: err}
	}
	rules, err := compileRules(doc.Name, "rules", doc.Rules)
	if err != nil {
		return nil, err
	}
	return New(doc.Name, def, rules...)
}

func compileRules(policy, path string, specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		at := fmt.Sprintf("%s[%d]", path, i)
		r, err := compileRule(policy, at, spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func compileRule(policy, at string, spec RuleSpec) (Rule, error) {
	fail := func(format string, args ...interface{}) error {
		return &CompileError{Policy: policy, Path: at, Err: fmt.Errorf(format, args...)}
	}

	switch spec.Kind {
	case KindScope:
		target, err := resolveTarget(spec.Target)
		if err != nil {
			return nil, fail("%v", err)
		}
		inner, err := compileRules(policy, at+".rules", spec.Rules)
		if err != nil {
			return nil, err
		}
		return &ScopeGuard{
			Target:        target,
			Prefix:        spec.Prefix,
			Exact:         spec.Exact,
			Methods:       spec.Methods,
			ExceptMethods: spec.ExceptMethods,
			Rules:         inner,
		}, nil

	case KindCreate:
		if len(spec.Paths) == 0 {
			return nil, fail("create rule needs at least one path")
		}
		return &CreationGate{Paths: spec.Paths, Method: spec.Method}, nil

	case KindOwnership:
		switch spec.Quantifier {
		case QuantifierAny, QuantifierAllBuckets:
		default:
			return nil, fail("unknown quantifier %q", spec.Quantifier)
		}
		return &OwnershipByHistory{APIs: spec.APIs, Method: spec.Method, Quantifier: spec.Quantifier}, nil

	case KindField:
		if err := checkField(spec.Schema, spec.Field); err != nil {
			return nil, fail("%v", err)
		}
		fc, err := NewFieldConstraint(spec.Schema, spec.Field, spec.Predicate, spec.Value, spec.Required)
		if err != nil {
			return nil, fail("%v", err)
		}
		return fc, nil

	case KindThreshold:
		if err := checkField(spec.Schema, spec.Field); err != nil {
			return nil, fail("%v", err)
		}
		if !models.IsIntField(spec.Schema, spec.Field) {
			return nil, fail("threshold needs an integer field, %s.%s is not one", spec.Schema, spec.Field)
		}
		if !validComparator(spec.Comparator) {
			return nil, fail("unknown comparator %q", spec.Comparator)
		}
		if spec.Limit == nil {
			return nil, fail("threshold needs a limit")
		}
		return &ThresholdConstraint{Schema: spec.Schema, Field: spec.Field, Comparator: spec.Comparator, Limit: *spec.Limit}, nil

	case KindExact:
		if len(spec.Expected) == 0 {
			return nil, fail("exact rule needs expected fields")
		}
		expected := make(map[string]string, len(spec.Expected))
		for field, v := range spec.Expected {
			if err := checkField(spec.Schema, field); err != nil {
				return nil, fail("%v", err)
			}
			expected[field] = fmt.Sprint(v)
		}
		return &ExactMatchGate{Schema: spec.Schema, Expected: expected}, nil

	case KindSingleUse:
		target, err := resolveTarget(spec.Target)
		if err != nil {
			return nil, fail("%v", err)
		}
		return &SingleUseGuard{
			CollectionURI: spec.CollectionURI,
			Target:        target,
			Prefix:        spec.Prefix,
			HistoryPrefix: spec.HistoryPrefix,
			Method:        spec.Method,
		}, nil

	case KindDecide:
		d, err := models.ParseDecision(spec.Decision)
		if err != nil {
			return nil, fail("%v", err)
		}
		return &Fixed{Decision: d}, nil
	}
	return nil, fail("unknown rule kind %q", spec.Kind)
}

func resolveTarget(t Target) (Target, error) {
	switch t {
	case "", TargetPath:
		return TargetPath, nil
	case TargetURI:
		return TargetURI, nil
	}
	return "", fmt.Errorf("unknown target %q", t)
}

func checkField(schema models.BodySchema, field string) error {
	if !models.ValidSchema(schema) {
		return fmt.Errorf("unknown body schema %q", schema)
	}
	if !models.KnownField(schema, field) {
		return fmt.Errorf("schema %s has no field %q", schema, field)
	}
	return nil
}

// decodeInstance decodes data into the generic form the schema validator
// expects, keeping numbers as json.Number.
func decodeInstance(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance interface{}
	if err := dec.Decode(&instance); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after document")
	}
	return instance, nil
}

func nameHint(instance interface{}) string {
	if m, ok := instance.(map[string]interface{}); ok {
		if name, ok := m["name"].(string); ok {
			return name
		}
	}
	return ""
}
