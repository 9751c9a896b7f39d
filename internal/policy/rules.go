package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/earlence-security/stateful-auth/models"
)

// Kind tags a rule variant.
type Kind string

const (
	KindScope     Kind = "scope"
	KindCreate    Kind = "create"
	KindOwnership Kind = "ownership"
	KindField     Kind = "field"
	KindThreshold Kind = "threshold"
	KindExact     Kind = "exact"
	KindSingleUse Kind = "single_use"
	KindDecide    Kind = "decide"
)

// Rule is one step of a policy pipeline.
//
// A non-nil error means the rule could not inspect the request (for example
// a malformed body); the returned outcome is then always Deny.
type Rule interface {
	Kind() Kind
	Evaluate(req *models.Request, hm models.HistoryMap) (Outcome, error)
}

// Target selects which request attribute a matcher reads.
type Target string

const (
	TargetPath Target = "path"
	TargetURI  Target = "uri"
)

func (t Target) of(req *models.Request) string {
	if t == TargetURI {
		return req.URI
	}
	return req.Path
}

// ScopeGuard restricts the wrapped rules to requests whose path (or uri)
// matches Prefix and whose method passes the method filters. Out of scope
// requests are NotApplicable. Inside scope the wrapped rules run as a
// sub-pipeline; if none decides, the guard is NotApplicable.
type ScopeGuard struct {
	Target        Target
	Prefix        string
	Exact         bool     // match Prefix as the whole value
	Methods       []string // empty means any method
	ExceptMethods []string
	Rules         []Rule
}

func (g *ScopeGuard) Kind() Kind { return KindScope }

// Matches reports whether req falls inside the guard's scope.
func (g *ScopeGuard) Matches(req *models.Request) bool {
	value := g.Target.of(req)
	if g.Exact {
		if value != g.Prefix {
			return false
		}
	} else if !strings.HasPrefix(value, g.Prefix) {
		return false
	}
	if len(g.Methods) > 0 && !contains(g.Methods, req.Method) {
		return false
	}
	return !contains(g.ExceptMethods, req.Method)
}

func (g *ScopeGuard) Evaluate(req *models.Request, hm models.HistoryMap) (Outcome, error) {
	if !g.Matches(req) {
		return NotApplicable, nil
	}
	for _, r := range g.Rules {
		out, err := r.Evaluate(req, hm)
		if err != nil {
			return Deny, err
		}
		if out.Decided() {
			return out, nil
		}
	}
	return NotApplicable, nil
}

// CreationGate accepts requests to one of the creation endpoints.
type CreationGate struct {
	Paths  []string
	Method string // empty means any method
}

func (g *CreationGate) Kind() Kind { return KindCreate }

func (g *CreationGate) Evaluate(req *models.Request, _ models.HistoryMap) (Outcome, error) {
	if !contains(g.Paths, req.Path) {
		return NotApplicable, nil
	}
	if g.Method != "" && req.Method != g.Method {
		return NotApplicable, nil
	}
	return Accept, nil
}

// Quantifier controls how OwnershipByHistory aggregates buckets.
type Quantifier string

const (
	// QuantifierAny accepts when any bucket holds a matching entry.
	QuantifierAny Quantifier = "any"
	// QuantifierAllBuckets denies when some bucket lacks a matching entry.
	QuantifierAllBuckets Quantifier = "all_buckets"
)

// OwnershipByHistory decides from recorded history whether the capability
// created (or otherwise touched) the objects it now addresses.
type OwnershipByHistory struct {
	APIs       []string // empty matches any api
	Method     string   // empty matches any method
	Quantifier Quantifier
}

func (o *OwnershipByHistory) Kind() Kind { return KindOwnership }

func (o *OwnershipByHistory) matches(e models.HistoryEntry) bool {
	if len(o.APIs) > 0 && !contains(o.APIs, e.API) {
		return false
	}
	return o.Method == "" || e.Method == o.Method
}

func (o *OwnershipByHistory) bucketMatches(entries []models.HistoryEntry) bool {
	for _, e := range entries {
		if o.matches(e) {
			return true
		}
	}
	return false
}

func (o *OwnershipByHistory) Evaluate(_ *models.Request, hm models.HistoryMap) (Outcome, error) {
	if o.Quantifier == QuantifierAllBuckets {
		for _, entries := range hm {
			if !o.bucketMatches(entries) {
				return Deny, nil
			}
		}
		return Accept, nil
	}
	for _, entries := range hm {
		if o.bucketMatches(entries) {
			return Accept, nil
		}
	}
	return Deny, nil
}

// Predicate is a FieldConstraint test.
type Predicate string

const (
	PredicateHasPrefix Predicate = "has_prefix"
	PredicateEquals    Predicate = "equals"
	PredicateNotBefore Predicate = "not_before"
	PredicateNotAfter  Predicate = "not_after"
)

// FieldConstraint checks one body field. A violation denies; a pass (or an
// absent optional field) is NotApplicable so later rules still run.
type FieldConstraint struct {
	Schema    models.BodySchema
	Field     string
	Predicate Predicate
	Value     string
	Required  bool

	cutoff time.Time
}

// NewFieldConstraint builds a FieldConstraint, parsing time operands up front.
func NewFieldConstraint(schema models.BodySchema, field string, pred Predicate, value string, required bool) (*FieldConstraint, error) {
	fc := &FieldConstraint{Schema: schema, Field: field, Predicate: pred, Value: value, Required: required}
	switch pred {
	case PredicateHasPrefix, PredicateEquals:
	case PredicateNotBefore, PredicateNotAfter:
		if !models.IsTimeField(schema, field) {
			return nil, fmt.Errorf("predicate %s needs a time field, %s.%s is not one", pred, schema, field)
		}
		t, err := models.ParseEventTime(field, value)
		if err != nil {
			return nil, err
		}
		fc.cutoff = t
	default:
		return nil, fmt.Errorf("unknown predicate %q", pred)
	}
	return fc, nil
}

func (c *FieldConstraint) Kind() Kind { return KindField }

func (c *FieldConstraint) Evaluate(req *models.Request, _ models.HistoryMap) (Outcome, error) {
	body, err := models.DecodeBody(c.Schema, req.Body)
	if err != nil {
		return Deny, err
	}
	value, present := body.Lookup(c.Field)
	if !present {
		if c.Required {
			return Deny, nil
		}
		return NotApplicable, nil
	}

	var ok bool
	switch c.Predicate {
	case PredicateHasPrefix:
		ok = strings.HasPrefix(value, c.Value)
	case PredicateEquals:
		ok = value == c.Value
	case PredicateNotBefore, PredicateNotAfter:
		t, err := models.ParseEventTime(c.Field, value)
		if err != nil {
			return Deny, err
		}
		if c.Predicate == PredicateNotBefore {
			ok = !t.Before(c.cutoff)
		} else {
			ok = !t.After(c.cutoff)
		}
	}
	if !ok {
		return Deny, nil
	}
	return NotApplicable, nil
}

// Comparator is a numeric comparison used by ThresholdConstraint.
type Comparator string

const (
	ComparatorLT Comparator = "lt"
	ComparatorLE Comparator = "le"
	ComparatorGT Comparator = "gt"
	ComparatorGE Comparator = "ge"
	ComparatorEQ Comparator = "eq"
	ComparatorNE Comparator = "ne"
)

func (c Comparator) holds(value, limit int64) bool {
	switch c {
	case ComparatorLT:
		return value < limit
	case ComparatorLE:
		return value <= limit
	case ComparatorGT:
		return value > limit
	case ComparatorGE:
		return value >= limit
	case ComparatorEQ:
		return value == limit
	case ComparatorNE:
		return value != limit
	}
	return false
}

func validComparator(c Comparator) bool {
	switch c {
	case ComparatorLT, ComparatorLE, ComparatorGT, ComparatorGE, ComparatorEQ, ComparatorNE:
		return true
	}
	return false
}

// ThresholdConstraint requires "field <comparator> limit" to hold.
// A violation denies; a pass is NotApplicable.
type ThresholdConstraint struct {
	Schema     models.BodySchema
	Field      string
	Comparator Comparator
	Limit      int64
}

func (c *ThresholdConstraint) Kind() Kind { return KindThreshold }

func (c *ThresholdConstraint) Evaluate(req *models.Request, _ models.HistoryMap) (Outcome, error) {
	body, err := models.DecodeBody(c.Schema, req.Body)
	if err != nil {
		return Deny, err
	}
	raw, present := body.Lookup(c.Field)
	if !present {
		return NotApplicable, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Deny, &models.ConstraintError{Field: c.Field, Value: raw, Err: err}
	}
	if !c.Comparator.holds(value, c.Limit) {
		return Deny, nil
	}
	return NotApplicable, nil
}

// ExactMatchGate accepts only when every listed field equals its literal.
type ExactMatchGate struct {
	Schema   models.BodySchema
	Expected map[string]string
}

func (g *ExactMatchGate) Kind() Kind { return KindExact }

func (g *ExactMatchGate) Evaluate(req *models.Request, _ models.HistoryMap) (Outcome, error) {
	body, err := models.DecodeBody(g.Schema, req.Body)
	if err != nil {
		return Deny, err
	}
	fields := make([]string, 0, len(g.Expected))
	for f := range g.Expected {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		value, present := body.Lookup(f)
		if !present || value != g.Expected[f] {
			return Deny, nil
		}
	}
	return Accept, nil
}

// SingleUseGuard allows one read per object: the collection endpoint is
// always accepted, and a request under Prefix with Method is denied once
// history shows an earlier request of the same kind.
type SingleUseGuard struct {
	CollectionURI string
	Target        Target
	Prefix        string
	HistoryPrefix string // route prefix searched in history; defaults to Prefix
	Method        string
}

func (g *SingleUseGuard) Kind() Kind { return KindSingleUse }

func (g *SingleUseGuard) Evaluate(req *models.Request, hm models.HistoryMap) (Outcome, error) {
	if g.CollectionURI != "" && req.URI == g.CollectionURI {
		return Accept, nil
	}
	if !strings.HasPrefix(g.Target.of(req), g.Prefix) || req.Method != g.Method {
		return NotApplicable, nil
	}
	histPrefix := g.HistoryPrefix
	if histPrefix == "" {
		histPrefix = g.Prefix
	}
	for _, entries := range hm {
		for _, e := range entries {
			if strings.HasPrefix(e.API, histPrefix) && e.Method == g.Method {
				return Deny, nil
			}
		}
	}
	return Accept, nil
}

// Fixed always returns the same decision. Used as an explicit catch-all.
type Fixed struct {
	Decision models.Decision
}

func (f *Fixed) Kind() Kind { return KindDecide }

func (f *Fixed) Evaluate(*models.Request, models.HistoryMap) (Outcome, error) {
	return outcomeOf(f.Decision), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
