package policy

import (
	"errors"
	"fmt"

	"github.com/earlence-security/stateful-auth/models"
)

// Policy is an ordered rule pipeline with an explicit default decision.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	name    string
	def     models.Decision
	rules   []Rule
	version string
}

// New builds a policy. The default decision is mandatory.
func New(name string, def models.Decision, rules ...Rule) (*Policy, error) {
	if def != models.DecisionAccept && def != models.DecisionDeny {
		return nil, fmt.Errorf("policy %q: default decision must be Accept or Deny, got %q", name, def)
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Policy{name: name, def: def, rules: cp}, nil
}

// Name returns the policy name
func (p *Policy) Name() string { return p.name }

// Default returns the decision used when no rule decides
func (p *Policy) Default() models.Decision { return p.def }

// Rules returns a copy of the pipeline
func (p *Policy) Rules() []Rule {
	cp := make([]Rule, len(p.rules))
	copy(cp, p.rules)
	return cp
}

// Version identifies the document a policy was compiled from (its digest),
// or is empty for policies built in code.
func (p *Policy) Version() string { return p.version }

// Verdict explains how a decision was reached.
type Verdict struct {
	Decision models.Decision
	// Rule is the index of the deciding rule, or -1 when the default applied.
	Rule int
	Kind Kind
	// Err is the body or constraint failure that forced a Deny, if any.
	Err error
}

// Defaulted reports whether no rule decided.
func (v Verdict) Defaulted() bool { return v.Rule < 0 }

// FailedClosed reports whether the decision is a Deny forced by an input error.
func (v Verdict) FailedClosed() bool { return v.Err != nil }

// Reason is a short human readable account of the verdict.
func (v Verdict) Reason() string {
	switch {
	case v.Err != nil:
		return fmt.Sprintf("rule %d (%s) failed closed: %v", v.Rule, v.Kind, v.Err)
	case v.Defaulted():
		return "no rule applied, default decision"
	default:
		return fmt.Sprintf("rule %d (%s) decided", v.Rule, v.Kind)
	}
}

// Explain evaluates the pipeline and reports which rule decided.
func (p *Policy) Explain(req *models.Request, hm models.HistoryMap) Verdict {
	for i, r := range p.rules {
		out, err := r.Evaluate(req, hm)
		if err != nil {
			return Verdict{Decision: models.DecisionDeny, Rule: i, Kind: r.Kind(), Err: err}
		}
		if out.Decided() {
			return Verdict{Decision: out.Decision(), Rule: i, Kind: r.Kind()}
		}
	}
	return Verdict{Decision: p.def, Rule: -1}
}

// Evaluate returns the decision for req under hm.
func (p *Policy) Evaluate(req *models.Request, hm models.HistoryMap) models.Decision {
	return p.Explain(req, hm).Decision
}

// Evaluate is the engine entry point: it runs p over the request and the
// history the caller supplies. The history is used as given; scoping it to a
// single capability is the caller's job.
func Evaluate(req *models.Request, hm models.HistoryMap, p *Policy) models.Decision {
	if req == nil || p == nil {
		return models.DecisionDeny
	}
	return p.Evaluate(req, hm)
}

// IsInputError reports whether err is a body parse or constraint failure.
func IsInputError(err error) bool {
	var pe *models.ParseError
	var ce *models.ConstraintError
	return errors.As(err, &pe) || errors.As(err, &ce)
}
