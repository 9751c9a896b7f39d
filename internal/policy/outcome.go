package policy

import "github.com/earlence-security/stateful-auth/models"

// Outcome is the result of a single rule.
type Outcome int

const (
	NotApplicable Outcome = iota
	Accept
	Deny
)

// String returns a readable outcome name
func (o Outcome) String() string {
	switch o {
	case Accept:
		return "Accept"
	case Deny:
		return "Deny"
	default:
		return "NotApplicable"
	}
}

// Decided reports whether the outcome ends evaluation.
func (o Outcome) Decided() bool {
	return o == Accept || o == Deny
}

// Decision converts a deciding outcome into a models.Decision.
// NotApplicable maps to Deny.
func (o Outcome) Decision() models.Decision {
	if o == Accept {
		return models.DecisionAccept
	}
	return models.DecisionDeny
}

func outcomeOf(d models.Decision) Outcome {
	if d == models.DecisionAccept {
		return Accept
	}
	return Deny
}
