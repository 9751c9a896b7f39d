package models

import (
	"fmt"
	"strings"
)

// Decision is the final verdict for one intercepted request.
type Decision string

const (
	DecisionAccept Decision = "Accept"
	DecisionDeny   Decision = "Deny"
)

// String returns the wire form of the decision
func (d Decision) String() string {
	return string(d)
}

// Allowed reports whether the request may proceed
func (d Decision) Allowed() bool {
	return d == DecisionAccept
}

// ParseDecision accepts "accept"/"deny" in any case.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return DecisionAccept, nil
	case "deny":
		return DecisionDeny, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}
