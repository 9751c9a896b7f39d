// Package policy implements the history-gated decision pipeline.
//
// A Policy is an ordered list of rules plus a required default decision.
// Each rule inspects a request and the caller-supplied history and returns
// Accept, Deny, or NotApplicable. The first rule that returns Accept or Deny
// decides; if every rule is NotApplicable the default applies.
//
// Rules that read the request body decode it lazily. A body that fails to
// decode, or a present field with the wrong shape, resolves that rule to Deny
// and stops evaluation.
//
// Policies are usually built from documents (JSON or YAML) with Compile.
// Documents are validated against an embedded JSON schema first.
package policy
