// Package history computes the next action log after a successful call and
// provides canonical digests of per-object logs.
package history
