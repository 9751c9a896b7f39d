// Package observability builds the process logger and keeps in-process
// decision counters for the stats endpoint.
package observability
