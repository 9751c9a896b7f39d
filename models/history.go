package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/earlence-security/stateful-auth/utils"
)

// HistoryEntry records how often one (api, method) pair was called on an object.
type HistoryEntry struct {
	API       string  `json:"api"`
	Method    string  `json:"method"`
	Counter   int     `json:"counter"`
	Timestamp float64 `json:"timestamp"`
}

// Matches reports whether the entry was produced by the given route and verb.
func (e HistoryEntry) Matches(api, method string) bool {
	return e.API == api && e.Method == method
}

// HistoryMap maps an object identifier (bucket) to its ordered action log.
type HistoryMap map[string][]HistoryEntry

// Clone returns a deep copy. A nil map clones to an empty one.
func (h HistoryMap) Clone() HistoryMap {
	out := make(HistoryMap, len(h))
	for bucket, entries := range h {
		cp := make([]HistoryEntry, len(entries))
		copy(cp, entries)
		out[bucket] = cp
	}
	return out
}

// Buckets returns the bucket keys in sorted order.
func (h HistoryMap) Buckets() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the total number of entries across all buckets.
func (h HistoryMap) Len() int {
	n := 0
	for _, entries := range h {
		n += len(entries)
	}
	return n
}

// Encode returns the JSON encoding with buckets in sorted key order.
func (h HistoryMap) Encode() ([]byte, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]HistoryEntry(h))
}

type historyEntryWire struct {
	API       *string  `json:"api" validate:"required"`
	Method    *string  `json:"method" validate:"required"`
	Counter   *int     `json:"counter" validate:"required"`
	Timestamp *float64 `json:"timestamp" validate:"required"`
}

// DecodeHistory parses the JSON encoding of a HistoryMap.
// Every entry requires api, method, counter and timestamp.
func DecodeHistory(raw []byte) (HistoryMap, error) {
	var wire map[string][]historyEntryWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, newParseError("history", err)
	}

	out := make(HistoryMap, len(wire))
	for bucket, entries := range wire {
		decoded := make([]HistoryEntry, 0, len(entries))
		for i, w := range entries {
			entry, err := w.toEntry()
			if err != nil {
				return nil, newParseError("history", fmt.Errorf("bucket %q entry %d: %w", bucket, i, err))
			}
			decoded = append(decoded, entry)
		}
		out[bucket] = decoded
	}
	return out, nil
}

// DecodeHistoryList parses a single bucket encoded as {"history": [...]}.
func DecodeHistoryList(raw []byte) ([]HistoryEntry, error) {
	var wire struct {
		History []historyEntryWire `json:"history"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, newParseError("history", err)
	}
	out := make([]HistoryEntry, 0, len(wire.History))
	for i, w := range wire.History {
		entry, err := w.toEntry()
		if err != nil {
			return nil, newParseError("history", fmt.Errorf("entry %d: %w", i, err))
		}
		out = append(out, entry)
	}
	return out, nil
}

func (w historyEntryWire) toEntry() (HistoryEntry, error) {
	if err := utils.ValidateStruct(w); err != nil {
		return HistoryEntry{}, describeValidation(err)
	}
	if *w.Counter < 0 {
		return HistoryEntry{}, fmt.Errorf("counter must be non-negative, got %d", *w.Counter)
	}
	entry := HistoryEntry{API: *w.API, Method: *w.Method, Counter: *w.Counter, Timestamp: *w.Timestamp}
	return entry, nil
}
