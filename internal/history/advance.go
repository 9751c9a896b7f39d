package history

import "github.com/earlence-security/stateful-auth/models"

// Advance returns the history that results from req having succeeded.
//
// For every bucket, the first entry recorded for (req.Method, req.Path) has
// its counter incremented and its timestamp set to req.Time; a bucket with no
// such entry gets a new one appended with counter 0. The input map is not
// modified.
func Advance(req *models.Request, hm models.HistoryMap) models.HistoryMap {
	next := hm.Clone()
	for bucket, entries := range next {
		next[bucket] = AdvanceEntries(req, entries)
	}
	return next
}

// AdvanceEntries applies one request to a single bucket. The slice passed in
// is modified in place when an entry matches.
func AdvanceEntries(req *models.Request, entries []models.HistoryEntry) []models.HistoryEntry {
	for i := range entries {
		if entries[i].Matches(req.Path, req.Method) {
			entries[i].Counter++
			entries[i].Timestamp = req.Time
			return entries
		}
	}
	return append(entries, models.HistoryEntry{
		API:       req.Path,
		Method:    req.Method,
		Counter:   0,
		Timestamp: req.Time,
	})
}

// Ensure returns a copy of hm that has a (possibly empty) bucket for every id.
// Objects a capability has never touched start with an empty log.
func Ensure(hm models.HistoryMap, ids []string) models.HistoryMap {
	next := hm.Clone()
	for _, id := range ids {
		if _, ok := next[id]; !ok {
			next[id] = []models.HistoryEntry{}
		}
	}
	return next
}

// Select returns the buckets of hm named by ids. Missing ids yield empty buckets.
func Select(hm models.HistoryMap, ids []string) models.HistoryMap {
	out := make(models.HistoryMap, len(ids))
	for _, id := range ids {
		entries := hm[id]
		cp := make([]models.HistoryEntry, len(entries))
		copy(cp, entries)
		out[id] = cp
	}
	return out
}
