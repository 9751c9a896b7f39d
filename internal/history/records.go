package history

import (
	"time"

	"github.com/earlence-security/stateful-auth/models"
)

// Records converts the buckets of hm into storable records with fresh digests.
// Records are returned in bucket order.
func Records(capability string, hm models.HistoryMap, at time.Time) ([]*models.HistoryRecord, error) {
	out := make([]*models.HistoryRecord, 0, len(hm))
	for _, id := range hm.Buckets() {
		entries := hm[id]
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		digest, err := Digest(entries)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.HistoryRecord{
			ObjectID:   id,
			Capability: capability,
			Entries:    entries,
			Digest:     digest,
			UpdatedAt:  at,
		})
	}
	return out, nil
}

// FromRecords builds a history map from stored records.
func FromRecords(records []*models.HistoryRecord) models.HistoryMap {
	hm := make(models.HistoryMap, len(records))
	for _, rec := range records {
		entries := make([]models.HistoryEntry, len(rec.Entries))
		copy(entries, rec.Entries)
		hm[rec.ObjectID] = entries
	}
	return hm
}

// ForCapability builds the history map of one capability from records that
// may belong to several. Records of other capabilities are ignored.
func ForCapability(capability string, records []*models.HistoryRecord) models.HistoryMap {
	scoped := make([]*models.HistoryRecord, 0, len(records))
	for _, rec := range records {
		if rec.Capability == capability {
			scoped = append(scoped, rec)
		}
	}
	return FromRecords(scoped)
}
