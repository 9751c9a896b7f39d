package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/gowebpki/jcs"
)

// EmptyDigest is the digest of a bucket with no entries.
var EmptyDigest = mustDigest(nil)

type bucketDocument struct {
	History []models.HistoryEntry `json:"history"`
}

// Canonical returns the RFC 8785 encoding of one bucket as {"history": [...]}.
func Canonical(entries []models.HistoryEntry) ([]byte, error) {
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	raw, err := json.Marshal(bucketDocument{History: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize history: %w", err)
	}
	return canonical, nil
}

// Digest returns the hex SHA-256 of the canonical bucket encoding.
func Digest(entries []models.HistoryEntry) (string, error) {
	canonical, err := Canonical(entries)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Digests returns the digest of every bucket in hm.
func Digests(hm models.HistoryMap) (map[string]string, error) {
	out := make(map[string]string, len(hm))
	for bucket, entries := range hm {
		d, err := Digest(entries)
		if err != nil {
			return nil, fmt.Errorf("bucket %q: %w", bucket, err)
		}
		out[bucket] = d
	}
	return out, nil
}

func mustDigest(entries []models.HistoryEntry) string {
	d, err := Digest(entries)
	if err != nil {
		panic(err)
	}
	return d
}
