package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/earlence-security/stateful-auth/models"
)

// BuildRequest converts an incoming HTTP request into the engine's Request.
// body is the already-read payload; a payload that is not JSON is recorded
// as models.NoBody.
func BuildRequest(r *http.Request, body []byte, now time.Time) *models.Request {
	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) == 0 || key == HeaderHistory {
			continue
		}
		headers[key] = values[0]
	}

	return &models.Request{
		Method:  r.Method,
		URI:     requestURI(r),
		Path:    r.URL.Path,
		Body:    jsonBody(body),
		Headers: headers,
		Time:    float64(now.UnixNano()) / float64(time.Second),
	}
}

func requestURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func jsonBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return models.NoBody
	}
	return string(trimmed)
}

// Resolver finds the objects a call touches.
type Resolver struct {
	prefixes []string
}

// NewResolver returns a Resolver for the given resource path prefixes,
// e.g. "/api/events". The longest matching prefix wins.
func NewResolver(prefixes []string) *Resolver {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	sort.Slice(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })
	return &Resolver{prefixes: cleaned}
}

// RequestIDs returns the object ids named by a call: the path segment after
// a resource prefix, else the "ids" array of a JSON body. A path equal to a
// prefix is a collection and never matches a shorter prefix. A call that names
// no object (a creation or a listing) yields nil.
func (res *Resolver) RequestIDs(path string, body []byte) []string {
	for _, prefix := range res.prefixes {
		if path == prefix {
			break
		}
		rest, ok := strings.CutPrefix(path, prefix+"/")
		if !ok {
			continue
		}
		segment, _, _ := strings.Cut(rest, "/")
		if segment == "" {
			break
		}
		return []string{segment}
	}

	var payload struct {
		IDs []json.RawMessage `json:"ids"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return scalarStrings(payload.IDs)
}

// ResponseIDs returns the ids a successful creation reports in its JSON
// response: "id", else "ids".
func ResponseIDs(body []byte) []string {
	var payload struct {
		ID  json.RawMessage   `json:"id"`
		IDs []json.RawMessage `json:"ids"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if len(payload.ID) > 0 {
		return scalarStrings([]json.RawMessage{payload.ID})
	}
	return scalarStrings(payload.IDs)
}

// scalarStrings keeps string and number elements, rendering numbers verbatim
func scalarStrings(raw []json.RawMessage) []string {
	var out []string
	for _, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case json.Number:
			out = append(out, t.String())
		default:
			continue
		}
	}
	return dedupe(out)
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// decodeCarried parses an Authorization-History header value. The empty
// value stands for the empty history.
func decodeCarried(value string) (models.HistoryMap, error) {
	if strings.TrimSpace(value) == "" {
		return models.HistoryMap{}, nil
	}
	hm, err := models.DecodeHistory([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", HeaderHistory, err)
	}
	return hm, nil
}
