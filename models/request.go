package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/earlence-security/stateful-auth/utils"
)

// NoBody is the body value recorded for requests that carry no JSON payload.
const NoBody = "null"

// Request is the normalized view of one intercepted API call.
// Path and URI are independent; rules state which one they match.
type Request struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Path    string            `json:"path"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
	Time    float64           `json:"time"`
}

// HasBody reports whether the request carries a decodable payload.
func (r *Request) HasBody() bool {
	b := strings.TrimSpace(r.Body)
	return b != "" && b != NoBody
}

// Header returns a header value using exact key matching.
func (r *Request) Header(key string) (string, bool) {
	v, ok := r.Headers[key]
	return v, ok
}

type requestWire struct {
	Method  *string           `json:"method" validate:"required"`
	URI     *string           `json:"uri" validate:"required_without=Path"`
	Path    *string           `json:"path" validate:"required_without=URI"`
	Body    *string           `json:"body" validate:"required"`
	Headers map[string]string `json:"headers"`
	Time    *float64          `json:"time" validate:"required"`
}

// DecodeRequest parses the JSON encoding of a Request.
// Missing required fields and mistyped values yield a *ParseError. At least
// one of uri and path must be present; the absent one decodes as "".
func DecodeRequest(raw []byte) (*Request, error) {
	var wire requestWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, newParseError("request", err)
	}
	if err := utils.ValidateStruct(wire); err != nil {
		return nil, newParseError("request", describeValidation(err))
	}

	headers := wire.Headers
	if headers == nil {
		headers = make(map[string]string)
	}

	req := &Request{
		Method:  *wire.Method,
		Body:    *wire.Body,
		Headers: headers,
		Time:    *wire.Time,
	}
	if wire.URI != nil {
		req.URI = *wire.URI
	}
	if wire.Path != nil {
		req.Path = *wire.Path
	}
	return req, nil
}

// Encode returns the JSON encoding of the request.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func describeValidation(err error) error {
	fields := utils.GetValidationFields(err)
	if len(fields) == 0 {
		return err
	}
	msgs := make([]string, 0, len(fields))
	for _, msg := range fields {
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
