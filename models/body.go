package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/earlence-security/stateful-auth/utils"
)

// EventTimeLayout is the layout of event "time" fields (minute precision, no zone).
const EventTimeLayout = "2006-01-02T15:04"

// BodySchema names a typed view over a request payload.
type BodySchema string

const (
	BodySchemaEvent    BodySchema = "event"
	BodySchemaTransfer BodySchema = "transfer"
)

var schemaFields = map[BodySchema]map[string]fieldKind{
	BodySchemaEvent: {
		"title":       fieldString,
		"description": fieldString,
		"time":        fieldTime,
		"location":    fieldString,
	},
	BodySchemaTransfer: {
		"recipient": fieldString,
		"amount":    fieldInt,
		"currency":  fieldString,
	},
}

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldInt
	fieldTime
)

// Body is a decoded payload that exposes its fields by name.
type Body interface {
	// Lookup returns the textual form of a field and whether it was present.
	Lookup(field string) (string, bool)
}

// KnownField reports whether schema defines field.
func KnownField(schema BodySchema, field string) bool {
	fields, ok := schemaFields[schema]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// IsIntField reports whether field is an integer field of schema.
func IsIntField(schema BodySchema, field string) bool {
	return schemaFields[schema][field] == fieldInt
}

// IsTimeField reports whether field is an event-time field of schema.
func IsTimeField(schema BodySchema, field string) bool {
	return schemaFields[schema][field] == fieldTime
}

// ValidSchema reports whether schema is a known body schema.
func ValidSchema(schema BodySchema) bool {
	_, ok := schemaFields[schema]
	return ok
}

// DecodeBody decodes raw with the given schema. Absent bodies and malformed
// payloads yield a *ParseError.
func DecodeBody(schema BodySchema, raw string) (Body, error) {
	switch schema {
	case BodySchemaEvent:
		return DecodeEvent(raw)
	case BodySchemaTransfer:
		return DecodeTransfer(raw)
	default:
		return nil, newParseError("body", fmt.Errorf("unknown body schema %q", schema))
	}
}

// EventBody is the calendar-event view of a payload. All fields are optional.
type EventBody struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Time        *string `json:"time"`
	Location    *string `json:"location"`
}

// DecodeEvent parses an event payload.
func DecodeEvent(raw string) (*EventBody, error) {
	if raw == "" || raw == NoBody {
		return nil, newParseError("body", fmt.Errorf("request has no body"))
	}
	var e EventBody
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, newParseError("body", err)
	}
	return &e, nil
}

// Lookup implements Body
func (e *EventBody) Lookup(field string) (string, bool) {
	var v *string
	switch field {
	case "title":
		v = e.Title
	case "description":
		v = e.Description
	case "time":
		v = e.Time
	case "location":
		v = e.Location
	}
	if v == nil {
		return "", false
	}
	return *v, true
}

// ParseEventTime parses a value in EventTimeLayout.
func ParseEventTime(field, value string) (time.Time, error) {
	t, err := time.Parse(EventTimeLayout, value)
	if err != nil {
		return time.Time{}, &ConstraintError{Field: field, Value: value, Err: err}
	}
	return t, nil
}

// TransferBody is the money-transfer view of a payload.
type TransferBody struct {
	Recipient *string `json:"recipient" validate:"required"`
	Amount    *int64  `json:"amount" validate:"required"`
	Currency  *string `json:"currency"`
}

// DecodeTransfer parses a transfer payload. Recipient and amount are required.
func DecodeTransfer(raw string) (*TransferBody, error) {
	if raw == "" || raw == NoBody {
		return nil, newParseError("body", fmt.Errorf("request has no body"))
	}
	var t TransferBody
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, newParseError("body", err)
	}
	if err := utils.ValidateStruct(t); err != nil {
		return nil, newParseError("body", describeValidation(err))
	}
	return &t, nil
}

// Lookup implements Body
func (t *TransferBody) Lookup(field string) (string, bool) {
	switch field {
	case "recipient":
		if t.Recipient != nil {
			return *t.Recipient, true
		}
	case "amount":
		if t.Amount != nil {
			return strconv.FormatInt(*t.Amount, 10), true
		}
	case "currency":
		if t.Currency != nil {
			return *t.Currency, true
		}
	}
	return "", false
}
