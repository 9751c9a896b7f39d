package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bindingInput struct {
	Policy   string `validate:"required"`
	Schema   string `validate:"omitempty,oneof=event transfer"`
	Priority int    `validate:"gte=0,lte=10"`
	Label    string `validate:"max=8"`
	Extra    string `validate:"alpha"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name       string
		input      bindingInput
		wantFields map[string]string
	}{
		{
			name:  "valid",
			input: bindingInput{Policy: "me-only", Schema: "event", Priority: 3, Extra: "ok"},
		},
		{
			name:  "missing policy",
			input: bindingInput{Extra: "ok"},
			wantFields: map[string]string{
				"Policy": "Policy is required",
			},
		},
		{
			name:  "several failures",
			input: bindingInput{Policy: "p", Schema: "invoice", Priority: 11, Label: "far-too-long", Extra: "1"},
			wantFields: map[string]string{
				"Schema":   "Schema must be one of: event transfer",
				"Priority": "Priority must be less than or equal to 10",
				"Label":    "Label must be at most 8",
				"Extra":    "Extra validation failed on 'alpha' tag",
			},
		},
		{
			name:  "negative priority",
			input: bindingInput{Policy: "p", Priority: -1, Extra: "ok"},
			wantFields: map[string]string{
				"Priority": "Priority must be greater than or equal to 0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.input)
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, "Validation failed", err.Error())
			assert.Equal(t, tt.wantFields, GetValidationFields(err))
		})
	}
}

func TestValidateStruct_NotAStruct(t *testing.T) {
	err := ValidateStruct("me-only")
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestIsValidationError(t *testing.T) {
	assert.False(t, IsValidationError(nil))
	assert.False(t, IsValidationError(errors.New("boom")))
	assert.True(t, IsValidationError(&ValidationError{Message: "x"}))
}

func TestGetValidationFields(t *testing.T) {
	assert.Nil(t, GetValidationFields(errors.New("boom")))

	fields := map[string]string{"api": "api is required"}
	assert.Equal(t, fields, GetValidationFields(&ValidationError{Fields: fields}))
}

func TestValidateOneOf(t *testing.T) {
	assert.NoError(t, ValidateOneOf("json", "log format", []string{"json", "console"}))

	err := ValidateOneOf("xml", "log format", []string{"json", "console"})
	require.Error(t, err)
	assert.Equal(t, "log format must be one of: [json console]", err.Error())
}
