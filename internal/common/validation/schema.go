package validation

import (
	"fmt"
	"sort"
	"strings"

	"rental-queue/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema for request bodies and job variables.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// MustCompile panics on an invalid schema; schemas are package-level literals.
func MustCompile(name, source string) *Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return &Schema{name: name, schema: s}
}

// ValidateJSON checks a raw document and returns a VALIDATION_FAILED error listing every violation.
func (s *Schema) ValidateJSON(doc []byte) error {
	return s.validate(gojsonschema.NewBytesLoader(doc))
}

// ValidateValue checks an in-memory value (maps, structs with json tags).
func (s *Schema) ValidateValue(v interface{}) error {
	return s.validate(gojsonschema.NewGoLoader(v))
}

func (s *Schema) validate(loader gojsonschema.JSONLoader) error {
	result, err := s.schema.Validate(loader)
	if err != nil {
		return errors.NewValidationError(fmt.Sprintf("%s: malformed document: %v", s.name, err))
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	sort.Strings(msgs)
	return errors.NewValidationError(strings.Join(msgs, "; "))
}

var (
	// SubmitApplication is the body of POST /listings/{id}/applications.
	SubmitApplication = MustCompile("submit-application", `{
		"type": "object",
		"properties": {
			"notes": {"type": ["string", "null"]}
		},
		"additionalProperties": false
	}`)

	// SubmitApplicationJob is the variables of a submit-application job.
	SubmitApplicationJob = MustCompile("submit-application-job", `{
		"type": "object",
		"properties": {
			"listingId":   {"type": "string", "minLength": 1},
			"applicantId": {"type": "string", "minLength": 1},
			"notes":       {"type": ["string", "null"]}
		},
		"required": ["listingId", "applicantId"]
	}`)

	// ReviewApplicationJob is the variables of a review-application job.
	ReviewApplicationJob = MustCompile("review-application-job", `{
		"type": "object",
		"properties": {
			"applicationId": {"type": "string", "minLength": 1},
			"callerId":      {"type": "string", "minLength": 1},
			"decision":      {"type": "string", "enum": ["accept", "reject"]}
		},
		"required": ["applicationId", "callerId", "decision"]
	}`)

	// ApplicationActionJob covers withdraw-application and provision-chat-room jobs.
	ApplicationActionJob = MustCompile("application-action-job", `{
		"type": "object",
		"properties": {
			"applicationId": {"type": "string", "minLength": 1},
			"callerId":      {"type": "string", "minLength": 1}
		},
		"required": ["applicationId", "callerId"]
	}`)
)
