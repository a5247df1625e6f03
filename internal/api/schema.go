package api

import (
	"fmt"
	"slices"
	"strings"

	jss "github.com/kaptinlin/jsonschema"

	"github.com/scania/scanhub/internal/model"
)

const jobRequestSchema = `{
  "type": "object",
  "required": ["target", "kinds"],
  "properties": {
    "target": {"type": "string", "minLength": 1, "maxLength": 2048},
    "kinds": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "options": {"type": "object"},
    "deferred": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const noticeSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string", "minLength": 1, "maxLength": 4096}
  },
  "additionalProperties": false
}`

// Validator checks request bodies before they are decoded.
type Validator struct {
	schema *jss.Schema
}

func NewValidator(source string) (Validator, error) {
	compiler := jss.NewCompiler()
	schema, err := compiler.Compile([]byte(source))
	if err != nil {
		return Validator{}, fmt.Errorf("compiling schema: %w", err)
	}
	return Validator{schema: schema}, nil
}

// ValidateBytes reports every schema violation of b as one ErrValidation.
func (v Validator) ValidateBytes(b []byte) error {
	res := v.schema.Validate(b)
	if res.Valid {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
	}
	slices.Sort(msgs)
	return fmt.Errorf("%w: %s", model.ErrValidation, strings.Join(msgs, "; "))
}
