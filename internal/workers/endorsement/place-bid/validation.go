// internal/workers/endorsement/place-bid/validation.go
package placebid

import (
	"fmt"

	stderrors "endorsement-engine/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

var inputSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"applicationId", "expertId", "amount"},
	"properties": map[string]interface{}{
		"applicationId": map[string]interface{}{"type": "string", "minLength": 1},
		"expertId":      map[string]interface{}{"type": "string", "minLength": 1},
		"amount":        map[string]interface{}{"type": "integer", "minimum": 1},
		"correlationId": map[string]interface{}{"type": "string"},
	},
}

func validateInput(raw string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(inputSchema),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return stderrors.NewInvalidBidInputError(fmt.Sprintf("schema validation error: %v", err))
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return stderrors.NewInvalidBidInputError(fmt.Sprintf("invalid bid input: %v", errs))
	}
	return nil
}
