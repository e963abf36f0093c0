// internal/workers/endorsement/application-outcome/validation.go
package applicationoutcome

import (
	"fmt"

	stderrors "endorsement-engine/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

var inputSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"applicationId", "outcome"},
	"properties": map[string]interface{}{
		"applicationId": map[string]interface{}{"type": "string", "minLength": 1},
		"outcome":       map[string]interface{}{"type": "string", "enum": []string{"hired", "rejected"}},
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
		return stderrors.NewInvalidBidInputError(fmt.Sprintf("invalid outcome input: %v", errs))
	}
	return nil
}
