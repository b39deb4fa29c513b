package api

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// patchSchema constrains manual patch documents to strategic-merge
// shapes the controller is willing to forward: metadata annotations or
// labels, replica count, and pod-template annotations. Anything else
// is rejected before it reaches the cluster.
const patchSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "metadata": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "annotations": {"type": "object", "additionalProperties": {"type": "string"}},
        "labels": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "spec": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "replicas": {"type": "integer", "minimum": 0},
        "template": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "metadata": {
              "type": "object",
              "additionalProperties": false,
              "properties": {
                "annotations": {"type": "object", "additionalProperties": {"type": "string"}}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledPatchSchema = gojsonschema.NewStringLoader(patchSchema)

func validatePatchDocument(doc []byte) error {
	if len(doc) == 0 {
		return fmt.Errorf("patch document required")
	}
	result, err := gojsonschema.Validate(compiledPatchSchema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("patch document is not valid JSON: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("patch document rejected: %s", first.String())
	}
	return nil
}
