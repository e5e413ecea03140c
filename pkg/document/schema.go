package document

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// schemaJSON is a fast structural pre-check run ahead of the expensive
// cryptographic invariant walk (spec §4.3): it rejects documents that
// can't possibly be well-formed (missing fields, wrong JSON types) with
// Malformed before canonicalization or signature verification ever run.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "selfHash", "updateRules", "proofs", "validFrom", "versionId", "publicKeyMaterial"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "selfHash": {"type": "string", "minLength": 1},
    "prevDIDDocumentSelfHash": {"type": "string"},
    "updateRules": {"type": "object"},
    "proofs": {"type": "array", "items": {"type": "string"}},
    "validFrom": {"type": "string"},
    "versionId": {"type": "integer", "minimum": 0},
    "publicKeyMaterial": {
      "type": "object",
      "required": ["verificationMethod"],
      "properties": {
        "verificationMethod": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "controller", "publicKeyJwk"],
            "properties": {
              "id": {"type": "string"},
              "controller": {"type": "string"},
              "publicKeyJwk": {"type": "object"}
            }
          }
        }
      }
    }
  }
}`

var (
	compileOnce   sync.Once
	compiledShape *jsonschema.Schema
	compileErr    error
)

func shapeSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("webplus-did-document.json", strings.NewReader(schemaJSON)); err != nil {
			compileErr = err
			return
		}
		compiledShape, compileErr = c.Compile("webplus-did-document.json")
	})
	return compiledShape, compileErr
}

// PrecheckShape validates that raw is structurally a well-formed DID
// document (field presence and JSON types) before any canonicalization or
// cryptographic work is attempted. It never evaluates invariants that
// require interpreting the document's meaning (hashes, proofs, rules) —
// that's VerifyNonRecursive's job.
func PrecheckShape(raw []byte) error {
	schema, err := shapeSchema()
	if err != nil {
		return webplus.E(webplus.StorageError, "document.PrecheckShape", fmt.Errorf("schema compile: %w", err))
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return webplus.E(webplus.Malformed, "document.PrecheckShape", err)
	}
	if err := schema.Validate(v); err != nil {
		return webplus.E(webplus.Malformed, "document.PrecheckShape", err)
	}
	return nil
}
