package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request payload schemas, compiled once at init. Structural validation
// happens at the boundary; semantic validation (weights, enums, duplicate
// agents) stays in the core.

const openHeadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "participants"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "participants": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "metadata": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  },
  "additionalProperties": false
}`

const submitOrderSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["head_id", "order"],
  "properties": {
    "head_id": {"type": "string", "minLength": 1},
    "order": {
      "type": "object",
      "required": ["order_type", "verdict", "evidence_hash", "agent_votes"],
      "properties": {
        "order_type": {"enum": ["REJECTION", "VERDICT"]},
        "verdict": {"enum": ["DANGER", "SAFE"]},
        "evidence_hash": {"type": "string", "minLength": 1},
        "agent_votes": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["agent_id", "vote", "weight"],
            "properties": {
              "agent_id": {"type": "string", "minLength": 1},
              "vote": {"enum": ["DANGER", "SAFE"]},
              "weight": {"type": "number", "minimum": 0, "maximum": 1},
              "severity": {"type": "string"}
            },
            "additionalProperties": false
          }
        },
        "zk_proof_ref": {"type": ["string", "null"]},
        "signatures": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["agent_id", "sig"],
            "properties": {
              "agent_id": {"type": "string", "minLength": 1},
              "sig": {"type": "string", "minLength": 1}
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const attachProofSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["head_id", "order_id", "proof_ref"],
  "properties": {
    "head_id": {"type": "string", "minLength": 1},
    "order_id": {"type": "string", "minLength": 1},
    "proof_ref": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const closeHeadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["head_id"],
  "properties": {
    "head_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

// schemaSet holds the compiled request schemas.
type schemaSet struct {
	open   *jsonschema.Schema
	submit *jsonschema.Schema
	attach *jsonschema.Schema
	close  *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://forkshield.schemas.local/settle/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema load %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema compile %s: %w", name, err)
		}
		return s, nil
	}

	var (
		set schemaSet
		err error
	)
	if set.open, err = compile("open-head", openHeadSchema); err != nil {
		return nil, err
	}
	if set.submit, err = compile("submit-order", submitOrderSchema); err != nil {
		return nil, err
	}
	if set.attach, err = compile("attach-proof", attachProofSchema); err != nil {
		return nil, err
	}
	if set.close, err = compile("close-head", closeHeadSchema); err != nil {
		return nil, err
	}
	return &set, nil
}
