package plan

import "github.com/santhosh-tekuri/jsonschema/v5"

// workOrderSchemaJSON captures the shape invariants that are expressible
// declaratively. Path safety and cross-work-order rules are checked in code.
const workOrderSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "title", "intent", "allowed_files", "acceptance_commands"],
  "properties": {
    "id": {"type": "string", "pattern": "^WO-[0-9]{2,}$"},
    "title": {"type": "string", "minLength": 1},
    "intent": {"type": "string"},
    "allowed_files": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "forbidden": {"type": "array", "items": {"type": "string"}},
    "acceptance_commands": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "context_files": {
      "type": "array",
      "maxItems": 10,
      "items": {"type": "string", "minLength": 1}
    },
    "preconditions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "path"],
        "properties": {
          "kind": {"enum": ["file_exists", "file_absent"]},
          "path": {"type": "string", "minLength": 1}
        }
      }
    },
    "postconditions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "path"],
        "properties": {
          "kind": {"const": "file_exists"},
          "path": {"type": "string", "minLength": 1}
        }
      }
    },
    "verify_exempt": {"type": "boolean"},
    "notes": {"type": "string"}
  }
}`

var workOrderSchema = jsonschema.MustCompileString("work_order.schema.json", workOrderSchemaJSON)
