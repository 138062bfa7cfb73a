package compiler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

const goalSchemaURL = "https://keel.dev/schemas/goal.schema.json"

// goalSchema is the structural contract of a goal document. Uniqueness and
// cross-reference rules live in validateReferences; this schema covers
// shape, required fields and enum closure.
const goalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://keel.dev/schemas/goal.schema.json",
  "type": "object",
  "required": ["tenant_id", "horizon", "skus", "variables", "objective", "constraints"],
  "properties": {
    "schema_version": {"type": "string"},
    "tenant_id": {"type": "string", "minLength": 1},
    "project_id": {"type": "string"},
    "plan_id": {"type": "string"},
    "name": {"type": "string"},
    "horizon": {"type": "integer", "minimum": 1, "maximum": 104},
    "suppliers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "lead_time_periods": {"type": "integer", "minimum": 0},
          "price_multiplier": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "skus": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "unit_cost"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "supplier_ids": {"type": "array", "items": {"type": "string"}},
          "unit_cost": {"type": "number", "exclusiveMinimum": 0},
          "holding_cost": {"type": "number", "minimum": 0},
          "shortage_penalty": {"type": "number", "minimum": 0},
          "moq": {"type": "number", "minimum": 0},
          "lead_time_periods": {"type": "integer", "minimum": 0},
          "opening_stock": {"type": "number", "minimum": 0},
          "demand": {"type": "array", "items": {"type": "number", "minimum": 0}}
        }
      }
    },
    "variables": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "domain"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "domain": {"enum": ["continuous", "integer", "binary"]},
          "lower": {"type": "number"},
          "upper": {"type": "number"},
          "per_supplier": {"type": "boolean"},
          "per_scenario": {"type": "boolean"}
        }
      }
    },
    "objective": {
      "type": "object",
      "required": ["sense", "terms"],
      "properties": {
        "sense": {"enum": ["minimize", "maximize"]},
        "terms": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["var"],
            "properties": {
              "name": {"type": "string"},
              "var": {"type": "string"},
              "weight": {"type": "number"},
              "weight_field": {"enum": ["", "unit_cost", "holding_cost", "shortage_penalty"]}
            }
          }
        }
      }
    },
    "constraints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "kind": {"enum": ["budget", "moq", "balance", "lead_time", "custom"]},
          "explain": {"type": "boolean"},
          "limit": {"type": "number"},
          "op": {"enum": ["le", "ge", "eq"]},
          "terms": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["var"],
              "properties": {
                "var": {"type": "string"},
                "sku_id": {"type": "string"},
                "supplier_id": {"type": "string"},
                "period": {"type": "integer", "minimum": 0},
                "coeff": {"type": "number"},
                "weight_field": {"enum": ["", "unit_cost", "holding_cost", "shortage_penalty"]}
              }
            }
          },
          "sku_id": {"type": "string"},
          "quantity": {"type": "number", "minimum": 0},
          "periods": {"type": "integer", "minimum": 0},
          "inventory_var": {"type": "string"},
          "inflow_var": {"type": "string"},
          "shortage_var": {"type": "string"}
        }
      }
    },
    "robustness": {
      "type": "object",
      "properties": {
        "deterministic": {"type": "boolean"},
        "num_scenarios": {"type": "integer", "minimum": 0, "maximum": 500},
        "aggregation": {"enum": ["mean", "p95", "cvar"]},
        "alpha": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
        "seed": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

func compileGoalSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(goalSchemaURL, strings.NewReader(goalSchema)); err != nil {
		return nil, fmt.Errorf("compiler: load goal schema: %w", err)
	}
	compiled, err := c.Compile(goalSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiler: compile goal schema: %w", err)
	}
	return compiled, nil
}

// validateSchema checks the document against the embedded JSON schema.
func (c *Compiler) validateSchema(goal *contracts.GoalDocument) error {
	raw, err := json.Marshal(goal)
	if err != nil {
		return schemaErr("goal", "document not serializable: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return schemaErr("goal", "document not decodable: %v", err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return schemaErr("goal", "schema validation failed: %v", err)
	}
	return nil
}
