package dispatcher

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// paramSchemas holds one compiled JSON Schema per method, used for the
// dispatcher's "shallow validation (types and presence)" pass (SPEC
// §4.4). Validating against a schema gives InvalidParams a single,
// table-driven source of truth instead of hand-rolled field checks,
// the way internal/engine/structured.go validates structured model
// output against a compiled jsonschema.Schema.
var paramSchemas = map[string]*jsonschema.Schema{}

func init() {
	c := jsonschema.NewCompiler()
	for method, raw := range rawParamSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic("dispatcher: invalid schema literal for " + method + ": " + err.Error())
		}
		resource := method + ".schema.json"
		if err := c.AddResource(resource, doc); err != nil {
			panic("dispatcher: add schema resource for " + method + ": " + err.Error())
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic("dispatcher: compile schema for " + method + ": " + err.Error())
		}
		paramSchemas[method] = schema
	}
}

var rawParamSchemas = map[string]string{
	"create_task": `{
		"type": "object",
		"required": ["code", "name"],
		"properties": {
			"code": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"owner_agent_name": {"type": "string"}
		}
	}`,
	"update_task": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer"},
			"name": {"type": "string"},
			"description": {"type": "string"},
			"owner_agent_name": {"type": ["string", "null"]}
		}
	}`,
	"set_task_state": `{
		"type": "object",
		"required": ["id", "state"],
		"properties": {
			"id": {"type": "integer"},
			"state": {"type": "string", "enum": ["Created", "InProgress", "Blocked", "Review", "Done", "Archived"]}
		}
	}`,
	"get_task_by_id": `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "integer"}}
	}`,
	"get_task_by_code": `{
		"type": "object",
		"required": ["code"],
		"properties": {"code": {"type": "string", "minLength": 1}}
	}`,
	"list_tasks": `{
		"type": "object",
		"properties": {
			"owner": {"type": "string"},
			"state": {"type": "string"},
			"created_after": {"type": "string"},
			"created_before": {"type": "string"},
			"completed_after": {"type": "string"},
			"completed_before": {"type": "string"},
			"limit": {"type": "integer"},
			"offset": {"type": "integer"}
		}
	}`,
	"assign_task": `{
		"type": "object",
		"required": ["id", "new_owner"],
		"properties": {
			"id": {"type": "integer"},
			"new_owner": {"type": "string", "minLength": 1}
		}
	}`,
	"archive_task": `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "integer"}}
	}`,
	"discover_work": `{
		"type": "object",
		"required": ["agent_name"],
		"properties": {
			"agent_name": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"max_tasks": {"type": "integer"}
		}
	}`,
	"claim_task": `{
		"type": "object",
		"required": ["task_id", "agent_name"],
		"properties": {
			"task_id": {"type": "integer"},
			"agent_name": {"type": "string", "minLength": 1}
		}
	}`,
	"release_task": `{
		"type": "object",
		"required": ["task_id", "agent_name"],
		"properties": {
			"task_id": {"type": "integer"},
			"agent_name": {"type": "string", "minLength": 1}
		}
	}`,
	"start_work_session": `{
		"type": "object",
		"required": ["task_id", "agent_name"],
		"properties": {
			"task_id": {"type": "integer"},
			"agent_name": {"type": "string", "minLength": 1}
		}
	}`,
	"end_work_session": `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "integer"},
			"notes": {"type": "string"},
			"productivity_score": {"type": "number"}
		}
	}`,
	"create_task_message": `{
		"type": "object",
		"required": ["task_code", "author_agent_name", "message_type", "content"],
		"properties": {
			"task_code": {"type": "string", "minLength": 1},
			"author_agent_name": {"type": "string", "minLength": 1},
			"target_agent_name": {"type": "string"},
			"message_type": {"type": "string", "minLength": 1},
			"content": {"type": "string", "minLength": 1},
			"reply_to_message_id": {"type": "integer"}
		}
	}`,
	"get_task_messages": `{
		"type": "object",
		"required": ["task_code"],
		"properties": {
			"task_code": {"type": "string", "minLength": 1},
			"author_agent_name": {"type": "string"},
			"target_agent_name": {"type": ["string", "null"]},
			"message_type": {"type": "string"},
			"reply_to_message_id": {"type": "integer"},
			"limit": {"type": "integer"}
		}
	}`,
	"health_check": `{"type": "object"}`,
}
