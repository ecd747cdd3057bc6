package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas, keyed by the name handlers pass to decodeBody.
var requestSchemas = map[string]string{
	"agent.upsert": `{
		"type": "object",
		"required": ["name", "session_key"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"session_key": {"type": "string", "pattern": "^[^:\\s]+:.+$"},
			"role": {"type": "string"},
			"level": {"enum": ["intern", "specialist", "lead"]},
			"status": {"enum": ["idle", "active", "blocked"]},
			"enabled": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"task.create": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"assignee_ids": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"priority": {"enum": ["", "low", "medium", "high", "urgent"]},
			"created_by": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"task.assign": `{
		"type": "object",
		"required": ["assignee_ids"],
		"properties": {
			"assignee_ids": {"type": "array", "items": {"type": "string", "minLength": 1}}
		},
		"additionalProperties": false
	}`,
	"task.transition": `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"enum": ["inbox", "assigned", "in_progress", "review", "done", "blocked"]},
			"blocker_reason": {"type": "string"},
			"evidence_ref": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"task.delegate": `{
		"type": "object",
		"required": ["from_session_key", "to_session_key"],
		"properties": {
			"from_session_key": {"type": "string", "minLength": 1},
			"to_session_key": {"type": "string", "minLength": 1},
			"note": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"task.notify": `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"exclude_agent_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"task.subscribe": `{
		"type": "object",
		"required": ["agent_id"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"message.create": `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"from_agent_id": {"type": "string"},
			"content": {"type": "string", "minLength": 1},
			"attachments": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	"notification.enqueue": `{
		"type": "object",
		"required": ["agent_id", "content"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"task_id": {"type": "string"},
			"content": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"notification.failed": `{
		"type": "object",
		"required": ["error"],
		"properties": {
			"error": {"type": "string"}
		},
		"additionalProperties": false
	}`,
}

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	for name, raw := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if err := c.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	out := make(schemaSet, len(requestSchemas))
	for name := range requestSchemas {
		sch, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

var errBadBody = errors.New("invalid request body")

// decode validates the request body against the named schema and then
// unmarshals it into dst.
func (ss schemaSet) decode(r *http.Request, name string, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	sch, ok := ss[name]
	if !ok {
		return fmt.Errorf("no schema named %q", name)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}
