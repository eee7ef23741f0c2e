package taskservice

// payloadSchemas holds one compiled-at-startup JSON Schema literal per task
// kind, validated against the marshaled payload before create/createIfNotExists.
var payloadSchemas = map[string]string{
	"observation": `{
		"type": "object",
		"required": ["sessionId", "project", "toolName"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"project":   {"type": "string", "minLength": 1},
			"toolName":  {"type": "string", "minLength": 1}
		}
	}`,
	"summarize": `{
		"type": "object",
		"required": ["sessionId", "project"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"project":   {"type": "string", "minLength": 1}
		}
	}`,
	"embedding": `{
		"type": "object",
		"required": ["observationIds"],
		"properties": {
			"observationIds": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 1
			}
		}
	}`,
	"context-generate": `{
		"type": "object",
		"required": ["project"],
		"properties": {
			"project": {"type": "string", "minLength": 1},
			"limit":   {"type": "integer", "minimum": 0}
		}
	}`,
	"claude-md": `{
		"type": "object",
		"required": ["contentSessionId", "memorySessionId", "project"],
		"properties": {
			"contentSessionId": {"type": "string", "minLength": 1},
			"memorySessionId":  {"type": "string", "minLength": 1},
			"project":          {"type": "string", "minLength": 1}
		}
	}`,
	"semantic-search": `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 0}
		}
	}`,
}
