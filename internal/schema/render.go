package schema

import (
	"encoding/json"
)

// JSONSchema renders the tree as a root object schema.
func (t *Tree) JSONSchema() map[string]any {
	return objectSchema(t.Root)
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.JSONSchema())
}

// RootRequired lists the top-level keys a conforming output must carry.
func (t *Tree) RootRequired() []string {
	return append([]string(nil), t.Root.Required...)
}

func objectSchema(c *Container) map[string]any {
	props := make(map[string]any, len(c.Children))
	for _, ch := range c.Children {
		props[ch.Name] = nodeSchema(ch.Node)
	}
	required := make([]any, len(c.Required))
	for i, r := range c.Required {
		required[i] = r
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func nodeSchema(n Node) map[string]any {
	switch v := n.(type) {
	case *Leaf:
		return copyMap(v.Fragment)
	case *Container:
		out := copyMap(v.Extra)
		out["type"] = "array"
		out["description"] = v.Description
		out["items"] = objectSchema(v)
		return out
	}
	return map[string]any{}
}

// Function renders the tree as a strict OpenAI function definition.
func (t *Tree) Function(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"description": description,
		"parameters":  t.JSONSchema(),
		"strict":      true,
	}
}

// ResponseFormat renders the tree as a strict json_schema response format.
func (t *Tree) ResponseFormat(name string) map[string]any {
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   name,
			"schema": t.JSONSchema(),
			"strict": true,
		},
	}
}
