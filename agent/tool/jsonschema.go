package tool

import (
	"sort"

	"github.com/cloudwego/eino/schema"
)

// jsonSchema renders the parameters the model sees as a JSON Schema object
// so that arguments are validated against exactly what was advertised.
func jsonSchema(params map[string]*schema.ParameterInfo) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for name, p := range params {
		properties[name] = paramSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func paramSchema(p *schema.ParameterInfo) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.Desc != "" {
		out["description"] = p.Desc
	}
	if len(p.Enum) > 0 {
		enum := make([]any, 0, len(p.Enum))
		for _, v := range p.Enum {
			enum = append(enum, v)
		}
		out["enum"] = enum
	}
	switch p.Type {
	case schema.Array:
		if p.ElemInfo != nil {
			out["items"] = paramSchema(p.ElemInfo)
		}
	case schema.Object:
		if len(p.SubParams) > 0 {
			sub := jsonSchema(p.SubParams)
			out["properties"] = sub["properties"]
			if req, ok := sub["required"]; ok {
				out["required"] = req
			}
		}
	}
	return out
}
