package universal

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the event envelope. The data property
// is an anyOf over every payload type.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{}
	root := r.Reflect(&Event{})
	if root.Definitions == nil {
		root.Definitions = jsonschema.Definitions{}
	}

	seen := map[string]bool{}
	var variants []*jsonschema.Schema
	for _, t := range EventTypes() {
		payload := newData(t)
		name := reflect.TypeOf(payload).Elem().Name()
		if seen[name] {
			continue
		}
		seen[name] = true
		sub := r.Reflect(payload)
		for k, v := range sub.Definitions {
			root.Definitions[k] = v
		}
		variants = append(variants, &jsonschema.Schema{Ref: "#/$defs/" + name})
	}

	if ev, ok := root.Definitions["Event"]; ok && ev.Properties != nil {
		if data, ok := ev.Properties.Get("data"); ok {
			data.AnyOf = variants
		}
	}
	root.Version = jsonschema.Version
	root.Title = "agentd universal event v" + SchemaVersion
	return root
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
