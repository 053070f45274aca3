package reconciler

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/idompolo/call-agent-sub001/errors"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// schemaFor names the embedded base document of each kind and the fields
// an event of that kind must carry after normalization.
var schemaFor = map[Kind]struct {
	file     string
	required []string
}{
	KindSnapshot:       {"order.json", []string{"id"}},
	KindAdded:          {"order.json", []string{"id"}},
	KindModified:       {"order.json", []string{"id"}},
	KindAccepted:       {"order.json", []string{"id"}},
	KindCancelled:      {"order.json", []string{"id"}},
	KindAction:         {"order.json", []string{"id", "actions"}},
	KindAgentSelected:  {"order.json", []string{"id", "selectAgent"}},
	KindChat:           {"chat.json", []string{"id", "text"}},
	KindAgentConnected: {"presence.json", []string{"agentId"}},
	KindLocationBatch:  {"location.json", []string{"id", "lat", "lng"}},
}

type validator struct {
	schemas map[Kind]*gojsonschema.Schema
}

func newValidator() (*validator, error) {
	v := &validator{schemas: make(map[Kind]*gojsonschema.Schema, len(schemaFor))}
	bases := make(map[string]map[string]any)

	for kind, def := range schemaFor {
		base, ok := bases[def.file]
		if !ok {
			data, err := schemaFiles.ReadFile("schemas/" + def.file)
			if err != nil {
				return nil, errors.WrapFatal(err, "reconciler", "newValidator", "read "+def.file)
			}
			if err := json.Unmarshal(data, &base); err != nil {
				return nil, errors.WrapFatal(err, "reconciler", "newValidator", "parse "+def.file)
			}
			bases[def.file] = base
		}

		doc := make(map[string]any, len(base)+1)
		for k, val := range base {
			doc[k] = val
		}
		doc["required"] = def.required

		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return nil, errors.WrapFatal(err, "reconciler", "newValidator", "compile schema for "+string(kind))
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// validate checks one canonical object. Location batches are validated
// per fix and snapshots per order.
func (v *validator) validate(kind Kind, doc map[string]any) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: no schema for %s", errors.ErrSchemaMismatch, kind)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrSchemaMismatch, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrSchemaMismatch, strings.Join(msgs, "; "))
}
