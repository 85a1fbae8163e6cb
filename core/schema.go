package core

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	xerrors "github.com/civiccaption/flexcore/errors"
)

// Payload schemas keep operator-submitted job parameters honest before a
// worker ever leases the job. Scheduler payloads come from configuration
// and are validated the same way at startup.
var payloadSchemas = map[string]string{
	TemplateProcessRecentVODs: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"recent_n": {"type": "integer", "minimum": 1},
			"volumes": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TemplateProcessSingleVOD: `{
		"type": "object",
		"required": ["recording", "volume_label"],
		"properties": {
			"recording": {"type": "object"},
			"volume_label": {"type": "string"},
			"cablecast_show_id": {"type": "integer"},
			"replace_sidecar": {"type": "boolean"}
		}
	}`,
	TemplateCaptionCheck: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"volumes": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TemplateCleanup: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"max_age_hours": {"type": "integer", "minimum": 1}
		}
	}`,
}

var compiledSchemas = func() map[string]*gojsonschema.Schema {
	out := map[string]*gojsonschema.Schema{}
	for name, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid payload schema for template %s: %s", name, err))
		}
		out[name] = schema
	}
	return out
}()

// ValidatePayload checks payload against templateName's schema. A nil or
// empty payload is always valid (templates have usable defaults); an
// invalid one is an unretriable bad-input error.
func ValidatePayload(templateName string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	schema, ok := compiledSchemas[templateName]
	if !ok {
		return fmt.Errorf("unknown job template %s", templateName)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return xerrors.Unretriable(fmt.Errorf("payload for %s is not valid json: %w", templateName, err))
	}
	if !result.Valid() {
		return xerrors.Unretriable(fmt.Errorf("payload for %s failed schema validation: %v", templateName, result.Errors()))
	}
	return nil
}
