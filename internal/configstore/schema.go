package configstore

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Section names, also the primary keys of config_sections.
const (
	SectionPolicy  = "policy"
	SectionSync    = "sync"
	SectionStorage = "storage"
	SectionAI      = "ai"
)

var sectionNames = []string{SectionPolicy, SectionSync, SectionStorage, SectionAI}

var sectionSchemaSources = map[string]string{
	SectionPolicy: `{
		"type": "object",
		"required": ["white_list", "black_list"],
		"properties": {
			"white_list": {"type": "array", "items": {"type": "integer"}},
			"black_list": {"type": "array", "items": {"type": "integer"}}
		}
	}`,
	SectionSync: `{
		"type": "object",
		"properties": {
			"available_cache_ttl_sec": {"type": "integer", "minimum": 0}
		}
	}`,
	SectionStorage: `{
		"type": "object",
		"properties": {
			"auto_clean_enabled": {"type": "boolean"},
			"media_retention_days": {"type": "integer", "minimum": 0}
		}
	}`,
	SectionAI: `{
		"type": "object",
		"properties": {
			"provider": {"type": "string"},
			"base_url": {"type": "string"},
			"model": {"type": "string"},
			"api_key": {"type": "string"}
		}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(sectionSchemaSources))
		for name, src := range sectionSchemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemasErr = fmt.Errorf("parsing %s schema: %w", name, err)
				return
			}
			if err := c.AddResource(schemaURL(name), doc); err != nil {
				schemasErr = fmt.Errorf("adding %s schema: %w", name, err)
				return
			}
		}
		for name := range sectionSchemaSources {
			sch, err := c.Compile(schemaURL(name))
			if err != nil {
				schemasErr = fmt.Errorf("compiling %s schema: %w", name, err)
				return
			}
			out[name] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

func schemaURL(section string) string {
	return "http://tgsearch.local/schemas/config/" + section + ".json"
}

// validateSection checks that body is well-formed JSON matching the schema
// of section.
func validateSection(section string, body []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := all[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("decoding %s section: %w", section, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("validating %s section: %w", section, err)
	}
	return nil
}
