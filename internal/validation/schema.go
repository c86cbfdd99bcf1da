package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/modelexchange/mxf/pkg/models"
)

// schemaCompiler compiles and caches tool input schemas, following the
// teacher's pluginsdk.compileSchema pattern.
type schemaCompiler struct {
	mu     sync.Mutex
	cached map[string]*jsonschema.Schema
}

func newSchemaCompiler() *schemaCompiler {
	return &schemaCompiler{cached: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCompiler) compile(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := toolName + ":" + string(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.cached[key]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(toolName+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	c.cached[key] = s
	return s, nil
}

// schemaCheck runs pipeline stage 2: structural validation of input
// against the tool's declared schema.
func schemaCheck(compiler *schemaCompiler, def models.ToolDefinition, input map[string]any) []models.Finding {
	if len(def.InputSchema) == 0 {
		return nil
	}

	schema, err := compiler.compile(def.Name, def.InputSchema)
	if err != nil {
		return []models.Finding{{
			Kind:     models.FindingSchema,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("tool %q has an invalid input schema: %v", def.Name, err),
		}}
	}

	if err := schema.Validate(toAny(input)); err != nil {
		return flattenSchemaError(err)
	}
	return nil
}

// toAny round-trips through JSON so map[string]any values (e.g. plain
// Go ints) match the types jsonschema's validator expects from decoded
// JSON (float64, etc).
func toAny(input map[string]any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return input
	}
	return decoded
}

func flattenSchemaError(err error) []models.Finding {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []models.Finding{{Kind: models.FindingSchema, Severity: models.SeverityHigh, Message: err.Error()}}
	}

	var findings []models.Finding
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			findings = append(findings, models.Finding{
				Kind:     models.FindingSchema,
				Severity: classifySchemaMessage(e.Message),
				Message:  fmt.Sprintf("%s: %s", e.InstanceLocation, e.Message),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return findings
}

// classifySchemaMessage assigns severity: missing required fields and
// type mismatches are high; unknown extra fields are medium.
func classifySchemaMessage(msg string) models.Severity {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "missing properties"):
		return models.SeverityHigh
	case strings.Contains(lower, "expected") && strings.Contains(lower, "but got"):
		return models.SeverityHigh
	case strings.Contains(lower, "additional properties"), strings.Contains(lower, "additionalproperties"):
		return models.SeverityMedium
	default:
		return models.SeverityHigh
	}
}
