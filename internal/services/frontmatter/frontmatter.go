// -----------------------------------------------------------------------
// Frontmatter - YAML frontmatter parsing, merging and rendering for
// Shadow-Twin markdown documents
// -----------------------------------------------------------------------

package frontmatter

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Parse splits a markdown document into its YAML frontmatter and body. A
// document without a frontmatter block returns an empty map and the full text.
func Parse(document string) (map[string]interface{}, string, error) {
	trimmed := strings.TrimLeft(document, "\n\r ")
	if !strings.HasPrefix(trimmed, delimiter) {
		return map[string]interface{}{}, document, nil
	}

	rest := trimmed[len(delimiter):]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return map[string]interface{}{}, document, nil
	}

	block := rest[:end]
	body := rest[end+len(delimiter)+1:]
	body = strings.TrimPrefix(body, "\n")

	fields := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(block), &fields); err != nil {
		return nil, "", fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	return fields, body, nil
}

// Render produces a markdown document with the fields as a YAML frontmatter
// block. An empty field map renders the body alone.
func Render(fields map[string]interface{}, body string) (string, error) {
	if len(fields) == 0 {
		return body, nil
	}

	encoded, err := yaml.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to render frontmatter: %w", err)
	}

	var builder strings.Builder
	builder.WriteString(delimiter)
	builder.WriteString("\n")
	builder.Write(encoded)
	builder.WriteString(delimiter)
	builder.WriteString("\n\n")
	builder.WriteString(strings.TrimPrefix(body, "\n"))
	return builder.String(), nil
}

// Merge overlays incoming metadata onto existing frontmatter. Incoming values
// win on key collision. String values that hold JSON-encoded structures (the
// template service serializes nested fields such as chapters that way) are
// decoded before merging so the frontmatter stores real structures, not
// embedded JSON text.
func Merge(existing, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = decodeValue(value)
	}
	return merged
}

func decodeValue(value interface{}) interface{} {
	text, ok := value.(string)
	if !ok {
		return value
	}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return value
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return value
	}
	return decoded
}
