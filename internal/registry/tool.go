package registry

import (
	"encoding/json"
	"fmt"
)

// Tool is one real tool descriptor. Unknown fields from the backend are kept
// in Extra and written back unchanged.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Server is the owning backend for namespaced tools.
	Server string
	// OriginalName is the backend-local name before namespacing.
	OriginalName string

	Extra map[string]json.RawMessage
}

const (
	fieldName         = "name"
	fieldDescription  = "description"
	fieldInputSchema  = "inputSchema"
	fieldServer       = "_server"
	fieldOriginalName = "_original_name"
)

// MarshalJSON writes the tool in wire shape.
func (t Tool) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(t.Extra)+5)
	for k, v := range t.Extra {
		m[k] = v
	}
	m[fieldName] = t.Name
	m[fieldDescription] = t.Description
	if len(t.InputSchema) > 0 {
		m[fieldInputSchema] = t.InputSchema
	} else {
		m[fieldInputSchema] = map[string]any{"type": "object"}
	}
	if t.Server != "" {
		m[fieldServer] = t.Server
	}
	if t.OriginalName != "" {
		m[fieldOriginalName] = t.OriginalName
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads a wire tool, keeping unknown fields.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("tool is not an object")
	}
	*t = Tool{}

	if err := takeString(fields, fieldName, &t.Name); err != nil {
		return err
	}
	if err := takeString(fields, fieldDescription, &t.Description); err != nil {
		return err
	}
	if err := takeString(fields, fieldServer, &t.Server); err != nil {
		return err
	}
	if err := takeString(fields, fieldOriginalName, &t.OriginalName); err != nil {
		return err
	}
	if raw, ok := fields[fieldInputSchema]; ok {
		t.InputSchema = raw
		delete(fields, fieldInputSchema)
	}
	if len(fields) > 0 {
		t.Extra = fields
	}
	return nil
}

func takeString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("tool field %s: %w", key, err)
	}
	return nil
}

// Namespaced returns a copy of t qualified as "<server>::<name>" with its
// description prefixed by "[<server>]".
func (t Tool) Namespaced(server, sep string) Tool {
	out := t
	out.OriginalName = t.Name
	out.Server = server
	out.Name = server + sep + t.Name
	out.Description = "[" + server + "] " + t.Description
	return out
}

// DecodeToolList extracts the tools array from a tools/list result.
func DecodeToolList(result json.RawMessage) ([]Tool, error) {
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return res.Tools, nil
}
