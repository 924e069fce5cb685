package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/lydakis/mcpbrowser/internal/registry"
)

type toolListEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func decodeToolListPayload(result json.RawMessage) ([]toolListEntry, error) {
	tools, err := registry.DecodeToolList(result)
	if err != nil {
		return nil, fmt.Errorf("invalid tools/list response: %w", err)
	}
	entries := make([]toolListEntry, 0, len(tools))
	for _, tool := range tools {
		entries = append(entries, toolListEntry{Name: tool.Name, Description: tool.Description})
	}
	return entries, nil
}

// writeToolListText prints "name<TAB>description" per tool. Without verbose
// only the first line of each description is kept.
func writeToolListText(w io.Writer, entries []toolListEntry, verbose bool) error {
	var b strings.Builder
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			continue
		}
		b.WriteString(name)
		desc := strings.TrimSpace(entry.Description)
		if !verbose {
			desc, _, _ = strings.Cut(desc, "\n")
		}
		if desc != "" {
			b.WriteByte('\t')
			b.WriteString(desc)
		}
		b.WriteByte('\n')
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("writing tool list: %w", err)
	}
	return nil
}

func toolListNames(entries []toolListEntry) []string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name := strings.TrimSpace(entry.Name); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}
