package cli

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
)

func TestDecodeToolListPayloadRejectsNonObject(t *testing.T) {
	raw := json.RawMessage(`"search_repositories\tSearch repositories"`)
	if _, err := decodeToolListPayload(raw); err == nil {
		t.Fatal("decodeToolListPayload() error = nil, want non-nil")
	}
}

func TestDecodeToolListPayloadParsesEmptyListAsEmptySlice(t *testing.T) {
	entries, err := decodeToolListPayload(json.RawMessage(`{"tools":[]}`))
	if err != nil {
		t.Fatalf("decodeToolListPayload() error = %v", err)
	}
	if entries == nil {
		t.Fatal("entries = nil, want empty slice")
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("json.Marshal(entries) error = %v", err)
	}
	if string(encoded) != "[]" {
		t.Fatalf("json.Marshal(entries) = %q, want %q", string(encoded), "[]")
	}
}

func TestDecodeToolListPayloadKeepsNamesAndDescriptions(t *testing.T) {
	entries, err := decodeToolListPayload(json.RawMessage(`{"tools":[
		{"name":"builtin:memory::search","description":"[builtin:memory] Search","inputSchema":{"type":"object"}},
		{"name":"discover"}
	]}`))
	if err != nil {
		t.Fatalf("decodeToolListPayload() error = %v", err)
	}
	want := []toolListEntry{
		{Name: "builtin:memory::search", Description: "[builtin:memory] Search"},
		{Name: "discover"},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("entries = %+v, want %+v", entries, want)
	}
}

func TestWriteToolListTextRendersNameAndDescription(t *testing.T) {
	entries := []toolListEntry{
		{Name: "list_issues", Description: "List issues\nwith more detail"},
		{Name: "search_repositories"},
		{Name: "  "},
	}

	var out bytes.Buffer
	if err := writeToolListText(&out, entries, false); err != nil {
		t.Fatalf("writeToolListText() error = %v", err)
	}
	want := "list_issues\tList issues\nsearch_repositories\n"
	if out.String() != want {
		t.Fatalf("writeToolListText() = %q, want %q", out.String(), want)
	}

	out.Reset()
	if err := writeToolListText(&out, entries[:1], true); err != nil {
		t.Fatalf("writeToolListText(verbose) error = %v", err)
	}
	if out.String() != "list_issues\tList issues\nwith more detail\n" {
		t.Fatalf("writeToolListText(verbose) = %q", out.String())
	}
}

func TestToolListNamesSortsAndDeduplicates(t *testing.T) {
	got := toolListNames([]toolListEntry{{Name: "b"}, {Name: "a"}, {Name: "b"}, {Name: ""}})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("toolListNames() = %q, want [a b]", got)
	}
}
