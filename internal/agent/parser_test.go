package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var knownTools = map[string]bool{"read_file": true, "list_dir": true, "system_info": true}

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		arg     any
	}{
		{"bare object", `{"name": "list_dir", "arguments": {"path": "docs"}}`, []string{"list_dir"}, "docs"},
		{"parameters field", `{"name": "read_file", "parameters": {"path": "/tmp/a.txt"}}`, []string{"read_file"}, "/tmp/a.txt"},
		{"array", `[{"name": "list_dir", "arguments": {"path": "."}}, {"name": "system_info"}]`, []string{"list_dir", "system_info"}, "."},
		{"fenced", "```json\n{\"name\": \"list_dir\", \"arguments\": {\"path\": \"notes\"}}\n```", []string{"list_dir"}, "notes"},
		{"between prose", "Sure.\n{\"name\":\"read_file\",\"arguments\":{\"path\":\"x\"}}\nOne moment.", []string{"read_file"}, "x"},
		{"loose name", `{"name": "Read-File", "arguments": {"path": "y"}}`, []string{"read_file"}, "y"},
		{"invalid escape repaired", `{"name": "read_file", "arguments": {"path": "C:\Users\me"}}`, []string{"read_file"}, `C:Usersme`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content, knownTools)
			require.Len(t, calls, len(tt.want))
			for i, name := range tt.want {
				assert.Equal(t, name, calls[i].Name)
				assert.True(t, strings.HasPrefix(calls[i].ID, "text_"))
				assert.NotNil(t, calls[i].Arguments)
			}
			assert.Equal(t, tt.arg, calls[0].Arguments["path"])
		})
	}
}

func TestParseTextToolCalls_Rejects(t *testing.T) {
	for name, content := range map[string]string{
		"plain text":   "Sure, let me help you with that!",
		"empty":        "",
		"empty name":   `{"name": "", "arguments": {}}`,
		"unknown tool": `{"name": "rm_rf", "arguments": {}}`,
		"one unknown":  `[{"name": "list_dir"}, {"name": "shell"}]`,
		"nested call":  `{"tool": {"name": "list_dir", "arguments": {}}}`,
		"after prose":  "Running these:\n[{\"name\": \"system_info\"}, {\"name\": \"rm_rf\"}]",
		"citation":     "As noted in [1], the answer is 4.",
		"broken json":  `{"name": "list_dir", "arguments": {`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, parseTextToolCalls(content, knownTools))
		})
	}
}

func TestValueLen(t *testing.T) {
	assert.Equal(t, 2, valueLen(`{}`))
	assert.Equal(t, 13, valueLen(`[{"a": "]}"}] tail`))
	assert.Equal(t, 12, valueLen(`{"p":"a\"}"} x`))
	assert.Equal(t, 5, valueLen(`{"a":`))
}

func TestRepairEscapes(t *testing.T) {
	assert.Equal(t, `{"p":"a%b"}`, repairEscapes(`{"p":"a\%b"}`))
	assert.Equal(t, `{"p":"line\n\"q\" \\ \u00e9"}`, repairEscapes(`{"p":"line\n\"q\" \\ \u00e9"}`))
	assert.Equal(t, `{"n":1}`, repairEscapes(`{"n":1}`))
	assert.Equal(t, "", repairEscapes(""))
}

func TestStripRolePrefix(t *testing.T) {
	tests := map[string]string{
		"assistant\nHello":   "Hello",
		"Assistant:\nHello":  "Hello",
		"Assistant: Hello":   "Hello",
		"Hello there":        "Hello there",
		"Note: keep this":    "Note: keep this",
		"First line\nsecond": "First line\nsecond",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripRolePrefix(in), in)
	}
}
