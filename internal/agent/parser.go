package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"chanbridge/internal/domain"
)

// textToolCall is the shape small models use when they write a tool call
// into the reply text instead of the structured field.
type textToolCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

// parseTextToolCalls finds a tool call (or an array of them) written as JSON
// anywhere in content: bare, inside a ``` fence, or between prose. Names are
// matched against known loosely ("read-file" and "ReadFile" both resolve to
// "read_file"). It returns nil unless every call names a known tool.
func parseTextToolCalls(content string, known map[string]bool) []domain.ToolCall {
	content = unfence(strings.TrimSpace(content))
	if content == "" {
		return nil
	}
	for i := 0; i < len(content); i++ {
		if content[i] != '{' && content[i] != '[' {
			continue
		}
		raw, ok := firstJSONValue(content[i:])
		if !ok {
			continue
		}
		if calls := decodeCalls(raw, known); calls != nil {
			return calls
		}
		// A rejected value is rejected whole; its nested objects are not
		// candidates on their own.
		i += valueLen(content[i:]) - 1
	}
	return nil
}

// valueLen returns the length of the bracketed value at the start of s, or
// len(s) if it never closes. Brackets inside strings are ignored.
func valueLen(s string) int {
	depth, inString := 0, false
	for j := 0; j < len(s); j++ {
		switch c := s[j]; {
		case inString && c == '\\':
			j++
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(s)
}

func unfence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// firstJSONValue returns the JSON value that starts s, retrying once with
// invalid escapes repaired.
func firstJSONValue(s string) (json.RawMessage, bool) {
	for _, candidate := range []string{s, repairEscapes(s)} {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(candidate)).Decode(&raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}

func decodeCalls(raw json.RawMessage, known map[string]bool) []domain.ToolCall {
	var batch []textToolCall
	if raw[0] == '[' {
		if json.Unmarshal(raw, &batch) != nil {
			return nil
		}
	} else {
		var one textToolCall
		if json.Unmarshal(raw, &one) != nil {
			return nil
		}
		batch = []textToolCall{one}
	}

	calls := make([]domain.ToolCall, 0, len(batch))
	for _, tc := range batch {
		name, ok := matchTool(tc.Name, known)
		if !ok {
			return nil
		}
		args := tc.Arguments
		if args == nil {
			args = tc.Parameters
		}
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, domain.ToolCall{ID: "text_" + uuid.NewString(), Name: name, Arguments: args})
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

func matchTool(name string, known map[string]bool) (string, bool) {
	if name == "" {
		return "", false
	}
	if known[name] {
		return name, true
	}
	want := toolKey(name)
	for k := range known {
		if toolKey(k) == want {
			return k, true
		}
	}
	return "", false
}

func toolKey(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToLower(name))
}

// repairEscapes drops the backslash from escape sequences JSON does not
// allow (\% or \Y, say) inside string literals.
func repairEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inString = !inString
		case inString && c == '\\' && i+1 < len(s):
			if strings.IndexByte(`"\/bfnrtu`, s[i+1]) < 0 {
				continue
			}
			b.WriteByte(c)
			i++
			c = s[i]
		}
		b.WriteByte(c)
	}
	return b.String()
}

// stripRolePrefix removes a leaked "assistant" role label from the start of a
// reply.
func stripRolePrefix(content string) string {
	head, rest, found := strings.Cut(content, "\n")
	if !found {
		head, rest, found = strings.Cut(content, ": ")
	}
	if !found {
		return content
	}
	if label := strings.TrimSuffix(strings.TrimSpace(head), ":"); strings.EqualFold(label, "assistant") {
		return strings.TrimSpace(rest)
	}
	return content
}
