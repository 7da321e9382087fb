package evolution

import (
	"encoding/json"
	"fmt"
)

// payload is the wire shape of the evolution crew's JSON output:
//
//	{"changes": [{"type": "add_knowledge", ...}, ...]}
type payload struct {
	Changes []map[string]interface{} `json:"changes"`
}

// Parse decodes an evolution crew's raw JSON output into typed Changes.
// Entries of an unrecognized type are not rejected: every change type other
// than add_knowledge/update_knowledge is demoted to a ChangeProposedConfig.
// Entries missing required fields for their recognized type are malformed:
// they are skipped and reported, and parsing continues with the remainder.
func Parse(raw string) ([]Change, []string, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil, fmt.Errorf("decode evolution payload: %w", err)
	}

	changes := make([]Change, 0, len(p.Changes))
	var malformed []string
	for i, m := range p.Changes {
		c, err := parseOne(m)
		if err != nil {
			malformed = append(malformed, fmt.Sprintf("change %d: %v", i, err))
			continue
		}
		changes = append(changes, c)
	}
	return changes, malformed, nil
}

func parseOne(m map[string]interface{}) (Change, error) {
	typ, _ := m["type"].(string)
	switch ChangeType(typ) {
	case ChangeAddKnowledge:
		content := str(m, "content")
		if content == "" {
			return Change{}, fmt.Errorf("add_knowledge missing content")
		}
		return Change{
			Type:     ChangeAddKnowledge,
			Category: str(m, "category"),
			Path:     str(m, "file"),
			Title:    str(m, "title"),
			Content:  content,
			Tags:     strSlice(m, "tags"),
			Reason:   str(m, "reason"),
		}, nil

	case ChangeUpdateKnowledge:
		path := str(m, "file")
		content := str(m, "content")
		op := str(m, "operation")
		if path == "" || content == "" {
			return Change{}, fmt.Errorf("update_knowledge missing file or content")
		}
		if op != "append" && op != "replace" && op != "insert" {
			return Change{}, fmt.Errorf("update_knowledge unknown operation %q", op)
		}
		return Change{
			Type:      ChangeUpdateKnowledge,
			Path:      path,
			Section:   str(m, "section"),
			Content:   content,
			Operation: op,
			Reason:    str(m, "reason"),
		}, nil

	default:
		return Change{
			Type:       ChangeProposedConfig,
			TargetPath: str(m, "target_path"),
			Field:      str(m, "field"),
			Value:      m["value"],
			Reason:     str(m, "reason"),
			RawType:    typ,
			RawPayload: m,
		}, nil
	}
}

// Serialize is Parse's inverse, used by the proposals log and by tests
// asserting a parse/serialize round trip preserves type and fields.
func Serialize(changes []Change) ([]byte, error) {
	raw := make([]map[string]interface{}, 0, len(changes))
	for _, c := range changes {
		raw = append(raw, changeToMap(c))
	}
	return json.Marshal(map[string]interface{}{"changes": raw})
}

func changeToMap(c Change) map[string]interface{} {
	switch c.Type {
	case ChangeAddKnowledge:
		m := map[string]interface{}{
			"type": string(ChangeAddKnowledge), "category": c.Category,
			"file": c.Path, "title": c.Title, "content": c.Content, "reason": c.Reason,
		}
		if len(c.Tags) > 0 {
			m["tags"] = c.Tags
		}
		return m
	case ChangeUpdateKnowledge:
		m := map[string]interface{}{
			"type": string(ChangeUpdateKnowledge), "file": c.Path,
			"content": c.Content, "operation": c.Operation, "reason": c.Reason,
		}
		if c.Section != "" {
			m["section"] = c.Section
		}
		return m
	default:
		if c.RawPayload != nil {
			return c.RawPayload
		}
		return map[string]interface{}{
			"type": c.RawType, "target_path": c.TargetPath,
			"field": c.Field, "value": c.Value, "reason": c.Reason,
		}
	}
}

func str(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func strSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
