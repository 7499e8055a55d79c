package llmenvoy

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExtractDecision pulls a structured decision object out of raw LLM text,
// trying progressively looser strategies. Ported from the donor's
// LLMResponseParser.parse_llm_response five-strategy cascade: direct
// parse, markdown fence, bracket-counted plain text, YAML, then
// key:value line scraping. Returns the parsed map and whether a
// structured object was actually found (false means either the fallback
// wrapper below was used or, for an empty response, an {"error": ...}
// map was returned).
func ExtractDecision(response string) (map[string]interface{}, bool) {
	response = strings.TrimSpace(response)
	if response == "" {
		return map[string]interface{}{"error": "empty response"}, false
	}

	if data, ok := tryUnmarshalJSON(response); ok {
		return data, true
	}

	if fenced, ok := extractFromMarkdown(response); ok {
		if data, ok := tryUnmarshalJSON(fenced); ok {
			return data, true
		}
	}

	if plain, ok := extractFromPlainText(response); ok {
		if data, ok := tryUnmarshalJSON(plain); ok {
			return data, true
		}
	}

	if data, ok := tryUnmarshalYAML(response); ok {
		return data, true
	}

	if data, ok := extractKeyValueLines(response); ok {
		return data, true
	}

	return map[string]interface{}{
		"approach":        "direct_response",
		"reasoning":       "Could not parse as structured data",
		"response":        response,
		"parse_attempted": true,
	}, false
}

func tryUnmarshalJSON(s string) (map[string]interface{}, bool) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, false
	}
	return data, true
}

func tryUnmarshalYAML(s string) (map[string]interface{}, bool) {
	var data map[string]interface{}
	if err := yaml.Unmarshal([]byte(s), &data); err != nil || data == nil {
		return nil, false
	}
	return normalizeYAMLMap(data), true
}

// normalizeYAMLMap recursively converts map[interface{}]interface{} nodes
// (yaml.v3 can surface these for nested structures) into map[string]interface{}
// so downstream json.Marshal round-trips cleanly.
func normalizeYAMLMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalizeYAMLMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeYAMLValue(e)
		}
		return out
	default:
		return t
	}
}

var (
	jsonFenceRe   = regexp.MustCompile("(?is)```json\\s*\\n(.*?)\\n```")
	genericFenceRe = regexp.MustCompile("(?is)```\\s*\\n(.*?)\\n```")
	inlineCodeRe  = regexp.MustCompile("(?is)`(.*?)`")
)

func extractFromMarkdown(text string) (string, bool) {
	for _, re := range []*regexp.Regexp{jsonFenceRe, genericFenceRe, inlineCodeRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			candidate := strings.TrimSpace(m[1])
			if _, ok := tryUnmarshalJSON(candidate); ok {
				return candidate, true
			}
		}
	}
	return "", false
}

// extractFromPlainText finds the first balanced {...} or [...] span and
// returns it if it parses as a JSON object — the bracket-counting fallback
// for responses that embed JSON in prose without fences. A [...] span is
// never returned, since a JSON array does not parse as an object.
func extractFromPlainText(text string) (string, bool) {
	pairs := []struct{ open, close byte }{{'{', '}'}, {'[', ']'}}
	for _, p := range pairs {
		start := strings.IndexByte(text, p.open)
		if start == -1 {
			continue
		}
		depth := 0
		for i := start; i < len(text); i++ {
			switch text[i] {
			case p.open:
				depth++
			case p.close:
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if _, ok := tryUnmarshalJSON(candidate); ok {
						return candidate, true
					}
					i = len(text) // no nested retry, matches the single-pass donor behavior
				}
			}
		}
	}
	return "", false
}

var kvLineRe = regexp.MustCompile(`^([^:=]+)[:=]\s*(.+)$`)

// extractKeyValueLines scrapes "key: value" / "key = value" lines, the
// last-resort strategy before falling back to a direct_response wrapper.
func extractKeyValueLines(text string) (map[string]interface{}, bool) {
	out := map[string]interface{}{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		m := kvLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_"))
		value := strings.TrimSpace(m[2])
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// NormalizeDecision validates and fills in the decision structure the
// planner expects, mirroring validate_decision_structure: ensures
// approach/reasoning are present and approach is one of the known values.
func NormalizeDecision(data map[string]interface{}) map[string]interface{} {
	if _, hasResponse := data["response"]; hasResponse {
		if _, hasApproach := data["approach"]; !hasApproach {
			return map[string]interface{}{
				"approach":  "direct_response",
				"reasoning": "direct response provided",
				"response":  data["response"],
			}
		}
	}

	if _, ok := data["approach"]; !ok {
		switch {
		case hasAnyKey(data, "steps", "agents", "tasks", "workflow", "execution_plan"):
			data["approach"] = "agent_coordination"
		case hasAnyKey(data, "tools", "mcp"):
			data["approach"] = "mcp_tools"
		default:
			data["approach"] = "direct_response"
		}
	}

	if _, ok := data["reasoning"]; !ok {
		data["reasoning"] = "decision made based on task description"
	}

	switch data["approach"] {
	case "agent_coordination", "direct_response", "mcp_tools":
	default:
		data["approach"] = "direct_response"
		data["reasoning"] = "invalid approach specified, defaulting to direct_response"
	}

	return data
}

func hasAnyKey(data map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := data[k]; ok {
			return true
		}
	}
	return false
}
