package hooks

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coworkos/cowork/internal/config"
)

// matchMapping finds the first mapping whose path, headers and JSON-pointer
// body predicates all hold. Predicates are purely declarative equality
// checks; nothing from configuration is ever evaluated as an expression.
func (s *Server) matchMapping(path string, headers http.Header, body []byte) *config.HookMapping {
	for i := range s.cfg.Mappings {
		m := &s.cfg.Mappings[i]
		if m.Path != path {
			continue
		}
		if !headersMatch(m.Headers, headers) {
			continue
		}
		if !bodyMatch(m.Body, body) {
			continue
		}
		return m
	}
	return nil
}

func headersMatch(want map[string]string, got http.Header) bool {
	for key, value := range want {
		if got.Get(key) != value {
			return false
		}
	}
	return true
}

// bodyMatch checks JSON-pointer equality predicates ("/a/b" -> "value")
// against the request body.
func bodyMatch(want map[string]string, body []byte) bool {
	if len(want) == 0 {
		return true
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	for pointer, value := range want {
		got, ok := resolvePointer(doc, pointer)
		if !ok || got != value {
			return false
		}
	}
	return true
}

// resolvePointer walks a JSON pointer and stringifies the leaf.
func resolvePointer(doc any, pointer string) (string, bool) {
	if pointer == "" || pointer == "/" {
		return "", false
	}
	current := doc
	for _, part := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	switch v := current.(type) {
	case string:
		return v, true
	case float64:
		data, _ := json.Marshal(v)
		return string(data), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
