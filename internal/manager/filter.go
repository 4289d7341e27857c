package manager

import (
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// matchEventType accepts an exact match or a path.Match glob such as "task.*".
func matchEventType(pattern, eventType string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || eventType == "" {
		return false
	}
	if pattern == eventType || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}

func compileFilters(exprs []string) ([]*jmespath.JMESPath, error) {
	compiled := make([]*jmespath.JMESPath, 0, len(exprs))
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		jp, err := jmespath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", expr, err)
		}
		compiled = append(compiled, jp)
	}
	return compiled, nil
}

// filterDocument is the value worker filters are evaluated against.
func filterDocument(event Event) map[string]any {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":        event.ID,
		"type":      event.Type,
		"entity_id": event.EntityID,
		"payload":   payload,
	}
}

// acceptsEvent reports whether every filter evaluates truthy.
func acceptsEvent(filters []*jmespath.JMESPath, event Event) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	doc := filterDocument(event)
	for _, jp := range filters {
		result, err := jp.Search(doc)
		if err != nil {
			return false, err
		}
		if !truthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// truthy follows JMESPath: false, null, and empty strings, lists, and objects
// are false; everything else, including 0, is true.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
