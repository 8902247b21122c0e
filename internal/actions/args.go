package actions

import (
	"fmt"
	"strconv"
	"strings"

	"planepi/internal/planeapi"
)

// Args are the keyword arguments of one method call, as decoded from a tool
// call.
type Args map[string]any

func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	default:
		return nil
	}
}

func (a Args) Has(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return true
}

func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Body is the request body for the call: every argument except the ones
// addressing the target.
func (a Args) Body(route ...string) planeapi.Object {
	skip := make(map[string]bool, len(route))
	for _, r := range route {
		skip[r] = true
	}
	out := planeapi.Object{}
	for k, v := range a {
		if skip[k] || strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// Missing lists the required arguments of m not present in a.
func Missing(m Method, a Args) []string {
	var out []string
	for _, r := range m.Spec().Required {
		if !a.Has(r) {
			out = append(out, r)
		}
	}
	return out
}
