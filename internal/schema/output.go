package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// CheckOutput decodes raw model output and verifies every required
// top-level key is present.
func CheckOutput(raw []byte, required []string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "output is not a JSON object")
	}
	if out == nil {
		return nil, eris.New("output is null")
	}
	missing := make([]string, 0)
	for _, k := range required {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("output is missing required keys %v", missing)
	}
	return out, nil
}

// Flatten expands nested output into flat rows keyed by dotted feature path.
// Each element of the deepest arrays becomes one row and the scalar fields
// of its enclosing objects are repeated on it. Sibling arrays contribute
// separate rows rather than a cross product.
func Flatten(output map[string]any) []map[string]string {
	return flattenObject("", output)
}

func flattenObject(prefix string, obj map[string]any) []map[string]string {
	base := map[string]string{}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var nested [][]map[string]string
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch v := obj[k].(type) {
		case map[string]any:
			nested = append(nested, flattenObject(path, v))
		case []any:
			if rows, ok := flattenArray(path, v); ok {
				nested = append(nested, rows)
			} else {
				base[path] = joinScalars(v)
			}
		default:
			base[path] = scalarString(v)
		}
	}

	var rows []map[string]string
	for _, group := range nested {
		for _, r := range group {
			merged := make(map[string]string, len(base)+len(r))
			for k, v := range base {
				merged[k] = v
			}
			for k, v := range r {
				merged[k] = v
			}
			rows = append(rows, merged)
		}
	}
	if len(rows) == 0 {
		rows = []map[string]string{base}
	}
	return rows
}

// flattenArray handles arrays of objects; ok is false for scalar arrays.
func flattenArray(path string, arr []any) ([]map[string]string, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	var rows []map[string]string
	for _, el := range arr {
		obj, isObj := el.(map[string]any)
		if !isObj {
			return nil, false
		}
		rows = append(rows, flattenObject(path, obj)...)
	}
	return rows, true
}

func joinScalars(arr []any) string {
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = scalarString(v)
	}
	return strings.Join(parts, "; ")
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
