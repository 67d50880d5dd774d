package team

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jazware/trends/pkg/schema"
)

func unmarshalProperties(raw string, out *[]schema.PropertyFilter) error {
	return json.Unmarshal([]byte(raw), out)
}

// SQLPropertyCompiler is the default property-filter compiler: it renders
// filters against the JSON properties column of the events table. It covers
// the common operators; anything richer belongs in a dedicated compiler.
type SQLPropertyCompiler struct{}

func (SQLPropertyCompiler) propertyExpr(f schema.PropertyFilter) (string, []any, error) {
	switch f.Type {
	case "person":
		return "JSONExtractString(person_properties, ?)", []any{f.Key}, nil
	case "group":
		if f.GroupTypeIndex == nil {
			return "", nil, fmt.Errorf("group property filter %q missing group_type_index", f.Key)
		}
		return fmt.Sprintf("JSONExtractString(group_%d_properties, ?)", *f.GroupTypeIndex), []any{f.Key}, nil
	case "session":
		return "JSONExtractString(session_properties, ?)", []any{f.Key}, nil
	default: // event properties
		return "JSONExtractString(properties, ?)", []any{f.Key}, nil
	}
}

// Compile renders the filters to one AND-joined WHERE fragment.
func (c SQLPropertyCompiler) Compile(filters []schema.PropertyFilter, _ *Team) (string, []any, error) {
	var parts []string
	var args []any

	for _, f := range filters {
		expr, exprArgs, err := c.propertyExpr(f)
		if err != nil {
			return "", nil, err
		}

		op := f.Operator
		if op == "" {
			op = "exact"
		}
		switch op {
		case "exact":
			values := filterValues(f.Value)
			if len(values) == 0 {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", expr, placeholders(len(values))))
			args = append(args, exprArgs...)
			args = append(args, values...)
		case "is_not":
			values := filterValues(f.Value)
			if len(values) == 0 {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s NOT IN (%s)", expr, placeholders(len(values))))
			args = append(args, exprArgs...)
			args = append(args, values...)
		case "icontains":
			parts = append(parts, fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", expr))
			args = append(args, exprArgs...)
			args = append(args, fmt.Sprintf("%v", f.Value))
		case "not_icontains":
			parts = append(parts, fmt.Sprintf("positionCaseInsensitive(%s, ?) = 0", expr))
			args = append(args, exprArgs...)
			args = append(args, fmt.Sprintf("%v", f.Value))
		case "regex":
			parts = append(parts, fmt.Sprintf("match(%s, ?)", expr))
			args = append(args, exprArgs...)
			args = append(args, fmt.Sprintf("%v", f.Value))
		case "not_regex":
			parts = append(parts, fmt.Sprintf("NOT match(%s, ?)", expr))
			args = append(args, exprArgs...)
			args = append(args, fmt.Sprintf("%v", f.Value))
		case "is_set":
			parts = append(parts, fmt.Sprintf("%s != ''", expr))
			args = append(args, exprArgs...)
		case "is_not_set":
			parts = append(parts, fmt.Sprintf("%s = ''", expr))
			args = append(args, exprArgs...)
		case "gt", "gte", "lt", "lte":
			cmp := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
			parts = append(parts, fmt.Sprintf("toFloat64OrNull(%s) %s ?", expr, cmp))
			args = append(args, exprArgs...)
			args = append(args, f.Value)
		default:
			return "", nil, fmt.Errorf("unsupported property operator %q", op)
		}
	}

	if len(parts) == 0 {
		return "", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// filterValues normalizes a filter value into a flat list.
func filterValues(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	default:
		return []any{vv}
	}
}
