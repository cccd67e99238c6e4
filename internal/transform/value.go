package transform

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/tonal-labs/cantata/pkg/api"
)

func (t *Transformer) extract(value any, tr *api.Transform) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	if tr.Path == "" {
		return value
	}

	var current any = obj
	for _, part := range strings.Split(tr.Path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return tr.Default
		}
		next, ok := m[part]
		if !ok {
			return tr.Default
		}
		current = next
	}
	return current
}

func (t *Transformer) jsonPath(value any, tr *api.Transform) any {
	switch value.(type) {
	case map[string]any, []any:
	default:
		return tr.Default
	}
	if tr.Path == "" {
		return value
	}

	body, err := json.Marshal(value)
	if err != nil {
		return tr.Default
	}

	// Bracketed indexes normalize to dotted segments
	path := strings.NewReplacer("[", ".", "]", "").Replace(tr.Path)
	path = strings.Trim(path, ".")

	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return tr.Default
	}
	return res.Value()
}

func (t *Transformer) convert(value any, tr *api.Transform) any {
	to := tr.To
	if to == "" {
		to = "string"
	}

	switch to {
	case "string":
		return Stringify(value)
	case "integer":
		if n, ok := toInt(value); ok {
			return n
		}
		return defaultOr(tr, value)
	case "float":
		if n, ok := toFloat(value); ok {
			return n
		}
		return defaultOr(tr, value)
	case "boolean":
		if s, ok := value.(string); ok {
			switch strings.ToLower(s) {
			case "true", "yes", "1", "y":
				return true
			}
			return false
		}
		return isTruthy(value)
	case "array":
		switch v := value.(type) {
		case []any:
			return append([]any(nil), v...)
		case string:
			sep := tr.Separator
			if sep == "" {
				sep = ","
			}
			return toAnySlice(strings.Split(v, sep))
		default:
			return []any{value}
		}
	case "object":
		switch v := value.(type) {
		case map[string]any:
			return api.CopyValue(v)
		case string:
			var res map[string]any
			if err := json.Unmarshal([]byte(v), &res); err != nil {
				return defaultOr(tr, value)
			}
			return res
		default:
			return defaultOr(tr, value)
		}
	default:
		slog.Warn("Unknown conversion target",
			slog.String("to", to))
		return value
	}
}

func (t *Transformer) defaultValue(value any, tr *api.Transform) any {
	if api.IsEmptyValue(value) {
		return tr.Value
	}
	return value
}

func (t *Transformer) mapItems(value any, tr *api.Transform) any {
	items, ok := value.([]any)
	if !ok {
		return defaultOr(tr, []any{})
	}
	if tr.ItemTransform == nil {
		return items
	}
	res := make([]any, len(items))
	for i, item := range items {
		res[i] = t.Apply(item, tr.ItemTransform)
	}
	return res
}

func (t *Transformer) filter(value any, tr *api.Transform) any {
	items, ok := value.([]any)
	if !ok {
		return defaultOr(tr, []any{})
	}
	cond := tr.Condition
	if cond == nil {
		return items
	}

	op := cond.Operator
	if op == "" {
		op = api.OpEq
	}

	var res []any
	for _, item := range items {
		actual := item
		if cond.Field != "" {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field, ok := m[cond.Field]
			if !ok {
				continue
			}
			actual = field
		}
		if op.Evaluate(actual, cond.Value) {
			res = append(res, item)
		}
	}
	if res == nil {
		return []any{}
	}
	return res
}

func (t *Transformer) length(value any, tr *api.Transform) any {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return utf8.RuneCountInString(v)
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	default:
		return defaultOr(tr, 0)
	}
}

func (t *Transformer) arrayItem(value any, tr *api.Transform) any {
	items, ok := value.([]any)
	if !ok {
		return tr.Default
	}
	index := tr.Index
	if index < 0 {
		index += len(items)
	}
	if index < 0 || index >= len(items) {
		return tr.Default
	}
	return items[index]
}

func (t *Transformer) merge(value any, tr *api.Transform) any {
	switch v := value.(type) {
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, e := range v {
			res[k] = e
		}
		for _, other := range tr.Values {
			if m, ok := other.(map[string]any); ok {
				for k, e := range m {
					res[k] = e
				}
			}
		}
		return res
	case []any:
		return mergeList(append([]any(nil), v...), tr.Values)
	case nil:
		return mergeList(nil, tr.Values)
	default:
		return mergeList([]any{value}, tr.Values)
	}
}

func mergeList(base []any, values []any) []any {
	if base == nil {
		base = []any{}
	}
	for _, other := range values {
		if list, ok := other.([]any); ok {
			base = append(base, list...)
			continue
		}
		base = append(base, other)
	}
	return base
}

func (t *Transformer) math(value any, tr *api.Transform) any {
	num := 0.0
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				num = n
			}
		}
	default:
		if n, ok := api.AsNumber(value); ok {
			num = n
		}
	}

	op := tr.Operation
	if op == "" {
		op = "add"
	}

	switch op {
	case "add":
		return num + tr.Operand
	case "subtract":
		return num - tr.Operand
	case "multiply":
		return num * tr.Operand
	case "divide":
		if tr.Operand == 0 {
			slog.Warn("Division by zero in math transform")
			return defaultOr(tr, 0)
		}
		return num / tr.Operand
	case "modulo":
		if tr.Operand == 0 {
			slog.Warn("Modulo by zero in math transform")
			return defaultOr(tr, 0)
		}
		return math.Mod(num, tr.Operand)
	case "power":
		return math.Pow(num, tr.Operand)
	default:
		slog.Warn("Unknown math operation",
			slog.String("operation", op))
		return num
	}
}

func (t *Transformer) condition(value any, tr *api.Transform) any {
	op := tr.Operator
	if op == "" {
		op = api.OpEq
	}

	// An ordering comparison between incomparable operands is a
	// transform failure, not a false evaluation
	switch op {
	case api.OpGt, api.OpGte, api.OpLt, api.OpLte:
		if _, ok := api.CompareValues(value, tr.Value); !ok {
			slog.Warn("Incomparable operands in condition transform")
			return defaultOr(tr, value)
		}
	}

	if op.Evaluate(value, tr.Value) {
		return tr.TrueResult
	}
	return tr.FalseResult
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *Transformer) timestamp(value any, tr *api.Transform) any {
	format := tr.Format
	if format == "" {
		format = "%Y-%m-%d %H:%M:%S"
	}

	var ts time.Time
	switch v := value.(type) {
	case string:
		parsed, ok := parseTimestamp(v, tr.InputFormat)
		if !ok {
			slog.Error("Unrecognized date format",
				slog.String("value", v))
			return defaultOr(tr, value)
		}
		ts = parsed
	case time.Time:
		ts = v
	default:
		if n, ok := api.AsNumber(value); ok {
			sec, frac := math.Modf(n)
			ts = time.Unix(int64(sec), int64(frac*float64(time.Second)))
		} else {
			ts = time.Now()
		}
	}

	return strftime(format, ts)
}

func parseTimestamp(value, inputFormat string) (time.Time, bool) {
	if inputFormat != "" {
		ts, err := time.Parse(strftimeLayout(inputFormat), value)
		return ts, err == nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func toFloat(value any) (float64, bool) {
	if n, ok := api.AsNumber(value); ok {
		return n, true
	}
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func isTruthy(value any) bool {
	if n, ok := api.AsNumber(value); ok {
		return n != 0
	}
	if b, ok := value.(bool); ok {
		return b
	}
	return !api.IsEmptyValue(value)
}

func toAnySlice(items []string) []any {
	res := make([]any, len(items))
	for i, item := range items {
		res[i] = item
	}
	return res
}
