package transform

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tonal-labs/cantata/pkg/api"
)

// Transformer applies declarative transformations to values as they
// move between steps and into composition outputs. Apply is total: a
// transformation never fails an execution, it degrades to the
// configured default or the original value
type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

// Apply runs a single transformation against a value. Unknown kinds
// pass the value through; internal errors recover to the configured
// default, else the original value
func (t *Transformer) Apply(value any, tr *api.Transform) (res any) {
	if tr == nil || tr.Type == "" {
		return value
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Transformation failed",
				slog.String("transform_type", string(tr.Type)),
				slog.Any("panic", r))
			if tr.Default != nil {
				res = tr.Default
				return
			}
			res = value
		}
	}()

	switch tr.Type {
	case api.TransformExtract:
		return t.extract(value, tr)
	case api.TransformFormat:
		return t.format(value, tr)
	case api.TransformConvert:
		return t.convert(value, tr)
	case api.TransformDefault:
		return t.defaultValue(value, tr)
	case api.TransformMap:
		return t.mapItems(value, tr)
	case api.TransformFilter:
		return t.filter(value, tr)
	case api.TransformJoin:
		return t.join(value, tr)
	case api.TransformSplit:
		return t.split(value, tr)
	case api.TransformReplace:
		return t.replace(value, tr)
	case api.TransformSubstring:
		return t.substring(value, tr)
	case api.TransformLength:
		return t.length(value, tr)
	case api.TransformUppercase:
		return t.uppercase(value, tr)
	case api.TransformLowercase:
		return t.lowercase(value, tr)
	case api.TransformJSONPath:
		return t.jsonPath(value, tr)
	case api.TransformArrayItem:
		return t.arrayItem(value, tr)
	case api.TransformConcat:
		return t.concat(value, tr)
	case api.TransformMerge:
		return t.merge(value, tr)
	case api.TransformMath:
		return t.math(value, tr)
	case api.TransformCondition:
		return t.condition(value, tr)
	case api.TransformTimestamp:
		return t.timestamp(value, tr)
	case api.TransformRegex:
		return t.regex(value, tr)
	default:
		slog.Warn("Unknown transformation type",
			slog.String("transform_type", string(tr.Type)))
		return value
	}
}

// ProjectOutput shapes raw step results into the composition's output
// schema. A nil schema passes the raw results through unchanged; any
// internal failure falls back to the raw results
func (t *Transformer) ProjectOutput(
	data map[string]any, schema *api.Schema,
) (res map[string]any) {
	if schema == nil {
		return data
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Output projection failed",
				slog.Any("panic", r))
			res = data
		}
	}()

	res = map[string]any{}
	for name, prop := range schema.Properties {
		switch {
		case prop.Source != "":
			value := resolveSource(data, prop.Source)
			if prop.Transform != nil {
				value = t.Apply(value, prop.Transform)
			}
			res[name] = value
		case prop.Value != nil:
			res[name] = prop.Value
		case prop.Default != nil:
			res[name] = prop.Default
		}
	}
	return res
}

func resolveSource(data map[string]any, source string) any {
	if stepID, field, ok := strings.Cut(source, "."); ok {
		stepData, _ := data[stepID].(map[string]any)
		if stepData == nil {
			return nil
		}
		return stepData[field]
	}
	return data[source]
}

// defaultOr returns the transform's default when one is set, otherwise
// the provided fallback
func defaultOr(tr *api.Transform, fallback any) any {
	if tr.Default != nil {
		return tr.Default
	}
	return fallback
}

// Stringify renders a JSON-shaped value as text. Collections render as
// JSON; nil renders empty
func Stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
