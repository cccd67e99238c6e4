package api

type (
	// TransformKind names one of the closed set of transformation
	// operations. The wire names are fixed; dispatch is an exhaustive
	// switch in the transform package
	TransformKind string

	// Transform configures a single transformation applied to a mapped
	// value or an output projection. Only the fields relevant to its
	// Kind are consulted; the rest stay at their zero values
	Transform struct {
		Type TransformKind `json:"type"`

		// extract, json_path
		Path string `json:"path,omitempty"`

		// format
		Template string `json:"template,omitempty"`

		// convert
		To string `json:"to,omitempty"`

		// convert(array), join, split
		Separator string `json:"separator,omitempty"`

		// split; zero or negative means unlimited
		MaxSplits int `json:"max_splits,omitempty"`

		// replace, regex
		Pattern     string `json:"pattern,omitempty"`
		Replacement string `json:"replacement,omitempty"`
		Count       int    `json:"count,omitempty"`
		UseRegex    bool   `json:"use_regex,omitempty"`

		// substring
		Start int  `json:"start,omitempty"`
		End   *int `json:"end,omitempty"`

		// array_item
		Index int `json:"index,omitempty"`

		// concat, merge
		Values []any `json:"values,omitempty"`

		// math
		Operation string  `json:"operation,omitempty"`
		Operand   float64 `json:"operand,omitempty"`

		// condition; Value doubles as the replacement for default
		Operator    Operator `json:"operator,omitempty"`
		Value       any      `json:"value,omitempty"`
		TrueResult  any      `json:"true_result,omitempty"`
		FalseResult any      `json:"false_result,omitempty"`

		// filter
		Condition *Condition `json:"condition,omitempty"`

		// map
		ItemTransform *Transform `json:"item_transformation,omitempty"`

		// timestamp
		Format      string `json:"format,omitempty"`
		InputFormat string `json:"input_format,omitempty"`

		// regex
		MatchType string `json:"match_type,omitempty"`
		Group     int    `json:"group,omitempty"`

		// fallback result when the operation cannot be applied
		Default any `json:"default,omitempty"`
	}
)

const (
	TransformExtract   TransformKind = "extract"
	TransformFormat    TransformKind = "format"
	TransformConvert   TransformKind = "convert"
	TransformDefault   TransformKind = "default"
	TransformMap       TransformKind = "map"
	TransformFilter    TransformKind = "filter"
	TransformJoin      TransformKind = "join"
	TransformSplit     TransformKind = "split"
	TransformReplace   TransformKind = "replace"
	TransformSubstring TransformKind = "substring"
	TransformLength    TransformKind = "length"
	TransformUppercase TransformKind = "uppercase"
	TransformLowercase TransformKind = "lowercase"
	TransformJSONPath  TransformKind = "json_path"
	TransformArrayItem TransformKind = "array_item"
	TransformConcat    TransformKind = "concat"
	TransformMerge     TransformKind = "merge"
	TransformMath      TransformKind = "math"
	TransformCondition TransformKind = "condition"
	TransformTimestamp TransformKind = "timestamp"
	TransformRegex     TransformKind = "regex"
)

// Clone returns a deep copy of the transform
func (t *Transform) Clone() *Transform {
	if t == nil {
		return nil
	}
	res := *t
	if t.End != nil {
		end := *t.End
		res.End = &end
	}
	res.Values = CopyValue(t.Values).([]any)
	res.Value = CopyValue(t.Value)
	res.TrueResult = CopyValue(t.TrueResult)
	res.FalseResult = CopyValue(t.FalseResult)
	res.Default = CopyValue(t.Default)
	if t.Condition != nil {
		res.Condition = t.Condition.Clone()
	}
	if t.ItemTransform != nil {
		res.ItemTransform = t.ItemTransform.Clone()
	}
	return &res
}
