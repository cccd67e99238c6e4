package transform

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/tonal-labs/cantata/pkg/api"
)

var placeholderPattern = regexp.MustCompile(`\{[^{}]*\}`)

func (t *Transformer) format(value any, tr *api.Transform) any {
	template := tr.Template
	if template == "" {
		template = "{}"
	}

	// Maps fill named placeholders; anything else fills the positional
	// one. A leftover positional placeholder is a formatting failure;
	// named placeholders left unresolved yield the template untouched
	if m, ok := value.(map[string]any); ok {
		res := template
		for key, val := range m {
			res = strings.ReplaceAll(res, "{"+key+"}", Stringify(val))
		}
		if strings.Contains(res, "{}") {
			slog.Error("Unfilled positional placeholder",
				slog.String("template", template))
			return defaultOr(tr, value)
		}
		if placeholderPattern.MatchString(res) {
			slog.Error("Unresolved format placeholder",
				slog.String("template", template))
			return template
		}
		return res
	}

	holes := placeholderPattern.FindAllString(template, -1)
	if len(holes) == 0 {
		return template
	}
	if len(holes) == 1 && holes[0] == "{}" {
		return strings.Replace(template, "{}", Stringify(value), 1)
	}
	slog.Error("Malformed format template",
		slog.String("template", template))
	return defaultOr(tr, value)
}

func (t *Transformer) join(value any, tr *api.Transform) any {
	items, ok := value.([]any)
	if !ok {
		return defaultOr(tr, Stringify(value))
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = Stringify(item)
	}
	return strings.Join(parts, tr.Separator)
}

func (t *Transformer) split(value any, tr *api.Transform) any {
	s, ok := value.(string)
	if !ok {
		if tr.Default != nil {
			return tr.Default
		}
		if value == nil {
			return []any{}
		}
		return []any{Stringify(value)}
	}

	sep := tr.Separator
	if sep == "" {
		sep = ","
	}
	if tr.MaxSplits > 0 {
		return toAnySlice(strings.SplitN(s, sep, tr.MaxSplits+1))
	}
	return toAnySlice(strings.Split(s, sep))
}

func (t *Transformer) replace(value any, tr *api.Transform) any {
	s, ok := value.(string)
	if !ok {
		if tr.Default != nil {
			return tr.Default
		}
		return Stringify(value)
	}
	if tr.Pattern == "" {
		return s
	}

	if tr.UseRegex {
		re, err := regexp.Compile(tr.Pattern)
		if err != nil {
			slog.Error("Invalid replace pattern",
				slog.String("pattern", tr.Pattern))
			return defaultOr(tr, value)
		}
		return re.ReplaceAllString(s, tr.Replacement)
	}

	count := tr.Count
	if count <= 0 {
		count = -1
	}
	return strings.Replace(s, tr.Pattern, tr.Replacement, count)
}

func (t *Transformer) substring(value any, tr *api.Transform) any {
	s, ok := value.(string)
	if !ok {
		if tr.Default != nil {
			return tr.Default
		}
		return Stringify(value)
	}

	runes := []rune(s)
	start := sliceIndex(tr.Start, len(runes))
	end := len(runes)
	if tr.End != nil {
		end = sliceIndex(*tr.End, len(runes))
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// sliceIndex clamps an index with negative-from-end semantics
func sliceIndex(i, length int) int {
	if i < 0 {
		i += length
	}
	return max(0, min(i, length))
}

func (t *Transformer) uppercase(value any, tr *api.Transform) any {
	if s, ok := value.(string); ok {
		return strings.ToUpper(s)
	}
	if tr.Default != nil {
		return tr.Default
	}
	return strings.ToUpper(Stringify(value))
}

func (t *Transformer) lowercase(value any, tr *api.Transform) any {
	if s, ok := value.(string); ok {
		return strings.ToLower(s)
	}
	if tr.Default != nil {
		return tr.Default
	}
	return strings.ToLower(Stringify(value))
}

func (t *Transformer) regex(value any, tr *api.Transform) any {
	s, ok := value.(string)
	if !ok {
		return tr.Default
	}
	if tr.Pattern == "" {
		return value
	}

	re, err := regexp.Compile(tr.Pattern)
	if err != nil {
		slog.Error("Invalid regex pattern",
			slog.String("pattern", tr.Pattern))
		return tr.Default
	}

	matchType := tr.MatchType
	if matchType == "" {
		matchType = "first"
	}

	switch matchType {
	case "first":
		groups := re.FindStringSubmatch(s)
		if groups == nil || tr.Group < 0 || tr.Group >= len(groups) {
			return tr.Default
		}
		return groups[tr.Group]

	case "all":
		matches := findAll(re, s)
		if len(matches) == 0 {
			return defaultOr(tr, []any{})
		}
		return matches

	default:
		slog.Warn("Unknown regex match type",
			slog.String("match_type", matchType))
		return tr.Default
	}
}

// findAll mirrors group-aware match listing: with no capture groups it
// returns whole matches, with one group the group text, and with
// several groups one tuple per match
func findAll(re *regexp.Regexp, s string) []any {
	all := re.FindAllStringSubmatch(s, -1)
	res := make([]any, 0, len(all))
	for _, groups := range all {
		switch re.NumSubexp() {
		case 0:
			res = append(res, groups[0])
		case 1:
			res = append(res, groups[1])
		default:
			res = append(res, toAnySlice(groups[1:]))
		}
	}
	return res
}

func (t *Transformer) concat(value any, tr *api.Transform) any {
	var sb strings.Builder
	sb.WriteString(Stringify(value))
	for _, val := range tr.Values {
		sb.WriteString(Stringify(val))
	}
	return sb.String()
}
