package transform

import (
	"strings"
	"time"
)

// strftime directive table, mapped to Go reference-time layouts.
// Directives without a Go equivalent pass through literally
var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'a': "Mon",
	'A': "Monday",
	'b': "Jan",
	'B': "January",
	'j': "002",
	'z': "-0700",
	'Z': "MST",
	'%': "%",
}

// strftimeLayout converts an strftime-style format string into a Go
// time layout
func strftimeLayout(format string) string {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			sb.WriteByte(format[i])
			continue
		}
		i++
		if layout, ok := strftimeDirectives[format[i]]; ok {
			sb.WriteString(layout)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(format[i])
	}
	return sb.String()
}

// strftime formats a time using strftime-style directives
func strftime(format string, ts time.Time) string {
	return ts.Format(strftimeLayout(format))
}
