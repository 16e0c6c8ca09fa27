package connector

import (
	"fmt"
	"strings"
)

// SubstituteParams inlines params into sql by plain text replacement of each
// key's placeholder. String values are single-quoted; everything else renders
// bare. Placeholder conventions differ per backend ("@k", "{k}", ":k"), so
// the caller supplies the placeholder shape.
//
// The generated SQL already inlines its literals, so this exists for
// interface parity with caller-supplied params; it is naive replacement, not
// real parameter binding.
func SubstituteParams(sql string, params map[string]any, placeholder func(key string) string) string {
	for key, value := range params {
		var ph = placeholder(key)
		if !strings.Contains(sql, ph) {
			continue
		}
		var literal string
		if s, ok := value.(string); ok {
			literal = "'" + s + "'"
		} else {
			literal = fmt.Sprint(value)
		}
		sql = strings.ReplaceAll(sql, ph, literal)
	}
	return sql
}
