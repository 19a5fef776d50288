// Package metadata carries instance metadata through the supervisor's
// environment channel.  Semantic field names are folded into prefixed
// UPPER_SNAKE_CASE keys on the way in, and a fixed field table pulls
// an Instance back out of a process's environment snapshot.
//
// List values are joined with "," and cannot be told apart from a
// scalar that already contains a comma.  Decoding splits on the
// separator, so such values do not round-trip.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ListSeparator joins list values.
const ListSeparator = ","

// Codec folds semantic keys into Prefix + UPPER_SNAKE_CASE(key).
type Codec struct {
	Prefix string
}

// Key returns the environment key for a semantic field name.
func (c Codec) Key(name string) string {
	return c.Prefix + UpperSnake(name)
}

// Encode maps every entry of fields to an environment entry.  Keys are
// emitted in sorted order.  Nil values produce no entry.
func (c Codec) Encode(fields map[string]any) Env {
	env := NewEnv()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		env.Set(c.Key(k), stringify(v))
	}
	return env
}

// EncodeStrings is Encode for a plain string map.
func (c Codec) EncodeStrings(fields map[string]string) Env {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return c.Encode(m)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		return strings.Join(x, ListSeparator)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if e == nil {
				parts = append(parts, "")
				continue
			}
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, ListSeparator)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		buf, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(buf)
	}
}

// UpperSnake folds a field name into UPPER_SNAKE_CASE.  Words are split
// on non-alphanumerics, lower-to-upper transitions, letter/digit
// transitions, and before the last capital of an acronym that is
// followed by a lower-case letter:
//
//	fooBar          -> FOO_BAR
//	callback-url    -> CALLBACK_URL
//	sha256_checksum -> SHA_256_CHECKSUM
//	HTTPServer      -> HTTP_SERVER
func UpperSnake(name string) string {
	return strings.ToUpper(strings.Join(splitWords(name), "_"))
}

func splitWords(s string) []string {
	runes := []rune(s)
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsDigit(prev) != unicode.IsDigit(r):
				flush()
			case unicode.IsLower(prev) && unicode.IsUpper(r):
				flush()
			case unicode.IsUpper(prev) && unicode.IsUpper(r) &&
				i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
