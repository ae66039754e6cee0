package normalizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// textKey holds the text of an XML element that also carried attributes.
const textKey = "#text"

// thousandsRe matches numbers grouped with commas, like "1,234.50". A comma in any
// other position (a decimal comma such as "6,90") makes the value unparseable.
var thousandsRe = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		return toString(t[textKey])
	default:
		return ""
	}
}

// toDecimal parses a numeric field, 0 on missing or unparseable input.
func toDecimal(v any) decimal.Decimal {
	s := toString(v)
	if s == "" {
		return decimal.Zero
	}
	if strings.Contains(s, ",") {
		if !thousandsRe.MatchString(s) {
			return decimal.Zero
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toBool parses a flag, false on missing or unrecognized input.
func toBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	switch strings.ToLower(toString(v)) {
	case "1", "true", "yes", "y", "כן":
		return true
	}
	return false
}

// toInt parses an integer enum, 0 on missing or unparseable input.
func toInt(v any) int {
	s := toString(v)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return int(d.IntPart())
}

// asList resolves the XML singleton-vs-array ambiguity: a bare object is a
// one-element list, null or an empty string is an empty list.
func asList(v any, path string) ([]map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{t}, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, malformed(path, fmt.Errorf("element %d is %T, want object", i, e))
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, malformed(path, fmt.Errorf("got %T, want object or list", v))
}

// list extracts the elements of a container field from m.
func (c container) list(m map[string]any, path string) ([]map[string]any, error) {
	v, ok := c.outer.lookup(m)
	if !ok {
		return nil, nil
	}
	path = path + "." + c.outer[0]
	switch t := v.(type) {
	case map[string]any:
		inner, ok := c.inner.lookup(t)
		if !ok {
			// Attribute-only container such as {"@Count": "0"}.
			return nil, nil
		}
		return asList(inner, path+"."+c.inner[0])
	default:
		return asList(v, path)
	}
}

// splitDateTime splits "2025-06-30 08:34" or "2025-06-30T08:34:00" into date and time.
func splitDateTime(s string) (date, clock string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " T"); i > 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}
