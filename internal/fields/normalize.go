package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/folio/pkg/folio"
)

var (
	isoDatePattern = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(.*)$`)
	usDatePattern  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)

	// Accepted remainder after the date digits of a timestamped string.
	timeSuffixPattern = regexp.MustCompile(`^[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?\s?(Z|[+-]\d{2}:?\d{2})?$`)
)

var truthy = map[string]bool{
	"true": true, "t": true, "1": true, "on": true, "yes": true,
	"y": true, "checked": true, "x": true,
}

// Normalize converts a raw submitted map into a canonical record using an
// allow-list schema. Keys are matched case-insensitively; keys the schema does
// not declare are dropped. Totals with parts are summed from the normalized
// parts; parts outside the submitted data count as zero.
func Normalize(raw map[string]any, schema Schema) folio.Record {
	return NormalizeOver(raw, schema, nil)
}

// NormalizeOver is Normalize where total parts that are not part of the
// submission are taken from base (typically the stored record).
func NormalizeOver(raw map[string]any, schema Schema, base folio.Record) folio.Record {
	out := folio.Record{}
	keys := sortedKeys(raw)

	var totals []Field
	for _, f := range schema {
		if f.Type == TypeTotal && len(f.SumOf) > 0 {
			totals = append(totals, f)
			continue
		}

		v, present := lookupRaw(raw, keys, f)
		switch f.Type {
		case TypeBool:
			out[f.Name] = present && toBool(v)
		case TypeDate:
			if present {
				out[f.Name] = toDate(v)
			}
		case TypeNumber:
			if present {
				out[f.Name] = toNumber(v)
			}
		case TypeTotal:
			if present {
				n := toNumber(v)
				if n == nil {
					n = float64(0)
				}
				out[f.Name] = n
			}
		default:
			if present {
				out[f.Name] = toText(v)
			}
		}
	}

	for _, f := range totals {
		var sum float64
		for _, part := range f.SumOf {
			v, ok := out[part]
			if !ok && base != nil {
				v = base[part]
			}
			if n, ok := v.(float64); ok {
				sum += n
			}
		}
		out[f.Name] = sum
	}

	return out
}

// lookupRaw finds the submitted value for a field: exact canonical name first,
// then exact alias, then the first case-insensitive match in sorted key order.
func lookupRaw(raw map[string]any, sortedKeys []string, f Field) (any, bool) {
	if v, ok := raw[f.Name]; ok {
		return v, true
	}
	if f.Alias != "" {
		if v, ok := raw[f.Alias]; ok {
			return v, true
		}
	}
	for _, k := range sortedKeys {
		if strings.EqualFold(k, f.Name) || (f.Alias != "" && strings.EqualFold(k, f.Alias)) {
			return raw[k], true
		}
	}
	return nil, false
}

func sortedKeys(raw map[string]any) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return truthy[strings.ToLower(strings.TrimSpace(t))]
	case []string:
		// Repeated form keys: checked if any value is truthy
		for _, s := range t {
			if truthy[strings.ToLower(strings.TrimSpace(s))] {
				return true
			}
		}
		return false
	default:
		if n := toNumber(v); n != nil {
			return n.(float64) != 0
		}
		return false
	}
}

// toDate reduces a date or timestamp to YYYY-MM-DD using only the literal
// digits of the input. Returns nil for anything unparseable.
func toDate(v any) any {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t.Format("2006-01-02")
	case string:
		return parseDate(strings.TrimSpace(t))
	default:
		return nil
	}
}

func parseDate(s string) any {
	var y, m, d int
	if match := isoDatePattern.FindStringSubmatch(s); match != nil {
		if rest := match[4]; rest != "" && !timeSuffixPattern.MatchString(rest) {
			return nil
		}
		y, _ = strconv.Atoi(match[1])
		m, _ = strconv.Atoi(match[2])
		d, _ = strconv.Atoi(match[3])
	} else if match := usDatePattern.FindStringSubmatch(s); match != nil {
		m, _ = strconv.Atoi(match[1])
		d, _ = strconv.Atoi(match[2])
		y, _ = strconv.Atoi(match[3])
	} else {
		return nil
	}

	// Reject impossible calendar dates such as 2024-02-30
	check := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if check.Year() != y || int(check.Month()) != m || check.Day() != d {
		return nil
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// toNumber parses a decimal number. Returns nil (untyped) on failure so the
// caller can distinguish it from zero.
func toNumber(v any) any {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func toText(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return strings.ReplaceAll(t, "\r\n", "\n")
	case []string:
		return strings.Join(t, ", ")
	default:
		return Format(v)
	}
}

// Format renders a canonical value as display text.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
