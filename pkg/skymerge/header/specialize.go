package header

import (
	"math"
	"strconv"
	"strings"
)

// Specialize adjusts the rule table against the header values observed
// for this merge run. With a single header set the table is returned
// unchanged: there is nothing to disagree about.
//
// A WarnOmit rule becomes Skip when any header lacks the keyword, holds
// a non-numeric value, or differs from the first header's value by more
// than the tolerance. A Merge rule becomes PutString when any
// (default-substituted) value differs from the first header's.
func Specialize(entries []Entry, headers []map[string]string) []Entry {
	if len(headers) <= 1 {
		return entries
	}

	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: e.Key, Rule: specializeRule(e.Key, e.Rule, headers)}
	}
	return out
}

func specializeRule(key string, r Rule, headers []map[string]string) Rule {
	switch r.Kind {
	case WarnOmit:
		return specializeWarnOmit(key, r, headers)
	case Merge:
		return specializeMerge(key, r, headers)
	default:
		return r
	}
}

func specializeWarnOmit(key string, r Rule, headers []map[string]string) Rule {
	first, ok := numericValue(headers[0], key)
	if !ok {
		return Rule{Kind: Skip}
	}
	for _, hdr := range headers[1:] {
		v, ok := numericValue(hdr, key)
		if !ok {
			return Rule{Kind: Skip}
		}
		if math.Abs(v-first) > r.Tol {
			return Rule{Kind: Skip}
		}
	}
	return r
}

func specializeMerge(key string, r Rule, headers []map[string]string) Rule {
	first := valueOrDefault(headers[0], key, r.Def)
	for _, hdr := range headers[1:] {
		if valueOrDefault(hdr, key, r.Def) != first {
			return Rule{Kind: PutString, Value: r.Out}
		}
	}
	return r
}

func numericValue(hdr map[string]string, key string) (float64, bool) {
	raw, ok := hdr[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func valueOrDefault(hdr map[string]string, key, def string) string {
	if v, ok := hdr[key]; ok {
		return v
	}
	return def
}
