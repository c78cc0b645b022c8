package header

// Value is one per-file header value, with presence tracked explicitly
// so a missing keyword is distinguishable from an empty one.
type Value struct {
	Raw     string
	Present bool
}

// Apply resolves one keyword's merged value directly (the non-delegated
// path used for image and PSF-map header reconciliation).
//
// Skip yields no output keyword (delete if present). PutString always
// yields its payload regardless of input agreement. Every other rule -
// passthrough, unrecognized, or a numeric WarnOmit that already
// specialized to passthrough - yields the first present value
// unchanged. The second return is false when the keyword should be
// absent from the output.
func Apply(r Rule, values []Value) (string, bool) {
	switch r.Kind {
	case Skip:
		return "", false
	case PutString:
		return r.Value, true
	default:
		for _, v := range values {
			if v.Present {
				return v.Raw, true
			}
		}
		return "", false
	}
}

// Lookup finds the rule for a keyword; keys without an entry get a
// Passthrough rule.
func Lookup(entries []Entry, key string) Rule {
	for _, e := range entries {
		if e.Key == key {
			return e.Rule
		}
	}
	return Rule{Kind: Passthrough}
}
