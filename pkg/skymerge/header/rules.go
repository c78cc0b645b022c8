// Package header implements the rule-based header reconciliation engine:
// a declarative lookup table of per-keyword merge rules, specialized per
// run against the observed header values, and applied either directly
// (image/PSF-map coaddition) or by handing the rewritten table to the
// external merge tool.
package header

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind tags a parsed rule.
type Kind int

// Rule kinds. Merge and WarnOmit come from the static lookup table;
// PutString and Skip are their specialized forms; Passthrough preserves
// any rule text this engine does not interpret.
const (
	Passthrough Kind = iota
	Merge
	WarnOmit
	PutString
	Skip
)

// Rule is one parsed header-merge rule. The string micro-language
// ("Merge-X;Force-Y", "WarnOmit-0.5", ...) is parsed once at load time
// into this tagged form.
type Rule struct {
	Kind Kind

	// Out and Def belong to Merge rules: the output string used when
	// inputs disagree and the default substituted for missing keywords.
	Out, Def string

	// Tol is the WarnOmit numeric tolerance.
	Tol float64

	// Value is the PutString payload.
	Value string

	// Raw preserves the original text for Passthrough rules.
	Raw string
}

// Entry pairs a keyword with its rule.
type Entry struct {
	Key  string
	Rule Rule
}

// ParseRule parses one rule string. Unrecognized prefixes become
// Passthrough rules with the text preserved; malformed Merge/WarnOmit
// rules are errors.
func ParseRule(s string) (Rule, error) {
	switch {
	case strings.HasPrefix(s, "Merge-"):
		toks := strings.Split(s, ";")
		if len(toks) != 2 || !strings.HasPrefix(toks[1], "Force-") {
			return Rule{}, fmt.Errorf("invalid Merge/Force rule: %s", s)
		}
		return Rule{
			Kind: Merge,
			Out:  strings.TrimPrefix(toks[0], "Merge-"),
			Def:  strings.TrimPrefix(toks[1], "Force-"),
		}, nil

	case strings.HasPrefix(s, "WarnOmit-"):
		tol, err := strconv.ParseFloat(s[len("WarnOmit-"):], 64)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid WarnOmit rule: %s", s)
		}
		return Rule{Kind: WarnOmit, Tol: tol}, nil

	case strings.HasPrefix(s, "PUT_STRING-"):
		return Rule{Kind: PutString, Value: s[len("PUT_STRING-"):]}, nil

	case s == "SKIP":
		return Rule{Kind: Skip}, nil

	default:
		return Rule{Kind: Passthrough, Raw: s}, nil
	}
}

// String re-encodes the rule in the lookup-table micro-language, for
// handoff to the external merge tool.
func (r Rule) String() string {
	switch r.Kind {
	case Merge:
		return fmt.Sprintf("Merge-%s;Force-%s", r.Out, r.Def)
	case WarnOmit:
		return fmt.Sprintf("WarnOmit-%g", r.Tol)
	case PutString:
		return "PUT_STRING-" + r.Value
	case Skip:
		return "SKIP"
	default:
		return r.Raw
	}
}

// ParseTable reads a lookup table: one "keyword rule" pair per
// non-blank line.
func ParseTable(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		toks := strings.Fields(line)
		if len(toks) != 2 {
			return nil, fmt.Errorf("unexpected merging rule: %s", line)
		}
		rule, err := ParseRule(toks[1])
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: toks[0], Rule: rule})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatTable renders entries back into lookup-table text.
func FormatTable(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s\n", e.Key, e.Rule)
	}
	return b.String()
}
