// Package stack expands stack expressions into concrete file lists:
// comma/space separated values, with "@listfile" indirection, honoring
// DM filter brackets (commas inside "[...]" do not split).
package stack

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand expands a stack expression into an ordered list of entries.
//
//	"a.fits"             -> ["a.fits"]
//	"a.fits,b.fits"      -> ["a.fits", "b.fits"]
//	"a.fits[cols x,y]"   -> ["a.fits[cols x,y]"]
//	"@evt.lis"           -> contents of evt.lis, one entry per line
//	"@evt.lis[sky=...]"  -> contents with the filter appended to each
//
// Blank lines and '#' comments in list files are ignored.
func Expand(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var out []string
	for _, tok := range splitStack(spec) {
		if !strings.HasPrefix(tok, "@") {
			out = append(out, tok)
			continue
		}

		name, filter := splitFilter(tok[1:])
		entries, err := readListFile(name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, e+filter)
		}
	}
	return out, nil
}

// WriteStackFile writes the entries (as absolute paths) to a new stack
// file at path, for handing to tools as "@path".
func WriteStackFile(path string, entries []string) error {
	var b strings.Builder
	for _, e := range entries {
		name, filter := splitFilter(e)
		abs, err := filepath.Abs(name)
		if err != nil {
			return fmt.Errorf("stack entry %s: %w", e, err)
		}
		b.WriteString(abs + filter + "\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// splitStack splits on commas and whitespace that are not inside DM
// filter brackets.
func splitStack(s string) []string {
	var out []string
	var cur strings.Builder
	depth := 0

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '[':
			depth++
			cur.WriteRune(r)
		case r == ']':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(r)
		case (r == ',' || r == ' ' || r == '\t') && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// splitFilter separates a trailing DM filter expression from a path.
func splitFilter(s string) (name, filter string) {
	if i := strings.IndexByte(s, '['); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

func readListFile(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stack file %s: %w", path, err)
	}
	defer fh.Close()

	var out []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stack file %s: %w", path, err)
	}
	return out, nil
}
