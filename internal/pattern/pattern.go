// Package pattern implements the DynaMake pattern engine (C1): parsing of
// `{name}`, `{*name}`, `{**name}`, `{_name}` / `{**_name}` holes, matching a
// pattern against a concrete path, formatting a pattern from bindings,
// globbing a pattern against the filesystem, and extracting templates from
// glob matches.
package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// holeKind classifies one `{...}` hole.
type holeKind int

const (
	holeInterp   holeKind = iota // {name}          — textual interpolation
	holeCapture                  // {*name}         — captured, filename-safe
	holeCaptureAny                // {**name}        — captured, any run
	holeWild                     // {_name}         — non-captured, filename-safe
	holeWildAny                  // {**_name}       — non-captured, any run
)

type segment struct {
	literal string // set when isHole is false
	kind    holeKind
	name    string
	isHole  bool
}

// Pattern is a parsed, immutable pattern string.
type Pattern struct {
	raw      string
	segments []segment
}

var holeRe = regexp.MustCompile(`\{([^{}]*)\}`)

// Parse compiles a pattern string into a Pattern. An empty pattern is
// rejected, mirroring the data model's "empty or non-normalized paths are
// invalid" invariant.
func Parse(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern: empty pattern")
	}
	p := &Pattern{raw: raw}

	pos := 0
	for {
		loc := holeRe.FindStringSubmatchIndex(raw[pos:])
		if loc == nil {
			if pos < len(raw) {
				p.segments = append(p.segments, segment{literal: raw[pos:]})
			}
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if start > pos {
			p.segments = append(p.segments, segment{literal: raw[pos:start]})
		}
		body := raw[start+1 : end-1]
		seg, err := parseHole(body)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", raw, err)
		}
		p.segments = append(p.segments, seg)
		pos = end
	}

	return p, nil
}

// MustParse is Parse but panics on error; useful for registering literal
// patterns at init time.
func MustParse(raw string) *Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func parseHole(body string) (segment, error) {
	switch {
	case strings.HasPrefix(body, "**_"):
		name := body[3:]
		return segment{isHole: true, kind: holeWildAny, name: name}, nil
	case strings.HasPrefix(body, "**"):
		name := body[2:]
		if name == "" {
			return segment{}, fmt.Errorf("capturing wildcard hole has no name: {%s}", body)
		}
		return segment{isHole: true, kind: holeCaptureAny, name: name}, nil
	case strings.HasPrefix(body, "_"):
		name := body[1:]
		return segment{isHole: true, kind: holeWild, name: name}, nil
	case strings.HasPrefix(body, "*"):
		name := body[1:]
		if name == "" {
			return segment{}, fmt.Errorf("capturing hole has no name: {%s}", body)
		}
		return segment{isHole: true, kind: holeCapture, name: name}, nil
	default:
		if body == "" {
			return segment{}, fmt.Errorf("interpolation hole has no name: {}")
		}
		return segment{isHole: true, kind: holeInterp, name: body}, nil
	}
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// CapturingNames returns the ordered, de-duplicated set of capturing
// parameter names declared by the pattern (from `{*name}`/`{**name}` holes).
func (p *Pattern) CapturingNames() []string {
	seen := map[string]struct{}{}
	var names []string
	for _, s := range p.segments {
		if !s.isHole {
			continue
		}
		if s.kind == holeCapture || s.kind == holeCaptureAny {
			if _, ok := seen[s.name]; !ok {
				seen[s.name] = struct{}{}
				names = append(names, s.name)
			}
		}
	}
	return names
}

// IsCapturing reports whether the pattern contains at least one capturing hole.
func (p *Pattern) IsCapturing() bool { return len(p.CapturingNames()) > 0 }

// IsDynamic reports whether the pattern contains at least one non-capturing
// wildcard hole (`{_name}` / `{**_name}`), marking it as a dynamic output.
func (p *Pattern) IsDynamic() bool {
	for _, s := range p.segments {
		if s.isHole && (s.kind == holeWild || s.kind == holeWildAny) {
			return true
		}
	}
	return false
}

// LiteralPrefixLen returns the number of literal characters before the
// pattern's first capturing or wildcard hole. The rule registry does not
// call it: its Resolve reports a tie at the top priority tier as an error.
func (p *Pattern) LiteralPrefixLen() int {
	n := 0
	for _, s := range p.segments {
		if s.isHole {
			if s.kind != holeInterp {
				return n
			}
			continue
		}
		n += len(s.literal)
	}
	return n
}

// interpolated substitutes every `{name}` interpolation hole using env,
// returning an error if a referenced name is missing.
func (p *Pattern) interpolated(env map[string]string) (*Pattern, error) {
	hasInterp := false
	for _, s := range p.segments {
		if s.isHole && s.kind == holeInterp {
			hasInterp = true
			break
		}
	}
	if !hasInterp {
		return p, nil
	}
	out := &Pattern{raw: p.raw}
	for _, s := range p.segments {
		if s.isHole && s.kind == holeInterp {
			v, ok := env[s.name]
			if !ok {
				return nil, fmt.Errorf("pattern %q: no value for interpolation %q", p.raw, s.name)
			}
			out.segments = append(out.segments, segment{literal: v})
		} else {
			out.segments = append(out.segments, s)
		}
	}
	return out, nil
}

// toRegexp builds the matching regexp for the (already interpolated) pattern
// and the ordered list of capturing-hole names corresponding to each
// regexp capture group. Non-captured holes compile to non-capturing groups
// and have no entry in the list.
func (p *Pattern) toRegexp() (*regexp.Regexp, []string, error) {
	var b strings.Builder
	b.WriteString(`^`)
	var names []string
	for _, s := range p.segments {
		if !s.isHole {
			b.WriteString(regexp.QuoteMeta(s.literal))
			continue
		}
		switch s.kind {
		case holeInterp:
			// Should already be gone after interpolation; treat literally if not.
			b.WriteString(regexp.QuoteMeta(s.name))
		case holeCapture:
			b.WriteString(`([^/]+)`)
			names = append(names, s.name)
		case holeCaptureAny:
			b.WriteString(`(.+)`)
			names = append(names, s.name)
		case holeWild:
			b.WriteString(`(?:[^/]+)`)
		case holeWildAny:
			b.WriteString(`(?:.+)`)
		}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("pattern %q: compiling matcher: %w", p.raw, err)
	}
	return re, names, nil
}

// Interpolate substitutes every `{name}` interpolation hole using env,
// leaving capturing and wildcard holes untouched. Used before globbing a
// step's output pattern once its captured bindings are known.
func Interpolate(p *Pattern, env map[string]string) (*Pattern, error) {
	return p.interpolated(env)
}

// Match attempts to match path against the pattern. env supplies values for
// any `{name}` interpolation holes (nil if the pattern has none). On success
// it returns a binding for every capturing name in the pattern.
func Match(p *Pattern, path string, env map[string]string) (map[string]string, bool, error) {
	ip, err := p.interpolated(env)
	if err != nil {
		return nil, false, err
	}
	re, names, err := ip.toRegexp()
	if err != nil {
		return nil, false, err
	}
	m := re.FindStringSubmatch(path)
	if m == nil {
		return nil, false, nil
	}
	bindings := make(map[string]string, len(names))
	for i, name := range names {
		bindings[name] = m[i+1]
	}
	return bindings, true, nil
}

// Format renders the pattern using bindings. Every interpolation and
// capturing hole name must be present in bindings; a non-captured hole is
// always an error to format.
func Format(p *Pattern, bindings map[string]string) (string, error) {
	var b strings.Builder
	for _, s := range p.segments {
		if !s.isHole {
			b.WriteString(s.literal)
			continue
		}
		switch s.kind {
		case holeInterp, holeCapture, holeCaptureAny:
			v, ok := bindings[s.name]
			if !ok {
				return "", fmt.Errorf("pattern %q: format: missing binding for %q", p.raw, s.name)
			}
			b.WriteString(v)
		case holeWild, holeWildAny:
			return "", fmt.Errorf("pattern %q: format: cannot format a non-captured hole", p.raw)
		}
	}
	return b.String(), nil
}

// GlobMatch pairs a concrete filesystem path with the bindings captured from it.
type GlobMatch struct {
	Path     string
	Bindings map[string]string
}

// Glob walks the filesystem from root ("." when empty) and returns every
// matching file path in lexicographic order together with its captured
// bindings.
// Holes of any kind (capturing or wildcard) are honored for matching purposes;
// only capturing holes contribute to the returned Bindings.
func Glob(p *Pattern, root string) ([]GlobMatch, error) {
	re, names, err := p.toRegexp()
	if err != nil {
		return nil, err
	}

	searchRoot := root
	if searchRoot == "" {
		searchRoot = "."
	}

	var matches []GlobMatch
	walkErr := filepath.WalkDir(searchRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := path
		if searchRoot == "." {
			rel = strings.TrimPrefix(path, "./")
		}
		m := re.FindStringSubmatch(rel)
		if m == nil {
			return nil
		}
		bindings := make(map[string]string, len(names))
		for i, name := range names {
			bindings[name] = m[i+1]
		}
		matches = append(matches, GlobMatch{Path: rel, Bindings: bindings})
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, walkErr
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	return matches, nil
}

// Extract globs globPattern and formats template once per match, returning
// the rendered paths in the same lexicographic order as Glob.
func Extract(globPattern, template *Pattern, root string) ([]string, error) {
	matches, err := Glob(globPattern, root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rendered, err := Format(template, m.Bindings)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}

// SameCaptureSet reports whether two patterns declare exactly the same set
// of capturing parameter names, the invariant required across a single
// step's output patterns.
func SameCaptureSet(a, b *Pattern) bool {
	an, bn := a.CapturingNames(), b.CapturingNames()
	if len(an) != len(bn) {
		return false
	}
	as := map[string]struct{}{}
	for _, n := range an {
		as[n] = struct{}{}
	}
	for _, n := range bn {
		if _, ok := as[n]; !ok {
			return false
		}
	}
	return true
}
