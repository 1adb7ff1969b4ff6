// Package pattern implements path patterns: paths with {attribute}
// placeholders that are resolved per sample.
//
// Supported attributes:
//
//	{sample}, {sample.id}  sample identifier
//	{sample.path}          sample source-data path
//	{sample.genome}        sample genome identifier
//	{genome.<role>}        genome resource path for role
//	{template}             stage template name
//
// "{{" and "}}" produce literal braces.
package pattern

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/me/stageflow/pkg/model"
)

// Attribute names.
const (
	AttrSample       = "sample"
	AttrSampleID     = "sample.id"
	AttrSamplePath   = "sample.path"
	AttrSampleGenome = "sample.genome"
	AttrTemplate     = "template"
	genomePrefix     = "genome."
)

// Segment is either literal text or a single attribute reference.
type Segment struct {
	Literal string
	Attr    string
}

// IsAttr reports whether the segment is a placeholder.
func (s Segment) IsAttr() bool { return s.Attr != "" }

// Pattern is a parsed path pattern.
type Pattern struct {
	raw      string
	segments []Segment
}

// Parse parses s into a Pattern.
func Parse(s string) (*Pattern, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty pattern", model.ErrInvalidPattern)
	}
	p := &Pattern{raw: s}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			p.segments = append(p.segments, Segment{Literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q: unclosed placeholder", model.ErrInvalidPattern, s)
			}
			attr := strings.TrimSpace(s[i+1 : i+1+end])
			if !validAttr(attr) {
				return nil, fmt.Errorf("%w: %q: unknown attribute %q", model.ErrInvalidPattern, s, attr)
			}
			flush()
			p.segments = append(p.segments, Segment{Attr: attr})
			i += end + 1
		case c == '}':
			return nil, fmt.Errorf("%w: %q: unmatched '}'", model.ErrInvalidPattern, s)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static declarations.
func MustParse(s string) *Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func validAttr(attr string) bool {
	switch attr {
	case AttrSample, AttrSampleID, AttrSamplePath, AttrSampleGenome, AttrTemplate:
		return true
	}
	return strings.HasPrefix(attr, genomePrefix) && len(attr) > len(genomePrefix)
}

// String returns the pattern as written.
func (p *Pattern) String() string { return p.raw }

// Canonical returns a normal form of the pattern: {sample.id} is written
// {sample} and the path is cleaned. Two patterns with the same canonical
// form resolve to the same path for every binding.
func (p *Pattern) Canonical() string {
	var b strings.Builder
	for _, s := range p.segments {
		switch {
		case !s.IsAttr():
			lit := strings.ReplaceAll(s.Literal, "{", "{{")
			b.WriteString(strings.ReplaceAll(lit, "}", "}}"))
		case s.Attr == AttrSampleID:
			b.WriteString("{" + AttrSample + "}")
		default:
			b.WriteString("{" + s.Attr + "}")
		}
	}
	return filepath.Clean(b.String())
}

// Segments returns the parsed segments.
func (p *Pattern) Segments() []Segment { return p.segments }

// Attributes returns the attributes referenced, in order of appearance.
func (p *Pattern) Attributes() []string {
	var attrs []string
	for _, s := range p.segments {
		if s.IsAttr() {
			attrs = append(attrs, s.Attr)
		}
	}
	return attrs
}

// IsExternal reports whether the pattern is exactly one reference to raw
// data owned by the sample or its genome. Such inputs are never produced by
// a stage.
func (p *Pattern) IsExternal() bool {
	if len(p.segments) != 1 || !p.segments[0].IsAttr() {
		return false
	}
	attr := p.segments[0].Attr
	return attr == AttrSamplePath || strings.HasPrefix(attr, genomePrefix)
}

// Resolver looks up the value of one attribute.
type Resolver interface {
	Lookup(attr string) (string, error)
}

// Resolve substitutes every placeholder and returns the cleaned path.
func (p *Pattern) Resolve(r Resolver) (string, error) {
	var b strings.Builder
	for _, s := range p.segments {
		if !s.IsAttr() {
			b.WriteString(s.Literal)
			continue
		}
		v, err := r.Lookup(s.Attr)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", p.raw, err)
		}
		b.WriteString(v)
	}
	return filepath.Clean(b.String()), nil
}

// Binding resolves attributes for one (sample, genome, template) triple.
type Binding struct {
	Sample   *model.Sample
	Genome   *model.Genome
	Template string
}

// Lookup implements Resolver.
func (b Binding) Lookup(attr string) (string, error) {
	switch attr {
	case AttrSample, AttrSampleID:
		if b.Sample == nil {
			return "", fmt.Errorf("no sample bound for {%s}", attr)
		}
		return b.Sample.ID, nil
	case AttrSamplePath:
		if b.Sample == nil {
			return "", fmt.Errorf("no sample bound for {%s}", attr)
		}
		return b.Sample.Path, nil
	case AttrSampleGenome:
		if b.Sample == nil {
			return "", fmt.Errorf("no sample bound for {%s}", attr)
		}
		return b.Sample.GenomeID, nil
	case AttrTemplate:
		if b.Template == "" {
			return "", fmt.Errorf("no template bound for {%s}", attr)
		}
		return b.Template, nil
	}
	if role, ok := strings.CutPrefix(attr, genomePrefix); ok {
		path, found := b.Genome.Resource(role)
		if !found {
			gid := ""
			if b.Genome != nil {
				gid = b.Genome.ID
			}
			return "", fmt.Errorf("genome %q has no resource %q", gid, role)
		}
		return path, nil
	}
	return "", fmt.Errorf("unknown attribute %q", attr)
}
