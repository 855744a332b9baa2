package signature

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// DefaultExtensions are the rule file extensions Compile picks up.
var DefaultExtensions = []string{".yar", ".yara"}

// DefaultMaxMatches caps the matches recorded per string per scan.
const DefaultMaxMatches = 1_000_000

// DefaultNamespace is reported for every match of the built-in engine.
const DefaultNamespace = "default"

// Option configures compilation.
type Option func(*compileOptions)

type compileOptions struct {
	extensions []string
	maxMatches int
}

// WithExtensions replaces the recognized rule file extensions.
func WithExtensions(exts ...string) Option {
	return func(o *compileOptions) { o.extensions = exts }
}

// WithMaxMatches sets the per-string match cap.
func WithMaxMatches(n int) Option {
	return func(o *compileOptions) {
		if n > 0 {
			o.maxMatches = n
		}
	}
}

// Problem is one compile failure.
type Problem struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (p Problem) String() string {
	if p.Line == 0 {
		return fmt.Sprintf("%s: %s", p.File, p.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", p.File, p.Line, p.Column, p.Message)
}

// CompileError lists every problem found while compiling a rule set.
type CompileError struct {
	Problems []Problem
}

func (e *CompileError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return "compile rules: " + strings.Join(msgs, "; ")
}

// Ruleset is an immutable compiled rule set. It is safe for concurrent use;
// all per-scan state lives in a Session.
type Ruleset struct {
	rules      []*ruleDecl
	strings    []*stringDecl
	maxMatches int
	hasGlobal  bool
}

type source struct {
	name string
	src  string
}

// Compile reads every file in dir with a recognized extension, in lexical
// order, and compiles them into one Ruleset. A directory without rule files
// yields an empty Ruleset.
func Compile(dir string, opts ...Option) (*Ruleset, error) {
	o := newCompileOptions(opts)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if slices.Contains(o.extensions, ext) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var sources []source
	var problems []Problem
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, Problem{File: path, Message: err.Error()})
			continue
		}
		sources = append(sources, source{name: path, src: string(data)})
	}
	return compileSources(sources, o, problems)
}

// CompileString compiles rules held in memory. name is used in errors.
func CompileString(name, src string, opts ...Option) (*Ruleset, error) {
	return compileSources([]source{{name: name, src: src}}, newCompileOptions(opts), nil)
}

func newCompileOptions(opts []Option) *compileOptions {
	o := &compileOptions{extensions: DefaultExtensions, maxMatches: DefaultMaxMatches}
	for _, opt := range opts {
		opt(o)
	}
	exts := make([]string, len(o.extensions))
	for i, ext := range o.extensions {
		exts[i] = strings.ToLower(ext)
	}
	o.extensions = exts
	return o
}

func compileSources(sources []source, o *compileOptions, problems []Problem) (*Ruleset, error) {
	var rules []*ruleDecl
	for _, s := range sources {
		parsed, err := parseFile(s.name, s.src)
		if err != nil {
			problems = append(problems, problemFrom(s.name, err))
			continue
		}
		rules = append(rules, parsed...)
	}

	l := &linker{index: make(map[string]int)}
	rs := &Ruleset{maxMatches: o.maxMatches}
	if len(problems) == 0 {
		for i, r := range rules {
			l.linkRule(rs, r, i)
		}
		problems = append(problems, l.problems...)
	}
	if len(problems) > 0 {
		return nil, &CompileError{Problems: problems}
	}
	rs.rules = rules
	return rs, nil
}

func problemFrom(file string, err error) Problem {
	var se *syntaxError
	if errors.As(err, &se) {
		return Problem{File: file, Line: se.pos.Line, Column: se.pos.Column, Message: se.msg}
	}
	return Problem{File: file, Message: err.Error()}
}

type linker struct {
	index    map[string]int
	problems []Problem
}

func (l *linker) errorf(r *ruleDecl, pos Pos, format string, args ...any) {
	l.problems = append(l.problems, Problem{
		File: r.file, Line: pos.Line, Column: pos.Column,
		Message: fmt.Sprintf(format, args...),
	})
}

func (l *linker) linkRule(rs *Ruleset, r *ruleDecl, idx int) {
	if _, dup := l.index[r.name]; dup {
		l.errorf(r, r.pos, "duplicated rule identifier %q", r.name)
	}
	if r.global {
		rs.hasGlobal = true
	}

	seen := make(map[string]bool)
	for _, s := range r.strings {
		if !s.anonymous {
			if seen[s.id] {
				l.errorf(r, s.pos, "duplicated string identifier %s", s.id)
			}
			seen[s.id] = true
		}
		switch s.kind {
		case stringHex:
			s.hexm = newHexMatcher(s.hex)
		case stringRegex:
			src := byteEscapes(s.reSrc)
			if s.nocase {
				src = "(?i)" + src
			}
			re, err := regexp.Compile(src)
			if err != nil {
				l.errorf(r, s.pos, "invalid regular expression %s: %v", s.id, err)
			}
			s.re = re
		}
		s.index = len(rs.strings)
		rs.strings = append(rs.strings, s)
	}

	r.referred = make(map[int]bool)
	l.resolve(r, r.cond)
	for i, s := range r.strings {
		if !r.referred[i] {
			l.errorf(r, s.pos, "unreferenced string %s", displayID(s))
		}
	}
	l.index[r.name] = idx
}

func displayID(s *stringDecl) string {
	if s.anonymous {
		return "$"
	}
	return s.id
}

// byteEscapes rewrites non-ASCII bytes of a regex source as \x{NN} so the
// pattern matches raw bytes rather than UTF-8 encoded runes.
func byteEscapes(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c < 0x80 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, `\x{%02x}`, c)
	}
	return b.String()
}

func (l *linker) lookupString(r *ruleDecl, ref *stringRef) {
	for i, s := range r.strings {
		if !s.anonymous && s.id == ref.name {
			ref.str = s
			r.referred[i] = true
			return
		}
	}
	l.errorf(r, ref.pos, "undefined string identifier %s", ref.name)
}

func (l *linker) resolve(r *ruleDecl, e expr) {
	switch x := e.(type) {
	case *matchExpr:
		l.lookupString(r, &x.ref)
	case *atExpr:
		l.lookupString(r, &x.ref)
		l.resolve(r, x.off)
	case *inExpr:
		l.lookupString(r, &x.ref)
		l.resolve(r, x.lo)
		l.resolve(r, x.hi)
	case *countExpr:
		l.lookupString(r, &x.ref)
	case *offsetExpr:
		l.lookupString(r, &x.ref)
		l.resolve(r, x.index)
	case *lengthExpr:
		l.lookupString(r, &x.ref)
		l.resolve(r, x.index)
	case *ofExpr:
		if x.quant != nil {
			l.resolve(r, x.quant)
		}
		l.resolveSet(r, x)
	case *ruleRef:
		idx, ok := l.index[x.name]
		if !ok {
			l.errorf(r, x.pos, "undefined identifier %q", x.name)
			return
		}
		x.index = idx
	case *unaryExpr:
		l.resolve(r, x.x)
	case *binaryExpr:
		l.resolve(r, x.l)
		l.resolve(r, x.r)
	case *readIntExpr:
		l.resolve(r, x.off)
	}
}

func (l *linker) resolveSet(r *ruleDecl, x *ofExpr) {
	if len(x.names) == 0 {
		if len(r.strings) == 0 {
			l.errorf(r, x.pos, "them used in a rule without strings")
			return
		}
		for i, s := range r.strings {
			x.set = append(x.set, s)
			r.referred[i] = true
		}
		return
	}

	added := make(map[int]bool)
	for _, name := range x.names {
		prefix, wildcard := strings.CutSuffix(name, "*")
		found := false
		for i, s := range r.strings {
			var ok bool
			switch {
			case wildcard && prefix == "$":
				ok = true
			case wildcard:
				ok = !s.anonymous && strings.HasPrefix(s.id, prefix)
			default:
				ok = !s.anonymous && s.id == name
			}
			if !ok {
				continue
			}
			found = true
			r.referred[i] = true
			if !added[i] {
				added[i] = true
				x.set = append(x.set, s)
			}
		}
		if !found {
			l.errorf(r, x.pos, "undefined string identifier %s", name)
		}
	}
}

// Len returns the number of compiled rules, private ones included.
func (rs *Ruleset) Len() int {
	return len(rs.rules)
}

// RuleNames returns every rule name in declaration order.
func (rs *Ruleset) RuleNames() []string {
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.name
	}
	return names
}
