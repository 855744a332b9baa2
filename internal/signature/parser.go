package signature

import (
	"strconv"
	"strings"

	"edrcore/internal/alert"
)

type parser struct {
	lex  *lexer
	tok  token
	file string
}

// parseFile parses one rule source. Parsing stops at the first syntax
// error, which is returned with its position.
func parseFile(file, src string) ([]*ruleDecl, error) {
	p := &parser{lex: newLexer(src), file: file}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var rules []*ruleDecl
	for p.tok.kind != tokEOF {
		r, err := p.rule()
		if err != nil {
			return rules, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) errorf(pos Pos, format string, args ...any) error {
	return p.lex.errorf(pos, format, args...)
}

func (p *parser) isPunct(s string) bool {
	return p.tok.kind == tokPunct && p.tok.text == s
}

func (p *parser) isKeyword(s string) bool {
	return p.tok.kind == tokIdent && p.tok.text == s
}

func (p *parser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return p.errorf(p.tok.pos, "expected %q, found %s", s, p.tok)
	}
	return p.advance()
}

func (p *parser) expectKeyword(s string) error {
	if !p.isKeyword(s) {
		return p.errorf(p.tok.pos, "expected %q, found %s", s, p.tok)
	}
	return p.advance()
}

func (p *parser) identifier() (string, Pos, error) {
	if p.tok.kind != tokIdent {
		return "", p.tok.pos, p.errorf(p.tok.pos, "expected identifier, found %s", p.tok)
	}
	name, pos := p.tok.text, p.tok.pos
	return name, pos, p.advance()
}

func (p *parser) rule() (*ruleDecl, error) {
	r := &ruleDecl{file: p.file, pos: p.tok.pos}
	for {
		switch {
		case p.isKeyword("import"):
			return nil, p.errorf(p.tok.pos, "import is not supported: modules are unavailable")
		case p.isKeyword("include"):
			return nil, p.errorf(p.tok.pos, "include is not supported")
		case p.isKeyword("private"):
			r.private = true
		case p.isKeyword("global"):
			r.global = true
		case p.isKeyword("rule"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			return p.ruleBody(r)
		default:
			return nil, p.errorf(p.tok.pos, "expected rule declaration, found %s", p.tok)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) ruleBody(r *ruleDecl) (*ruleDecl, error) {
	name, pos, err := p.identifier()
	if err != nil {
		return nil, err
	}
	if reserved[name] {
		return nil, p.errorf(pos, "%q is a reserved word", name)
	}
	r.name, r.pos = name, pos

	if p.isPunct(":") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.tok.kind == tokIdent {
			r.tags = append(r.tags, p.tok.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if len(r.tags) == 0 {
			return nil, p.errorf(p.tok.pos, "expected tag after ':'")
		}
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}

	if p.isKeyword("meta") {
		if err := p.meta(r); err != nil {
			return nil, err
		}
	}
	if p.isKeyword("strings") {
		if err := p.stringsSection(r); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("condition"); err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	cond, err := p.orExpr()
	if err != nil {
		return nil, err
	}
	r.cond = cond
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *parser) meta(r *ruleDecl) error {
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	for p.tok.kind == tokIdent && !p.isKeyword("strings") && !p.isKeyword("condition") {
		key := p.tok.text
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.expectPunct("="); err != nil {
			return err
		}
		var value string
		switch {
		case p.tok.kind == tokText:
			value = p.tok.text
		case p.tok.kind == tokInt:
			value = strconv.FormatInt(p.tok.ival, 10)
		case p.isPunct("-"):
			if err := p.advance(); err != nil {
				return err
			}
			if p.tok.kind != tokInt {
				return p.errorf(p.tok.pos, "expected integer after '-'")
			}
			value = strconv.FormatInt(-p.tok.ival, 10)
		case p.isKeyword("true"), p.isKeyword("false"):
			value = p.tok.text
		default:
			return p.errorf(p.tok.pos, "invalid meta value %s", p.tok)
		}
		r.meta = append(r.meta, alert.MetaEntry{Key: key, Value: value})
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) stringsSection(r *ruleDecl) error {
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	for p.tok.kind == tokStringID {
		s := &stringDecl{id: p.tok.text, pos: p.tok.pos}
		if strings.HasSuffix(s.id, "*") {
			return p.errorf(s.pos, "invalid string identifier %s", s.id)
		}
		if s.id == "$" {
			s.anonymous = true
			s.id = "$~" + strconv.Itoa(len(r.strings))
		}
		if err := p.advance(); err != nil {
			return err
		}
		if !p.isPunct("=") {
			return p.errorf(p.tok.pos, "expected '=' after %s", s.id)
		}
		// For a hex string only the opening brace is lexed; hexBody reads
		// the rest raw.
		if err := p.advance(); err != nil {
			return err
		}
		switch {
		case p.tok.kind == tokText:
			if p.tok.text == "" {
				return p.errorf(p.tok.pos, "empty string %s", s.id)
			}
			s.kind = stringText
			s.text = []byte(p.tok.text)
		case p.tok.kind == tokRegex:
			s.kind = stringRegex
			s.reSrc = regexPrefix(p.tok.flags) + p.tok.text
		case p.isPunct("{"):
			body, err := p.lex.hexBody(p.tok.pos)
			if err != nil {
				return err
			}
			elems, err := parseHex(body, p.tok.pos)
			if err != nil {
				return err
			}
			s.kind = stringHex
			s.hex = elems
		default:
			return p.errorf(p.tok.pos, "expected string value, found %s", p.tok)
		}
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.modifiers(s); err != nil {
			return err
		}
		r.strings = append(r.strings, s)
	}
	if len(r.strings) == 0 {
		return p.errorf(p.tok.pos, "empty strings section")
	}
	return nil
}

func regexPrefix(flags string) string {
	if flags == "" {
		return ""
	}
	return "(?" + flags + ")"
}

func (p *parser) modifiers(s *stringDecl) error {
	for p.tok.kind == tokIdent {
		m := p.tok.text
		switch m {
		case "nocase":
			s.nocase = true
		case "wide":
			s.wide = true
		case "ascii":
			s.ascii = true
		case "fullword":
			s.fullword = true
		case "private":
			s.private = true
		case "condition":
			return nil
		default:
			return p.errorf(p.tok.pos, "unsupported string modifier %q", m)
		}
		if s.kind == stringHex && m != "private" {
			return p.errorf(p.tok.pos, "modifier %q is not allowed on hex strings", m)
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

// Condition grammar, loosest binding first:
//
//	or, and, not, relational, |, ^, &, shifts, + -, * \ %, unary - ~
func (p *parser) orExpr() (expr, error) {
	return p.binaryLevel([]string{"or"}, p.andExpr)
}

func (p *parser) andExpr() (expr, error) {
	return p.binaryLevel([]string{"and"}, p.notExpr)
}

func (p *parser) notExpr() (expr, error) {
	if p.isKeyword("not") {
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{pos: pos, op: "not", x: x}, nil
	}
	return p.relExpr()
}

func (p *parser) relExpr() (expr, error) {
	l, err := p.bitOrExpr()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.isPunct(op) {
			pos := p.tok.pos
			if err := p.advance(); err != nil {
				return nil, err
			}
			r, err := p.bitOrExpr()
			if err != nil {
				return nil, err
			}
			return &binaryExpr{pos: pos, op: op, l: l, r: r}, nil
		}
	}
	return l, nil
}

func (p *parser) bitOrExpr() (expr, error) {
	return p.binaryLevel([]string{"|"}, p.xorExpr)
}

func (p *parser) xorExpr() (expr, error) {
	return p.binaryLevel([]string{"^"}, p.bitAndExpr)
}

func (p *parser) bitAndExpr() (expr, error) {
	return p.binaryLevel([]string{"&"}, p.shiftExpr)
}

func (p *parser) shiftExpr() (expr, error) {
	return p.binaryLevel([]string{"<<", ">>"}, p.addExpr)
}

func (p *parser) addExpr() (expr, error) {
	return p.binaryLevel([]string{"+", "-"}, p.mulExpr)
}

func (p *parser) mulExpr() (expr, error) {
	return p.binaryLevel([]string{"*", "\\", "%"}, p.unaryExpr)
}

func (p *parser) binaryLevel(ops []string, next func() (expr, error)) (expr, error) {
	l, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.matchOp(ops)
		if !ok {
			return l, nil
		}
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := next()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{pos: pos, op: op, l: l, r: r}
	}
}

func (p *parser) matchOp(ops []string) (string, bool) {
	for _, op := range ops {
		if (op == "and" || op == "or") && p.isKeyword(op) {
			return op, true
		}
		if p.isPunct(op) {
			return op, true
		}
	}
	return "", false
}

func (p *parser) unaryExpr() (expr, error) {
	if p.isPunct("-") || p.isPunct("~") {
		pos, op := p.tok.pos, p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.unaryExpr()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{pos: pos, op: op, x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (expr, error) {
	t := p.tok
	switch t.kind {
	case tokPunct:
		if t.text == "(" {
			if err := p.advance(); err != nil {
				return nil, err
			}
			x, err := p.orExpr()
			if err != nil {
				return nil, err
			}
			return x, p.expectPunct(")")
		}

	case tokInt:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isKeyword("of") {
			return p.ofTail(t.pos, false, false, intLit{pos: t.pos, v: t.ival})
		}
		return intLit{pos: t.pos, v: t.ival}, nil

	case tokStringID:
		return p.stringExpr()

	case tokCount:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &countExpr{ref: stringRef{pos: t.pos, name: t.text}}, nil

	case tokOffset, tokLength:
		if err := p.advance(); err != nil {
			return nil, err
		}
		var index expr = intLit{pos: t.pos, v: 1}
		if p.isPunct("[") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			x, err := p.orExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			index = x
		}
		ref := stringRef{pos: t.pos, name: t.text}
		if t.kind == tokOffset {
			return &offsetExpr{ref: ref, index: index}, nil
		}
		return &lengthExpr{ref: ref, index: index}, nil

	case tokIdent:
		return p.identExpr()
	}
	return nil, p.errorf(t.pos, "unexpected %s in condition", t)
}

func (p *parser) stringExpr() (expr, error) {
	t := p.tok
	if t.text == "$" || strings.HasSuffix(t.text, "*") {
		return nil, p.errorf(t.pos, "%s cannot be used outside a string set", t.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	ref := stringRef{pos: t.pos, name: t.text}
	switch {
	case p.isKeyword("at"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		off, err := p.addExpr()
		if err != nil {
			return nil, err
		}
		return &atExpr{ref: ref, off: off}, nil
	case p.isKeyword("in"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		lo, err := p.addExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(".."); err != nil {
			return nil, err
		}
		hi, err := p.addExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &inExpr{ref: ref, lo: lo, hi: hi}, nil
	}
	return &matchExpr{ref: ref}, nil
}

func (p *parser) identExpr() (expr, error) {
	t := p.tok
	switch t.text {
	case "true", "false":
		return boolLit{pos: t.pos, v: t.text == "true"}, p.advance()
	case "filesize":
		return filesizeExpr{pos: t.pos}, p.advance()
	case "all", "any", "none":
		if err := p.advance(); err != nil {
			return nil, err
		}
		if !p.isKeyword("of") {
			return nil, p.errorf(p.tok.pos, "expected 'of' after %q", t.text)
		}
		var quant expr
		if t.text == "any" {
			quant = intLit{pos: t.pos, v: 1}
		}
		return p.ofTail(t.pos, t.text == "all", t.text == "none", quant)
	case "for":
		return nil, p.errorf(t.pos, "for expressions are not supported")
	case "entrypoint":
		return nil, p.errorf(t.pos, "entrypoint is not supported")
	}

	if proto, ok := intReaders[t.text]; ok {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		off, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		r := proto
		r.pos, r.fn, r.off = t.pos, t.text, off
		return &r, nil
	}

	if reserved[t.text] {
		return nil, p.errorf(t.pos, "unexpected %q in condition", t.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.isPunct(".") || p.isPunct("(") {
		return nil, p.errorf(t.pos, "undefined identifier %q", t.text)
	}
	return &ruleRef{pos: t.pos, name: t.text, index: -1}, nil
}

// ofTail parses "of them" or "of ($a, $b*)" after the quantifier.
func (p *parser) ofTail(pos Pos, all, none bool, quant expr) (expr, error) {
	if err := p.expectKeyword("of"); err != nil {
		return nil, err
	}
	e := &ofExpr{pos: pos, all: all, none: none, quant: quant}
	if p.isKeyword("them") {
		return e, p.advance()
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	for {
		if p.tok.kind != tokStringID {
			return nil, p.errorf(p.tok.pos, "expected string identifier in set, found %s", p.tok)
		}
		e.names = append(e.names, p.tok.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isPunct(")") {
			return e, p.advance()
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

var reserved = map[string]bool{
	"all": true, "and": true, "any": true, "ascii": true, "at": true, "condition": true,
	"contains": true, "entrypoint": true, "false": true, "filesize": true, "for": true,
	"fullword": true, "global": true, "import": true, "in": true, "include": true,
	"matches": true, "meta": true, "nocase": true, "none": true, "not": true, "of": true,
	"or": true, "private": true, "rule": true, "strings": true, "them": true, "true": true,
	"wide": true,
}
