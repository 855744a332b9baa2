package signature

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokStringID // $a, $, $a*
	tokCount    // #a
	tokOffset   // @a
	tokLength   // !a
	tokInt
	tokText
	tokRegex
	tokPunct
)

// Pos is a position within a rule source.
type Pos struct {
	Line   int
	Column int
}

type token struct {
	kind tokenKind
	text string // identifier, punctuation, or decoded text string
	ival int64
	pos  Pos

	// regex flags following the closing slash
	flags string
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of file"
	case tokText:
		return strconv.Quote(t.text)
	case tokInt:
		return strconv.FormatInt(t.ival, 10)
	case tokRegex:
		return "/" + t.text + "/" + t.flags
	}
	return t.text
}

type lexer struct {
	src  string
	off  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

// syntaxError carries a position so the parser can report file:line:col.
type syntaxError struct {
	pos Pos
	msg string
}

func (e *syntaxError) Error() string { return e.msg }

func (l *lexer) errorf(pos Pos, format string, args ...any) error {
	return &syntaxError{pos: pos, msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) pos() Pos { return Pos{Line: l.line, Column: l.col} }

func (l *lexer) peekByte(n int) byte {
	if l.off+n < len(l.src) {
		return l.src[l.off+n]
	}
	return 0
}

func (l *lexer) advance() byte {
	c := l.src[l.off]
	l.off++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) skipSpaceAndComments() error {
	for l.off < len(l.src) {
		c := l.src[l.off]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '/' && l.peekByte(1) == '/':
			for l.off < len(l.src) && l.src[l.off] != '\n' {
				l.advance()
			}
		case c == '/' && l.peekByte(1) == '*':
			start := l.pos()
			l.advance()
			l.advance()
			for {
				if l.off >= len(l.src) {
					return l.errorf(start, "unterminated comment")
				}
				if l.src[l.off] == '*' && l.peekByte(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (l *lexer) ident() string {
	start := l.off
	for l.off < len(l.src) && isIdentChar(l.src[l.off]) {
		l.advance()
	}
	return l.src[start:l.off]
}

var punctuation = []string{
	"..", "==", "!=", "<=", ">=", "<<", ">>",
	"{", "}", "(", ")", "[", "]", ":", "=", ",", "<", ">",
	"+", "-", "*", "\\", "%", "&", "|", "^", "~",
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	pos := l.pos()
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: pos}, nil
	}

	c := l.src[l.off]
	switch {
	case isIdentStart(c):
		return token{kind: tokIdent, text: l.ident(), pos: pos}, nil

	case c >= '0' && c <= '9':
		return l.number(pos)

	case c == '"':
		return l.text(pos)

	case c == '/':
		return l.regex(pos)

	case c == '$':
		l.advance()
		name := "$" + l.ident()
		if l.off < len(l.src) && l.src[l.off] == '*' {
			l.advance()
			name += "*"
		}
		return token{kind: tokStringID, text: name, pos: pos}, nil

	case c == '#' || c == '@' || (c == '!' && isIdentStart(l.peekByte(1))):
		l.advance()
		name := l.ident()
		if name == "" {
			return token{}, l.errorf(pos, "expected identifier after %q", c)
		}
		kind := map[byte]tokenKind{'#': tokCount, '@': tokOffset, '!': tokLength}[c]
		return token{kind: kind, text: "$" + name, pos: pos}, nil
	}

	for _, p := range punctuation {
		if strings.HasPrefix(l.src[l.off:], p) {
			for range len(p) {
				l.advance()
			}
			return token{kind: tokPunct, text: p, pos: pos}, nil
		}
	}
	return token{}, l.errorf(pos, "unexpected character %q", c)
}

func (l *lexer) number(pos Pos) (token, error) {
	start := l.off
	base := 10
	if l.src[l.off] == '0' && (l.peekByte(1) == 'x' || l.peekByte(1) == 'X') {
		l.advance()
		l.advance()
		start = l.off
		base = 16
		for l.off < len(l.src) && isHexDigit(l.src[l.off]) {
			l.advance()
		}
	} else {
		for l.off < len(l.src) && l.src[l.off] >= '0' && l.src[l.off] <= '9' {
			l.advance()
		}
	}
	v, err := strconv.ParseInt(l.src[start:l.off], base, 64)
	if err != nil {
		return token{}, l.errorf(pos, "invalid integer %q", l.src[start:l.off])
	}
	switch {
	case strings.HasPrefix(l.src[l.off:], "KB"):
		v *= 1024
		l.advance()
		l.advance()
	case strings.HasPrefix(l.src[l.off:], "MB"):
		v *= 1024 * 1024
		l.advance()
		l.advance()
	}
	if l.off < len(l.src) && isIdentChar(l.src[l.off]) {
		return token{}, l.errorf(pos, "invalid integer suffix")
	}
	return token{kind: tokInt, ival: v, pos: pos}, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func (l *lexer) text(pos Pos) (token, error) {
	l.advance()
	var b strings.Builder
	for {
		if l.off >= len(l.src) || l.src[l.off] == '\n' {
			return token{}, l.errorf(pos, "unterminated string")
		}
		c := l.advance()
		if c == '"' {
			break
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if l.off >= len(l.src) {
			return token{}, l.errorf(pos, "unterminated string")
		}
		esc := l.advance()
		switch esc {
		case '"', '\\':
			b.WriteByte(esc)
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'x':
			hi, lo := l.peekByte(0), l.peekByte(1)
			if !isHexDigit(hi) || !isHexDigit(lo) {
				return token{}, l.errorf(l.pos(), `invalid \x escape`)
			}
			l.advance()
			l.advance()
			b.WriteByte(hexValue(hi)<<4 | hexValue(lo))
		default:
			return token{}, l.errorf(l.pos(), "invalid escape sequence \\%c", esc)
		}
	}
	return token{kind: tokText, text: b.String(), pos: pos}, nil
}

func (l *lexer) regex(pos Pos) (token, error) {
	l.advance()
	var b strings.Builder
	for {
		if l.off >= len(l.src) || l.src[l.off] == '\n' {
			return token{}, l.errorf(pos, "unterminated regular expression")
		}
		c := l.advance()
		if c == '/' {
			break
		}
		if c == '\\' && l.off < len(l.src) {
			next := l.advance()
			if next != '/' {
				b.WriteByte('\\')
			}
			b.WriteByte(next)
			continue
		}
		b.WriteByte(c)
	}
	if b.Len() == 0 {
		return token{}, l.errorf(pos, "empty regular expression")
	}
	flagStart := l.off
	for l.off < len(l.src) && (l.src[l.off] == 'i' || l.src[l.off] == 's') {
		l.advance()
	}
	return token{kind: tokRegex, text: b.String(), flags: l.src[flagStart:l.off], pos: pos}, nil
}

// hexBody reads raw hex string content up to the closing brace. It is
// called by the parser right after consuming the opening brace of a hex
// string, before any further token is lexed.
func (l *lexer) hexBody(pos Pos) (string, error) {
	start := l.off
	for l.off < len(l.src) && l.src[l.off] != '}' {
		l.advance()
	}
	if l.off >= len(l.src) {
		return "", l.errorf(pos, "unterminated hex string")
	}
	body := l.src[start:l.off]
	l.advance()
	return body, nil
}
