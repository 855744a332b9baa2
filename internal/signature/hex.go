package signature

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type hexElemKind int

const (
	hexByte hexElemKind = iota
	hexJump
	hexAlt
)

// hexElem is one element of a compiled hex string: a byte with a nibble
// mask, a bounded or open jump, or a group of alternatives.
type hexElem struct {
	kind  hexElemKind
	value byte
	mask  byte

	min, max int // jump bounds; max < 0 means unbounded

	alts [][]hexElem
}

// maxOpenJump bounds [n-] jumps so a single candidate offset cannot cost
// more than this many bytes of backtracking.
const maxOpenJump = 1 << 20

func parseHex(body string, pos Pos) ([]hexElem, error) {
	hp := &hexParser{src: stripHexComments(body), pos: pos}
	elems, err := hp.sequence(false)
	if err != nil {
		return nil, err
	}
	if hp.i < len(hp.src) {
		return nil, hp.errorf("unexpected %q in hex string", hp.src[hp.i])
	}
	if len(elems) == 0 {
		return nil, hp.errorf("empty hex string")
	}
	if elems[0].kind == hexJump || elems[len(elems)-1].kind == hexJump {
		return nil, hp.errorf("hex string cannot start or end with a jump")
	}
	return elems, nil
}

func stripHexComments(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte(' ')
	}
	return b.String()
}

type hexParser struct {
	src string
	i   int
	pos Pos
}

func (hp *hexParser) errorf(format string, args ...any) error {
	return &syntaxError{pos: hp.pos, msg: fmt.Sprintf(format, args...)}
}

func (hp *hexParser) skipSpace() {
	for hp.i < len(hp.src) && strings.IndexByte(" \t\r\n", hp.src[hp.i]) >= 0 {
		hp.i++
	}
}

// sequence parses elements until end of input, or until '|' or ')' when
// inside a group.
func (hp *hexParser) sequence(inGroup bool) ([]hexElem, error) {
	var out []hexElem
	for {
		hp.skipSpace()
		if hp.i >= len(hp.src) {
			if inGroup {
				return nil, hp.errorf("unterminated alternative group")
			}
			return out, nil
		}
		c := hp.src[hp.i]
		switch {
		case c == '|' || c == ')':
			if !inGroup {
				return nil, hp.errorf("unexpected %q in hex string", c)
			}
			return out, nil
		case c == '(':
			hp.i++
			g, err := hp.group()
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		case c == '[':
			hp.i++
			j, err := hp.jump()
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		default:
			b, err := hp.byteElem()
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
}

func (hp *hexParser) group() (hexElem, error) {
	g := hexElem{kind: hexAlt}
	for {
		alt, err := hp.sequence(true)
		if err != nil {
			return g, err
		}
		if len(alt) == 0 {
			return g, hp.errorf("empty alternative")
		}
		g.alts = append(g.alts, alt)
		c := hp.src[hp.i]
		hp.i++
		if c == ')' {
			if len(g.alts) < 2 {
				return g, hp.errorf("alternative group needs at least two options")
			}
			return g, nil
		}
	}
}

func (hp *hexParser) jump() (hexElem, error) {
	end := strings.IndexByte(hp.src[hp.i:], ']')
	if end < 0 {
		return hexElem{}, hp.errorf("unterminated jump")
	}
	spec := strings.TrimSpace(hp.src[hp.i : hp.i+end])
	hp.i += end + 1

	j := hexElem{kind: hexJump}
	lo, hi, isRange := strings.Cut(spec, "-")
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)

	var err error
	if lo != "" {
		if j.min, err = strconv.Atoi(lo); err != nil || j.min < 0 {
			return j, hp.errorf("invalid jump [%s]", spec)
		}
	}
	switch {
	case !isRange:
		if lo == "" {
			return j, hp.errorf("invalid jump [%s]", spec)
		}
		j.max = j.min
	case hi == "":
		j.max = -1
	default:
		if j.max, err = strconv.Atoi(hi); err != nil || j.max < j.min {
			return j, hp.errorf("invalid jump [%s]", spec)
		}
	}
	return j, nil
}

func (hp *hexParser) byteElem() (hexElem, error) {
	if hp.i+1 >= len(hp.src) {
		return hexElem{}, hp.errorf("odd number of hex digits")
	}
	e := hexElem{kind: hexByte}
	if err := hp.nibble(&e, hp.src[hp.i], 4); err != nil {
		return e, err
	}
	if err := hp.nibble(&e, hp.src[hp.i+1], 0); err != nil {
		return e, err
	}
	hp.i += 2
	return e, nil
}

func (hp *hexParser) nibble(e *hexElem, c byte, shift uint) error {
	switch {
	case c == '?':
		return nil
	case isHexDigit(c):
		e.value |= hexValue(c) << shift
		e.mask |= 0xF << shift
		return nil
	}
	return hp.errorf("invalid hex digit %q", c)
}

// hexMatcher finds every offset at which a hex pattern matches.
type hexMatcher struct {
	elems []hexElem

	// literal prefix used to skip ahead with bytes.Index
	prefix []byte
}

func newHexMatcher(elems []hexElem) *hexMatcher {
	m := &hexMatcher{elems: elems}
	for _, e := range elems {
		if e.kind != hexByte || e.mask != 0xFF {
			break
		}
		m.prefix = append(m.prefix, e.value)
	}
	return m
}

// matchAt returns the length of the shortest match starting at off.
func (m *hexMatcher) matchAt(data []byte, off int) (int, bool) {
	end, ok := matchSeq(data, off, m.elems)
	if !ok {
		return 0, false
	}
	return end - off, true
}

// next returns the first candidate offset at or after from.
func (m *hexMatcher) next(data []byte, from int) int {
	if len(m.prefix) == 0 {
		return from
	}
	i := bytes.Index(data[from:], m.prefix)
	if i < 0 {
		return len(data)
	}
	return from + i
}

func matchSeq(data []byte, pos int, elems []hexElem) (int, bool) {
	for i, e := range elems {
		switch e.kind {
		case hexByte:
			if pos >= len(data) || data[pos]&e.mask != e.value {
				return 0, false
			}
			pos++
		case hexJump:
			hi := e.max
			if hi < 0 {
				hi = e.min + maxOpenJump
			}
			for n := e.min; n <= hi && pos+n <= len(data); n++ {
				if end, ok := matchSeq(data, pos+n, elems[i+1:]); ok {
					return end, true
				}
			}
			return 0, false
		case hexAlt:
			for _, alt := range e.alts {
				rest := append(append([]hexElem(nil), alt...), elems[i+1:]...)
				if end, ok := matchSeq(data, pos, rest); ok {
					return end, true
				}
			}
			return 0, false
		}
	}
	return pos, true
}
