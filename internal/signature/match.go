package signature

import (
	"bytes"
	"io"
	"slices"
)

func (s *Session) findAll(str *stringDecl, out []span) []span {
	switch str.kind {
	case stringText:
		out = s.findText(str, out)
	case stringHex:
		out = s.findHex(str, out)
	case stringRegex:
		out = s.findRegex(str, out)
	}
	return out
}

func (s *Session) limit(out []span) bool {
	return len(out) >= s.rs.maxMatches
}

type textForm struct {
	needle []byte
	step   int
}

func (s *Session) findText(str *stringDecl, out []span) []span {
	hay := s.data
	needle := str.text
	if str.nocase {
		hay = s.lowerData()
		needle = asciiLower(needle)
	}

	var forms []textForm
	if !str.wide || str.ascii {
		forms = append(forms, textForm{needle: needle, step: 1})
	}
	if str.wide {
		forms = append(forms, textForm{needle: widen(needle), step: 2})
	}

	for _, f := range forms {
		from := 0
		for from <= len(hay)-len(f.needle) && !s.limit(out) && s.tick() {
			i := bytes.Index(hay[from:], f.needle)
			if i < 0 {
				break
			}
			off := from + i
			if !str.fullword || s.isFullword(off, len(f.needle), f.step) {
				out = append(out, span{off: off, len: len(f.needle)})
			}
			from = off + 1
		}
	}
	if len(forms) > 1 {
		slices.SortFunc(out, func(a, b span) int { return a.off - b.off })
	}
	return out
}

func (s *Session) findHex(str *stringDecl, out []span) []span {
	m := str.hexm
	for pos := m.next(s.data, 0); pos < len(s.data) && !s.limit(out) && s.tick(); pos = m.next(s.data, pos+1) {
		if n, ok := m.matchAt(s.data, pos); ok {
			out = append(out, span{off: pos, len: n})
		}
	}
	return out
}

func (s *Session) findRegex(str *stringDecl, out []span) []span {
	if !str.wide || str.ascii {
		out = s.findRegexNarrow(str, out)
	}
	if str.wide {
		out = s.findRegexWide(str, out, 0)
		out = s.findRegexWide(str, out, 1)
		slices.SortFunc(out, func(a, b span) int { return a.off - b.off })
	}
	return out
}

func (s *Session) findRegexNarrow(str *stringDecl, out []span) []span {
	for start := 0; start <= len(s.data) && !s.limit(out) && s.tick(); {
		loc := str.re.FindReaderIndex(&byteReader{data: s.data, pos: start})
		if loc == nil {
			break
		}
		off := start + loc[0]
		n := loc[1] - loc[0]
		if !str.fullword || s.isFullword(off, n, 1) {
			out = append(out, span{off: off, len: n})
		}
		start = off + 1
	}
	return out
}

// findRegexWide matches str against UTF-16LE-looking runs (every second
// byte zero) starting at the given parity.
func (s *Session) findRegexWide(str *stringDecl, out []span, parity int) []span {
	for start := parity; start+1 < len(s.data) && !s.limit(out) && s.tick(); {
		loc := str.re.FindReaderIndex(&wideReader{data: s.data, pos: start})
		if loc == nil {
			start = s.wideRunEnd(start) + 2
			continue
		}
		off := start + loc[0]
		n := loc[1] - loc[0]
		if n > 0 && (!str.fullword || s.isFullword(off, n, 2)) {
			out = append(out, span{off: off, len: n})
		}
		start = off + 2
	}
	return out
}

func (s *Session) wideRunEnd(pos int) int {
	for pos+1 < len(s.data) && s.data[pos+1] == 0 {
		pos += 2
	}
	return pos
}

// isFullword reports whether the match at off is delimited by
// non-alphanumeric characters. step is 2 for wide matches.
func (s *Session) isFullword(off, n, step int) bool {
	if off-step >= 0 && isAlnum(s.data[off-step]) && (step == 1 || s.data[off-1] == 0) {
		return false
	}
	end := off + n
	if end < len(s.data) && isAlnum(s.data[end]) && (step == 1 || (end+1 < len(s.data) && s.data[end+1] == 0)) {
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// asciiLower folds only A-Z. bytes.ToLower would rewrite invalid UTF-8.
func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func widen(b []byte) []byte {
	out := make([]byte, 0, 2*len(b))
	for _, c := range b {
		out = append(out, c, 0)
	}
	return out
}

// byteReader presents each byte as one rune so regexp offsets are byte
// offsets and bytes >= 0x80 match \x{NN} literally.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) ReadRune() (rune, int, error) {
	if r.pos >= len(r.data) {
		return 0, 0, io.EOF
	}
	c := r.data[r.pos]
	r.pos++
	return rune(c), 1, nil
}

// wideReader reads two-byte units whose high byte is zero and stops at the
// first unit that is not.
type wideReader struct {
	data []byte
	pos  int
}

func (r *wideReader) ReadRune() (rune, int, error) {
	if r.pos+1 >= len(r.data) || r.data[r.pos+1] != 0 {
		return 0, 0, io.EOF
	}
	c := r.data[r.pos]
	r.pos += 2
	return rune(c), 2, nil
}
