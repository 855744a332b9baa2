package signature

import "encoding/binary"

type valueKind uint8

const (
	undefined valueKind = iota
	boolean
	integer
)

// value is the result of a condition sub-expression. Undefined values come
// from out-of-range reads and missing match indexes; any comparison that
// involves one is false.
type value struct {
	kind valueKind
	i    int64
}

var undef = value{}

func boolValue(b bool) value {
	if b {
		return value{kind: boolean, i: 1}
	}
	return value{kind: boolean}
}

func intValue(i int64) value { return value{kind: integer, i: i} }

func truthy(v value) bool {
	return v.kind != undefined && v.i != 0
}

func (s *Session) eval(e expr) value {
	if s.err != nil {
		return undef
	}
	switch x := e.(type) {
	case boolLit:
		return boolValue(x.v)
	case intLit:
		return intValue(x.v)
	case filesizeExpr:
		return intValue(s.filesize)

	case *matchExpr:
		return boolValue(len(s.matches(x.ref.str)) > 0)

	case *atExpr:
		off := s.eval(x.off)
		if off.kind == undefined {
			return boolValue(false)
		}
		for _, m := range s.matches(x.ref.str) {
			if int64(m.off) == off.i {
				return boolValue(true)
			}
		}
		return boolValue(false)

	case *inExpr:
		lo, hi := s.eval(x.lo), s.eval(x.hi)
		if lo.kind == undefined || hi.kind == undefined {
			return boolValue(false)
		}
		for _, m := range s.matches(x.ref.str) {
			if int64(m.off) >= lo.i && int64(m.off) <= hi.i {
				return boolValue(true)
			}
		}
		return boolValue(false)

	case *countExpr:
		return intValue(int64(len(s.matches(x.ref.str))))

	case *offsetExpr:
		if m, ok := s.nth(x.ref.str, x.index); ok {
			return intValue(int64(m.off))
		}
		return undef

	case *lengthExpr:
		if m, ok := s.nth(x.ref.str, x.index); ok {
			return intValue(int64(m.len))
		}
		return undef

	case *ofExpr:
		return s.evalOf(x)

	case *ruleRef:
		return boolValue(s.results[x.index] == ruleTrue)

	case *unaryExpr:
		return s.evalUnary(x)

	case *binaryExpr:
		return s.evalBinary(x)

	case *readIntExpr:
		return s.readInt(x)
	}
	return undef
}

// nth returns the 1-based idx-th match of str.
func (s *Session) nth(str *stringDecl, idx expr) (span, bool) {
	i := s.eval(idx)
	if i.kind == undefined || i.i < 1 {
		return span{}, false
	}
	ms := s.matches(str)
	if i.i > int64(len(ms)) {
		return span{}, false
	}
	return ms[i.i-1], true
}

func (s *Session) evalOf(x *ofExpr) value {
	n := int64(0)
	for _, str := range x.set {
		if len(s.matches(str)) > 0 {
			n++
		}
	}
	switch {
	case x.all:
		return boolValue(n == int64(len(x.set)))
	case x.none:
		return boolValue(n == 0)
	}
	q := s.eval(x.quant)
	if q.kind == undefined {
		return boolValue(false)
	}
	return boolValue(n >= q.i)
}

func (s *Session) evalUnary(x *unaryExpr) value {
	v := s.eval(x.x)
	if v.kind == undefined {
		return undef
	}
	switch x.op {
	case "not":
		return boolValue(!truthy(v))
	case "-":
		return intValue(-v.i)
	case "~":
		return intValue(^v.i)
	}
	return undef
}

func (s *Session) evalBinary(x *binaryExpr) value {
	switch x.op {
	case "and":
		// An undefined operand makes the conjunction false.
		if !truthy(s.eval(x.l)) {
			return boolValue(false)
		}
		return boolValue(truthy(s.eval(x.r)))
	case "or":
		// An undefined operand is ignored; both undefined stays undefined.
		l := s.eval(x.l)
		if truthy(l) {
			return boolValue(true)
		}
		r := s.eval(x.r)
		if l.kind == undefined && r.kind == undefined {
			return undef
		}
		return boolValue(truthy(r))
	}

	// Comparisons and arithmetic on undefined stay undefined, so a negated
	// out-of-range read does not turn into a match. The rule condition
	// collapses undefined to false.
	l, r := s.eval(x.l), s.eval(x.r)
	if l.kind == undefined || r.kind == undefined {
		return undef
	}

	switch x.op {
	case "==":
		return boolValue(l.i == r.i)
	case "!=":
		return boolValue(l.i != r.i)
	case "<":
		return boolValue(l.i < r.i)
	case "<=":
		return boolValue(l.i <= r.i)
	case ">":
		return boolValue(l.i > r.i)
	case ">=":
		return boolValue(l.i >= r.i)
	case "+":
		return intValue(l.i + r.i)
	case "-":
		return intValue(l.i - r.i)
	case "*":
		return intValue(l.i * r.i)
	case "\\":
		if r.i == 0 {
			return undef
		}
		return intValue(l.i / r.i)
	case "%":
		if r.i == 0 {
			return undef
		}
		return intValue(l.i % r.i)
	case "&":
		return intValue(l.i & r.i)
	case "|":
		return intValue(l.i | r.i)
	case "^":
		return intValue(l.i ^ r.i)
	case "<<":
		if r.i < 0 {
			return undef
		}
		if r.i >= 64 {
			return intValue(0)
		}
		return intValue(l.i << uint(r.i))
	case ">>":
		if r.i < 0 {
			return undef
		}
		if r.i >= 64 {
			return intValue(0)
		}
		return intValue(l.i >> uint(r.i))
	}
	return undef
}

func (s *Session) readInt(x *readIntExpr) value {
	off := s.eval(x.off)
	if off.kind == undefined || off.i < 0 || off.i+int64(x.size) > int64(len(s.data)) {
		return undef
	}
	b := s.data[off.i : off.i+int64(x.size)]
	var order binary.ByteOrder = binary.LittleEndian
	if x.bigEndian {
		order = binary.BigEndian
	}
	switch x.size {
	case 1:
		if x.signed {
			return intValue(int64(int8(b[0])))
		}
		return intValue(int64(b[0]))
	case 2:
		v := order.Uint16(b)
		if x.signed {
			return intValue(int64(int16(v)))
		}
		return intValue(int64(v))
	default:
		v := order.Uint32(b)
		if x.signed {
			return intValue(int64(int32(v)))
		}
		return intValue(int64(v))
	}
}
