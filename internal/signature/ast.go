package signature

import (
	"regexp"

	"edrcore/internal/alert"
)

type stringKind int

const (
	stringText stringKind = iota
	stringHex
	stringRegex
)

// stringDecl is one entry of a rule's strings section.
type stringDecl struct {
	id        string
	anonymous bool
	kind      stringKind
	pos       Pos

	text  []byte
	hex   []hexElem
	hexm  *hexMatcher
	reSrc string
	re    *regexp.Regexp

	nocase   bool
	wide     bool
	ascii    bool
	fullword bool
	private  bool

	// index into the ruleset-wide string table, set at link time
	index int
}

type ruleDecl struct {
	name     string
	tags     []string
	private  bool
	global   bool
	meta     []alert.MetaEntry
	strings  []*stringDecl
	cond     expr
	file     string
	pos      Pos
	referred map[int]bool // local string index -> referenced by the condition
}

// expr is a node of a condition expression tree.
type expr interface {
	exprPos() Pos
}

type (
	boolLit struct {
		pos Pos
		v   bool
	}
	intLit struct {
		pos Pos
		v   int64
	}
	filesizeExpr struct{ pos Pos }

	// stringRef refers to one string of the enclosing rule.
	stringRef struct {
		pos  Pos
		name string
		str  *stringDecl
	}
	matchExpr struct {
		ref stringRef
	}
	atExpr struct {
		ref stringRef
		off expr
	}
	inExpr struct {
		ref    stringRef
		lo, hi expr
	}
	countExpr struct {
		ref stringRef
	}
	offsetExpr struct {
		ref   stringRef
		index expr
	}
	lengthExpr struct {
		ref   stringRef
		index expr
	}

	// ofExpr is "<quantifier> of <set>". quant is nil for all, and
	// intLit{0} for none.
	ofExpr struct {
		pos   Pos
		all   bool
		none  bool
		quant expr
		names []string // patterns as written; empty means "them"
		set   []*stringDecl
	}

	ruleRef struct {
		pos   Pos
		name  string
		index int
	}

	unaryExpr struct {
		pos Pos
		op  string
		x   expr
	}
	binaryExpr struct {
		pos  Pos
		op   string
		l, r expr
	}

	readIntExpr struct {
		pos       Pos
		fn        string
		size      int
		signed    bool
		bigEndian bool
		off       expr
	}
)

func (e boolLit) exprPos() Pos      { return e.pos }
func (e intLit) exprPos() Pos       { return e.pos }
func (e filesizeExpr) exprPos() Pos { return e.pos }
func (e *matchExpr) exprPos() Pos   { return e.ref.pos }
func (e *atExpr) exprPos() Pos      { return e.ref.pos }
func (e *inExpr) exprPos() Pos      { return e.ref.pos }
func (e *countExpr) exprPos() Pos   { return e.ref.pos }
func (e *offsetExpr) exprPos() Pos  { return e.ref.pos }
func (e *lengthExpr) exprPos() Pos  { return e.ref.pos }
func (e *ofExpr) exprPos() Pos      { return e.pos }
func (e *ruleRef) exprPos() Pos     { return e.pos }
func (e *unaryExpr) exprPos() Pos   { return e.pos }
func (e *binaryExpr) exprPos() Pos  { return e.pos }
func (e *readIntExpr) exprPos() Pos { return e.pos }

// intReaders maps the supported integer-read functions to their width,
// signedness and byte order.
var intReaders = map[string]readIntExpr{
	"uint8":    {size: 1},
	"uint16":   {size: 2},
	"uint32":   {size: 4},
	"int8":     {size: 1, signed: true},
	"int16":    {size: 2, signed: true},
	"int32":    {size: 4, signed: true},
	"uint16be": {size: 2, bigEndian: true},
	"uint32be": {size: 4, bigEndian: true},
	"int16be":  {size: 2, signed: true, bigEndian: true},
	"int32be":  {size: 4, signed: true, bigEndian: true},
}
