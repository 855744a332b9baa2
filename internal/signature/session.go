package signature

import (
	"context"
	"errors"
	"slices"

	"edrcore/internal/alert"
)

// ErrSessionNotClean is returned when a session still carries state from a
// previous scan. Matching on such a session could attribute one file's
// matches to another.
var ErrSessionNotClean = errors.New("signature: scan session not clean")

// Match is one firing rule.
type Match struct {
	Rule      string
	Namespace string
	Tags      []string
	Metadata  []alert.MetaEntry
}

type span struct {
	off int
	len int
}

type ruleState uint8

const (
	ruleUnknown ruleState = iota
	ruleTrue
	ruleFalse
)

// ctxCheckEvery is how many matching steps run between context checks.
const ctxCheckEvery = 4096

// Session holds the mutable state of one scan: string match offsets, rule
// results and a case-folded copy of the data. A session must be Reset
// before it is used for another buffer.
type Session struct {
	rs *Ruleset

	data     []byte
	filesize int64
	lower    []byte
	lowered  bool

	spans    [][]span
	computed []bool
	results  []ruleState

	ctx   context.Context
	steps int
	err   error
	used  bool
}

// NewSession returns a clean session bound to rs.
func (rs *Ruleset) NewSession() *Session {
	return &Session{
		rs:       rs,
		spans:    make([][]span, len(rs.strings)),
		computed: make([]bool, len(rs.strings)),
		results:  make([]ruleState, len(rs.rules)),
	}
}

// Scan matches data with a fresh session.
func (rs *Ruleset) Scan(ctx context.Context, data []byte) ([]Match, error) {
	return rs.NewSession().Scan(ctx, data)
}

// Reset clears all per-scan state. Buffers are kept for reuse.
func (s *Session) Reset() {
	s.data = nil
	s.filesize = 0
	s.lower = s.lower[:0]
	s.lowered = false
	for i := range s.spans {
		s.spans[i] = s.spans[i][:0]
	}
	clear(s.computed)
	clear(s.results)
	s.ctx = nil
	s.steps = 0
	s.err = nil
	s.used = false
}

// Clean reports whether the session carries no state from a previous scan.
func (s *Session) Clean() bool {
	if s.used || s.data != nil || s.lowered || len(s.lower) != 0 || s.ctx != nil || s.err != nil {
		return false
	}
	if s.rs == nil || len(s.spans) != len(s.rs.strings) || len(s.computed) != len(s.rs.strings) ||
		len(s.results) != len(s.rs.rules) {
		return false
	}
	for i := range s.spans {
		if len(s.spans[i]) != 0 || s.computed[i] {
			return false
		}
	}
	for _, r := range s.results {
		if r != ruleUnknown {
			return false
		}
	}
	return true
}

// Scan evaluates every rule against data. The session must be clean; after
// Scan it holds state until Reset.
func (s *Session) Scan(ctx context.Context, data []byte) ([]Match, error) {
	return s.scan(ctx, data, int64(len(data)))
}

// scan evaluates data, which may be a prefix of a larger file of size
// filesize.
func (s *Session) scan(ctx context.Context, data []byte, filesize int64) ([]Match, error) {
	if !s.Clean() {
		return nil, ErrSessionNotClean
	}
	s.used = true
	s.ctx = ctx
	s.data = data
	s.filesize = filesize

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, r := range s.rs.rules {
		ok := truthy(s.eval(r.cond))
		if s.err != nil {
			return nil, s.err
		}
		if ok {
			s.results[i] = ruleTrue
		} else {
			s.results[i] = ruleFalse
		}
	}

	if s.rs.hasGlobal {
		for i, r := range s.rs.rules {
			if r.global && s.results[i] != ruleTrue {
				return []Match{}, nil
			}
		}
	}

	matches := []Match{}
	for i, r := range s.rs.rules {
		if r.private || s.results[i] != ruleTrue {
			continue
		}
		matches = append(matches, Match{
			Rule:      r.name,
			Namespace: DefaultNamespace,
			Tags:      slices.Clone(r.tags),
			Metadata:  slices.Clone(r.meta),
		})
	}
	return matches, nil
}

// tick counts one unit of matching work and reports whether to continue.
func (s *Session) tick() bool {
	if s.err != nil {
		return false
	}
	s.steps++
	if s.steps%ctxCheckEvery == 0 {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
	}
	return true
}

func (s *Session) lowerData() []byte {
	if !s.lowered {
		if cap(s.lower) < len(s.data) {
			s.lower = make([]byte, len(s.data))
		}
		s.lower = s.lower[:len(s.data)]
		for i, c := range s.data {
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			s.lower[i] = c
		}
		s.lowered = true
	}
	return s.lower
}

// matches returns the match spans of str, computing them on first use.
func (s *Session) matches(str *stringDecl) []span {
	i := str.index
	if !s.computed[i] {
		s.spans[i] = s.findAll(str, s.spans[i][:0])
		s.computed[i] = true
	}
	return s.spans[i]
}

// SessionPool hands out clean sessions for one Ruleset.
type SessionPool struct {
	rs   *Ruleset
	free chan *Session
}

// NewSessionPool returns a pool keeping at most size idle sessions.
func NewSessionPool(rs *Ruleset, size int) *SessionPool {
	if size < 1 {
		size = 1
	}
	return &SessionPool{rs: rs, free: make(chan *Session, size)}
}

// Ruleset returns the rule set sessions are bound to.
func (p *SessionPool) Ruleset() *Ruleset { return p.rs }

// Get returns a reset and verified session. A session that is still not
// clean after Reset is dropped and ErrSessionNotClean returned.
func (p *SessionPool) Get() (*Session, error) {
	var s *Session
	select {
	case s = <-p.free:
	default:
		return p.rs.NewSession(), nil
	}
	if s.rs != p.rs {
		return nil, ErrSessionNotClean
	}
	s.Reset()
	if !s.Clean() {
		return nil, ErrSessionNotClean
	}
	return s, nil
}

// Put returns a session to the pool. Its data reference is released
// immediately.
func (p *SessionPool) Put(s *Session) {
	if s == nil {
		return
	}
	s.data = nil
	s.ctx = nil
	select {
	case p.free <- s:
	default:
	}
}

// ScanBytes implements Backend.
func (p *SessionPool) ScanBytes(ctx context.Context, data []byte, filesize int64) ([]Match, error) {
	s, err := p.Get()
	if err != nil {
		return nil, err
	}
	defer p.Put(s)
	return s.scan(ctx, data, filesize)
}

// RuleCount implements Backend.
func (p *SessionPool) RuleCount() int { return p.rs.Len() }
