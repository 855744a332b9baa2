package signature

import (
	"errors"
	"fmt"
)

// BackendKind names a signature matching implementation.
type BackendKind string

const (
	// BackendBuiltin is the pure-Go engine in this package.
	BackendBuiltin BackendKind = "builtin"
	// BackendLibyara links libyara through go-yara. It requires building
	// with -tags yara.
	BackendLibyara BackendKind = "libyara"
)

// ErrLibyaraUnavailable is returned when the libyara backend is selected in
// a binary built without the yara tag.
var ErrLibyaraUnavailable = errors.New("signature: libyara backend not compiled in (build with -tags yara)")

// Load compiles the rules in dir with the selected backend. poolSize bounds
// idle sessions kept by the builtin backend.
func Load(kind BackendKind, dir string, poolSize int, opts ...Option) (Backend, error) {
	switch kind {
	case "", BackendBuiltin:
		rs, err := Compile(dir, opts...)
		if err != nil {
			return nil, err
		}
		return NewSessionPool(rs, poolSize), nil
	case BackendLibyara:
		return compileLibyara(dir, newCompileOptions(opts))
	}
	return nil, fmt.Errorf("unknown signature backend %q", kind)
}
