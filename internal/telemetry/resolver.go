package telemetry

import (
	"context"
	"io/fs"
)

// FileAttributeResolver answers the platform-defined "hidden" and
// "executable" questions for a file. One implementation is selected per
// target at startup; see DefaultFileAttributes.
type FileAttributeResolver interface {
	Hidden(path string, info fs.FileInfo) bool
	Executable(path string, info fs.FileInfo) bool
}

// ProcessOwnerResolver resolves the account name that owns a process.
type ProcessOwnerResolver interface {
	Owner(ctx context.Context, pid int32) (string, error)
}

// OwnerFunc adapts a function to ProcessOwnerResolver.
type OwnerFunc func(ctx context.Context, pid int32) (string, error)

// Owner implements ProcessOwnerResolver.
func (f OwnerFunc) Owner(ctx context.Context, pid int32) (string, error) {
	return f(ctx, pid)
}

// DefaultFileAttributes returns the resolver for the platform this binary
// was built for.
func DefaultFileAttributes() FileAttributeResolver {
	return platformFileAttributes{}
}
