//go:build !windows
// +build !windows

package telemetry

import "io/fs"

type platformFileAttributes = UnixAttributes

// hiddenAttribute has no equivalent outside Windows.
func hiddenAttribute(fs.FileInfo) bool {
	return false
}
