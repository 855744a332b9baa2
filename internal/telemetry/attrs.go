package telemetry

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// UnixAttributes treats dot-prefixed names as hidden and any execute
// permission bit on a regular file as executable.
type UnixAttributes struct{}

// Hidden implements FileAttributeResolver.
func (UnixAttributes) Hidden(path string, _ fs.FileInfo) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// Executable implements FileAttributeResolver.
func (UnixAttributes) Executable(_ string, info fs.FileInfo) bool {
	if info == nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// DefaultWindowsExtensions lists the extensions WindowsAttributes treats as
// executable when Extensions is empty.
var DefaultWindowsExtensions = []string{
	".exe", ".bat", ".ps1", ".dll", ".cmd", ".com", ".scr", ".vbs", ".js",
}

// WindowsAttributes uses the FILE_ATTRIBUTE_HIDDEN bit for hidden files and
// the file extension for executables.
type WindowsAttributes struct {
	Extensions []string
}

// Hidden implements FileAttributeResolver.
func (WindowsAttributes) Hidden(_ string, info fs.FileInfo) bool {
	if info == nil {
		return false
	}
	return hiddenAttribute(info)
}

// Executable implements FileAttributeResolver.
func (w WindowsAttributes) Executable(path string, _ fs.FileInfo) bool {
	exts := w.Extensions
	if len(exts) == 0 {
		exts = DefaultWindowsExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
