//go:build windows
// +build windows

package telemetry

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/windows"
)

type platformFileAttributes = WindowsAttributes

// hiddenAttribute reads FILE_ATTRIBUTE_HIDDEN from the stat data.
func hiddenAttribute(info fs.FileInfo) bool {
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok || data == nil {
		return false
	}
	return data.FileAttributes&windows.FILE_ATTRIBUTE_HIDDEN != 0
}
