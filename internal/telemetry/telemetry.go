// Package telemetry defines the raw, platform-shaped records produced by the
// collectors, and the small capability interfaces the collectors use to
// answer platform-specific questions (is a file hidden, who owns a process).
//
// Raw records are owned by the collector that produced them and are handed
// to the canonicalizer by value. Any field a platform or permission level
// cannot provide is left nil.
package telemetry

import (
	"net"
	"time"
)

// Record is implemented by every raw telemetry variant.
type Record interface {
	rawRecord()
}

// Process is a running process as seen by a process collector.
type Process struct {
	PID         int32
	PPID        *int32
	Name        string
	Exe         *string
	Status      *string
	CPUPercent  float32
	MemoryBytes *uint64
	User        *string
	Hash        *string
}

// File is a file flagged by a filesystem walk.
type File struct {
	Path       string
	Hidden     *bool
	Executable *bool
	ModTime    *time.Time
	Size       int64
	SHA256     *string
	Entropy    *float64
}

// NetworkConnection is one socket from the socket table.
// UDP sockets usually carry no remote endpoint.
type NetworkConnection struct {
	Protocol    string
	LocalIP     net.IP
	LocalPort   uint32
	RemoteIP    net.IP
	RemotePort  *uint32
	PID         *int32
	Status      *string
	ProcessName *string
}

// RegistryValue is one value under an autorun key.
type RegistryValue struct {
	KeyPath   string
	ValueName string
	Data      string
	ValueType *string
}

func (Process) rawRecord()           {}
func (File) rawRecord()              {}
func (NetworkConnection) rawRecord() {}
func (RegistryValue) rawRecord()     {}

// Snapshot groups everything one collection pass produced. A collector
// that failed simply contributes a shorter (or nil) slice.
type Snapshot struct {
	Processes   []Process
	Files       []File
	Connections []NetworkConnection
	Registry    []RegistryValue
}

// Len returns the total number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Processes) + len(s.Files) + len(s.Connections) + len(s.Registry)
}

// Ptr returns a pointer to a copy of v. Collectors use it to fill optional fields.
func Ptr[T any](v T) *T {
	return &v
}
