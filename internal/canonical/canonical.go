// Package canonical maps raw telemetry into the single platform-neutral
// schema every detection consumes.
//
// Canonical records are values whose optional fields are pointers that are
// never written after construction, so a record can be shared read-only
// across any number of concurrent rule evaluations. Absent source data maps
// to a nil field, never to a zero value that could be mistaken for real data
// (an epoch-zero timestamp, PID 0 as a parent, port 0).
package canonical

// Kind names a canonical record variant.
type Kind string

const (
	KindProcess  Kind = "process"
	KindFile     Kind = "file"
	KindNetwork  Kind = "network"
	KindRegistry Kind = "registry"
)

// Record is implemented by every canonical variant.
type Record interface {
	Kind() Kind
}

// Protocol is a normalized transport protocol.
type Protocol string

const (
	ProtocolTCP     Protocol = "TCP"
	ProtocolUDP     Protocol = "UDP"
	ProtocolUnknown Protocol = "UNKNOWN"
)

// Family is a normalized address family.
type Family string

const (
	FamilyIPv4    Family = "IPv4"
	FamilyIPv6    Family = "IPv6"
	FamilyUnknown Family = "UNKNOWN"
)

// Process is a canonical running process.
type Process struct {
	PID         uint32  `json:"pid"`
	PPID        *uint32 `json:"ppid"`
	Name        string  `json:"name"`
	Exe         *string `json:"exe"`
	Status      *string `json:"status"`
	CPUPercent  float64 `json:"cpu_usage"`
	MemoryBytes *uint64 `json:"memory"`
	User        *string `json:"user"`
	Hash        *string `json:"hash"`
}

// File is a canonical file record. ModifiedUnix is whole epoch seconds.
type File struct {
	Path         string   `json:"path"`
	Hidden       *bool    `json:"is_hidden"`
	Executable   *bool    `json:"is_executable"`
	ModifiedUnix *int64   `json:"last_modified"`
	SizeBytes    uint64   `json:"size"`
	SHA256       *string  `json:"sha256"`
	Entropy      *float64 `json:"entropy"`
}

// Connection is a canonical network socket.
type Connection struct {
	Protocol      Protocol `json:"protocol"`
	Family        Family   `json:"family"`
	LocalAddress  string   `json:"local_address"`
	LocalPort     uint16   `json:"local_port"`
	RemoteAddress *string  `json:"remote_address"`
	RemotePort    *uint16  `json:"remote_port"`
	PID           *uint32  `json:"pid"`
	State         *string  `json:"state"`
	ProcessName   *string  `json:"process_name"`
}

// RegistryValue is a canonical autorun registry value.
type RegistryValue struct {
	KeyPath   string  `json:"key_path"`
	ValueName string  `json:"value_name"`
	Data      string  `json:"data"`
	ValueType *string `json:"value_type"`
}

func (Process) Kind() Kind       { return KindProcess }
func (File) Kind() Kind          { return KindFile }
func (Connection) Kind() Kind    { return KindNetwork }
func (RegistryValue) Kind() Kind { return KindRegistry }

// Batch holds canonical records grouped by kind.
type Batch struct {
	Processes   []Process       `json:"processes"`
	Files       []File          `json:"files"`
	Connections []Connection    `json:"connections"`
	Registry    []RegistryValue `json:"registry"`
}

// Len returns the total number of records.
func (b Batch) Len() int {
	return len(b.Processes) + len(b.Files) + len(b.Connections) + len(b.Registry)
}
