package canonical

import (
	"math"
	"net"
	"strings"

	"edrcore/internal/telemetry"
)

// Canonicalize maps any raw record to its canonical counterpart. It is total:
// an unknown variant yields nil.
func Canonicalize(raw telemetry.Record) Record {
	switch r := raw.(type) {
	case telemetry.Process:
		return FromProcess(r)
	case *telemetry.Process:
		if r == nil {
			return nil
		}
		return FromProcess(*r)
	case telemetry.File:
		return FromFile(r)
	case *telemetry.File:
		if r == nil {
			return nil
		}
		return FromFile(*r)
	case telemetry.NetworkConnection:
		return FromConnection(r)
	case *telemetry.NetworkConnection:
		if r == nil {
			return nil
		}
		return FromConnection(*r)
	case telemetry.RegistryValue:
		return FromRegistry(r)
	case *telemetry.RegistryValue:
		if r == nil {
			return nil
		}
		return FromRegistry(*r)
	}
	return nil
}

// FromSnapshot canonicalizes a whole collection pass.
func FromSnapshot(s telemetry.Snapshot) Batch {
	b := Batch{
		Processes:   make([]Process, 0, len(s.Processes)),
		Files:       make([]File, 0, len(s.Files)),
		Connections: make([]Connection, 0, len(s.Connections)),
		Registry:    make([]RegistryValue, 0, len(s.Registry)),
	}
	for _, p := range s.Processes {
		b.Processes = append(b.Processes, FromProcess(p))
	}
	for _, f := range s.Files {
		b.Files = append(b.Files, FromFile(f))
	}
	for _, c := range s.Connections {
		b.Connections = append(b.Connections, FromConnection(c))
	}
	for _, r := range s.Registry {
		b.Registry = append(b.Registry, FromRegistry(r))
	}
	return b
}

// FromProcess canonicalizes a process. A negative PID cannot be represented
// and becomes 0; a missing, negative or zero parent becomes absent.
func FromProcess(p telemetry.Process) Process {
	out := Process{
		Name:        strings.TrimSpace(p.Name),
		Exe:         optString(p.Exe),
		Status:      optString(p.Status),
		CPUPercent:  finiteOrZero(float64(p.CPUPercent)),
		MemoryBytes: copyPtr(p.MemoryBytes),
		User:        optString(p.User),
		Hash:        optHash(p.Hash),
	}
	if p.PID > 0 {
		out.PID = uint32(p.PID)
	}
	if p.PPID != nil && *p.PPID > 0 {
		ppid := uint32(*p.PPID)
		out.PPID = &ppid
	}
	return out
}

// FromFile canonicalizes a file. The modification time is truncated to whole
// seconds; a missing, zero or pre-epoch time becomes absent.
func FromFile(f telemetry.File) File {
	out := File{
		Path:       f.Path,
		Hidden:     copyPtr(f.Hidden),
		Executable: copyPtr(f.Executable),
		SHA256:     optHash(f.SHA256),
	}
	if f.Size > 0 {
		out.SizeBytes = uint64(f.Size)
	}
	if f.ModTime != nil && !f.ModTime.IsZero() {
		if secs := f.ModTime.Unix(); secs >= 0 {
			out.ModifiedUnix = &secs
		}
	}
	if f.Entropy != nil && !math.IsNaN(*f.Entropy) && !math.IsInf(*f.Entropy, 0) && *f.Entropy >= 0 {
		e := *f.Entropy
		out.Entropy = &e
	}
	return out
}

// FromConnection canonicalizes a socket. TCP/UDP and IPv4/IPv6 variants are
// folded into one shape. A remote endpoint that is unspecified with port 0
// (a listening socket) is absent, as is any remote port outside 1..65535.
func FromConnection(c telemetry.NetworkConnection) Connection {
	out := Connection{
		Protocol:     parseProtocol(c.Protocol),
		Family:       familyOf(c.LocalIP, c.RemoteIP),
		LocalAddress: ipString(c.LocalIP),
		State:        optString(c.Status),
		ProcessName:  optString(c.ProcessName),
	}
	if c.LocalPort <= math.MaxUint16 {
		out.LocalPort = uint16(c.LocalPort)
	}
	if c.PID != nil && *c.PID > 0 {
		pid := uint32(*c.PID)
		out.PID = &pid
	}

	remoteUnset := len(c.RemoteIP) == 0 || c.RemoteIP.IsUnspecified()
	if c.RemotePort != nil && *c.RemotePort > 0 && *c.RemotePort <= math.MaxUint16 {
		port := uint16(*c.RemotePort)
		out.RemotePort = &port
	}
	if !remoteUnset {
		addr := c.RemoteIP.String()
		out.RemoteAddress = &addr
	}
	return out
}

// FromRegistry canonicalizes an autorun registry value.
func FromRegistry(r telemetry.RegistryValue) RegistryValue {
	return RegistryValue{
		KeyPath:   r.KeyPath,
		ValueName: r.ValueName,
		Data:      r.Data,
		ValueType: optString(r.ValueType),
	}
}

func parseProtocol(s string) Protocol {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "tcp"):
		return ProtocolTCP
	case strings.HasPrefix(s, "udp"):
		return ProtocolUDP
	}
	return ProtocolUnknown
}

func familyOf(local, remote net.IP) Family {
	ip := local
	if len(ip) == 0 {
		ip = remote
	}
	if len(ip) == 0 {
		return FamilyUnknown
	}
	if ip.To4() != nil {
		return FamilyIPv4
	}
	if ip.To16() != nil {
		return FamilyIPv6
	}
	return FamilyUnknown
}

func ipString(ip net.IP) string {
	if len(ip) == 0 {
		return ""
	}
	return ip.String()
}

func optString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func optHash(s *string) *string {
	v := optString(s)
	if v == nil {
		return nil
	}
	lower := strings.ToLower(*v)
	return &lower
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}
