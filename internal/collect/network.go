package collect

import (
	"context"
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"edrcore/internal/telemetry"
)

// Socket types as reported in ConnectionStat.Type.
const (
	sockStream = 1
	sockDgram  = 2
)

// Connections lists TCP and UDP sockets for IPv4 and IPv6. names maps PIDs
// to process names and may be nil.
func Connections(ctx context.Context, names map[int32]string) ([]telemetry.NetworkConnection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	out := make([]telemetry.NetworkConnection, 0, len(stats))
	for _, st := range stats {
		out = append(out, fromConnectionStat(st, names))
	}
	return out, nil
}

func fromConnectionStat(st psnet.ConnectionStat, names map[int32]string) telemetry.NetworkConnection {
	c := telemetry.NetworkConnection{
		Protocol:  socketProtocol(st.Type),
		LocalIP:   net.ParseIP(st.Laddr.IP),
		LocalPort: st.Laddr.Port,
	}
	if st.Raddr.IP != "" || st.Raddr.Port != 0 {
		c.RemoteIP = net.ParseIP(st.Raddr.IP)
		c.RemotePort = telemetry.Ptr(st.Raddr.Port)
	}
	if st.Pid > 0 {
		c.PID = telemetry.Ptr(st.Pid)
		if name, ok := names[st.Pid]; ok && name != "" {
			c.ProcessName = telemetry.Ptr(name)
		}
	}
	if st.Status != "" && !strings.EqualFold(st.Status, "NONE") {
		c.Status = telemetry.Ptr(st.Status)
	}
	return c
}

func socketProtocol(t uint32) string {
	switch t {
	case sockStream:
		return "TCP"
	case sockDgram:
		return "UDP"
	}
	return ""
}
