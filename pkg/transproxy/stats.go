package transproxy

import (
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// FlowInfo describes one relayed flow.
type FlowInfo struct {
	Client    string    `json:"client"`
	Server    string    `json:"server"`
	Agent     string    `json:"agent"`
	State     string    `json:"state"`
	UpBytes   uint64    `json:"upBytes"`
	DownBytes uint64    `json:"downBytes"`
	Created   time.Time `json:"created"`
}

// Flows lists live flows ordered by client address.
func (s *Splicer) Flows() []FlowInfo {
	out := make([]FlowInfo, 0, s.index.Len())
	s.index.Ascend(func(f *flow) bool {
		out = append(out, FlowInfo{
			Client:    f.pair.Remote.String(),
			Server:    f.target(),
			Agent:     f.agent.String(),
			State:     f.state.String(),
			UpBytes:   f.upBytes,
			DownBytes: f.downBytes,
			Created:   f.created,
		})
		return true
	})
	return out
}

// ConnEntry is one row of the connection report.
type ConnEntry struct {
	Server    string `json:"Server"`
	UpBytes   string `json:"UpBytes"`
	DownBytes string `json:"DownBytes"`
	ConnTime  string `json:"ConnTime"`
	State     string `json:"State"`
}

// ConnReport is the per-client connection report served as /tcpconn.json.
type ConnReport struct {
	Status         int         `json:"Status"`
	Message        string      `json:"Message"`
	Clients        []string    `json:"Clients"`
	CurrentClient  string      `json:"CurrentClient"`
	Connections    []ConnEntry `json:"Connections"`
	MaxConnections int         `json:"MaxConnections"`
	TotalUpBytes   string      `json:"TotalUpBytes"`
	TotalDownBytes string      `json:"TotalDownBytes"`
}

// Report builds the connection report for client. Clients lists the
// requester, client and every address with a live flow.
func (s *Splicer) Report(requester, client netip.Addr) ConnReport {
	if !client.IsValid() {
		client = requester
	}
	seen := map[netip.Addr]bool{}
	var ips []netip.Addr
	addIP := func(a netip.Addr) {
		if a.IsValid() && !seen[a] {
			seen[a] = true
			ips = append(ips, a)
		}
	}
	addIP(requester)
	addIP(client)

	now := s.sched.Now()
	conns := []ConnEntry{}
	s.index.Ascend(func(f *flow) bool {
		addIP(f.pair.Remote.Addr())
		if f.pair.Remote.Addr() == client {
			conns = append(conns, ConnEntry{
				Server:    f.target(),
				UpBytes:   FormatSize(f.upBytes),
				DownBytes: FormatSize(f.downBytes),
				ConnTime:  FormatSpan(now.Sub(f.created)),
				State:     f.state.label(),
			})
		}
		return true
	})
	slices.SortFunc(ips, netip.Addr.Compare)
	clients := make([]string, len(ips))
	for i, a := range ips {
		clients[i] = a.String()
	}

	return ConnReport{
		Status:         0,
		Message:        "OK",
		Clients:        clients,
		CurrentClient:  client.String(),
		Connections:    conns,
		MaxConnections: s.maxConns,
		TotalUpBytes:   FormatSize(s.totalUp),
		TotalDownBytes: FormatSize(s.totalDown),
	}
}

// FormatSize renders a byte count with a binary unit, e.g. "1.5 KB".
func FormatSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTP"[exp])
}

// FormatSpan renders d as m:ss or h:mm:ss.
func FormatSpan(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
