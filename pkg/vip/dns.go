package vip

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/ipv4"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const (
	// MaxLogs bounds the query log.
	MaxLogs = 1000

	upstreamTimeout = 5 * time.Second
	logTimeLayout   = "2006-01-02 15:04:05"
)

// ControlHosts resolve to the server address so clients can reach the
// management pages by name.
var ControlHosts = []string{"transproxy.cn", "transproxy.local"}

// ParseUpstream converts "udp://host[:port]" or "host[:port]" into a dial
// address. Only UDP is supported.
func ParseUpstream(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("invalid upstream dns %q: %w", raw, err)
		}
		if u.Scheme != "udp" {
			return "", fmt.Errorf("upstream dns %q: only udp is supported", raw)
		}
		raw = u.Host
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		raw = net.JoinHostPort(strings.Trim(raw, "[]"), "53")
	}
	return raw, nil
}

// LogEntry is one A query answered or refused by the responder.
type LogEntry struct {
	Time   time.Time
	Client netip.Addr
	Host   string
	IP     netip.Addr
}

// DNSConfig configures a DNSServer.
type DNSConfig struct {
	// Bind is the in-tunnel address the responder listens on.
	Bind netip.AddrPort
	// Upstream receives every query not answered locally, in the form
	// accepted by ParseUpstream.
	Upstream string
}

// DNSServer answers queries arriving on the raw stack. A queries for
// proxied names get a virtual address with a zero TTL, AAAA queries for
// them an empty answer so clients fall back to IPv4. Everything else is
// relayed upstream on a separate goroutine and the reply re-enters through
// the executor.
type DNSServer struct {
	sock     *ipv4.UDPSocket
	table    *Table
	serverIP netip.Addr
	upstream string
	sched    reactor.Scheduler
	exec     reactor.Executor
	exchange func(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
	log      *logrus.Entry

	logs []LogEntry
	head int

	queries, answered, relayed, failures uint64
}

// NewDNSServer binds the responder on udp.
func NewDNSServer(udp *ipv4.UDPTable, cfg DNSConfig, table *Table, sched reactor.Scheduler, exec reactor.Executor) (*DNSServer, error) {
	upstream, err := ParseUpstream(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	bind := cfg.Bind
	if bind.Port() == 0 {
		bind = netip.AddrPortFrom(bind.Addr(), 53)
	}
	s := &DNSServer{
		table:    table,
		serverIP: bind.Addr(),
		upstream: upstream,
		sched:    sched,
		exec:     exec,
		log:      logging.Component("dns"),
	}
	s.exchange = s.exchangeUpstream
	s.sock, err = udp.Bind(bind, s)
	if err != nil {
		return nil, err
	}
	s.log.Infof("DNS bound at %s, upstream %s", bind, upstream)
	return s, nil
}

func (s *DNSServer) exchangeUpstream(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	c := &dns.Client{Net: "udp", Timeout: upstreamTimeout}
	r, _, err := c.ExchangeContext(ctx, m, s.upstream)
	return r, err
}

// Close releases the bound address.
func (s *DNSServer) Close() error { return s.sock.Close() }

// HandleDatagram implements ipv4.UDPHandler.
func (s *DNSServer) HandleDatagram(_ *ipv4.UDPSocket, from netip.AddrPort, payload []byte) {
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		s.log.Debugf("dropping malformed query from %s: %v", from, err)
		return
	}
	if req.Response {
		return
	}
	s.queries++
	if reply := s.answer(from.Addr(), req); reply != nil {
		s.reply(from, reply)
		return
	}
	s.relay(from, req)
}

// answer returns the local reply to req, or nil when req must be relayed.
func (s *DNSServer) answer(client netip.Addr, req *dns.Msg) *dns.Msg {
	if req.Opcode != dns.OpcodeQuery || len(req.Question) != 1 || len(req.Answer) != 0 || len(req.Ns) != 0 {
		return nil
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA) {
		return nil
	}
	host := normalize(q.Name)
	var ip netip.Addr
	if slices.Contains(ControlHosts, host) {
		ip = s.serverIP
	} else {
		var err error
		ip, err = s.table.Resolve(client, host)
		if err != nil {
			s.log.WithError(err).Errorf("cannot bind %s for %s", host, client)
			s.failures++
			m := new(dns.Msg)
			m.SetRcode(req, dns.RcodeServerFailure)
			return m
		}
	}

	if q.Qtype == dns.TypeA {
		s.record(client, host, ip)
	}
	if !ip.IsValid() {
		return nil
	}
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = true
	if q.Qtype == dns.TypeA {
		s.answered++
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   ip.AsSlice(),
		})
	}
	return m
}

func (s *DNSServer) relay(from netip.AddrPort, req *dns.Msg) {
	if s.upstream == "" {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		s.reply(from, m)
		return
	}
	s.relayed++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
		defer cancel()
		resp, err := s.exchange(ctx, req)
		s.exec.Post(func() {
			if err != nil {
				s.failures++
				s.log.Debugf("upstream query for %s failed: %v", questionName(req), err)
				return
			}
			resp.Id = req.Id
			s.reply(from, resp)
		})
	}()
}

func (s *DNSServer) reply(to netip.AddrPort, m *dns.Msg) {
	out, err := m.Pack()
	if err != nil {
		s.log.WithError(err).Debug("failed to pack reply")
		return
	}
	if err := s.sock.SendTo(to, out); err != nil {
		s.log.WithError(err).Debugf("failed to send reply to %s", to)
	}
}

func questionName(m *dns.Msg) string {
	if len(m.Question) == 0 {
		return "(none)"
	}
	return m.Question[0].Name
}

func (s *DNSServer) record(client netip.Addr, host string, ip netip.Addr) {
	e := LogEntry{Time: s.sched.Now(), Client: client, Host: host, IP: ip}
	if len(s.logs) < MaxLogs {
		s.logs = append(s.logs, e)
		return
	}
	s.logs[s.head] = e
	s.head = (s.head + 1) % MaxLogs
}

// Logs returns the query log, oldest first.
func (s *DNSServer) Logs() []LogEntry {
	out := make([]LogEntry, 0, len(s.logs))
	out = append(out, s.logs[s.head:]...)
	return append(out, s.logs[:s.head]...)
}

// Metrics returns a snapshot of the counters.
func (s *DNSServer) Metrics() core.DNSMetrics {
	return core.DNSMetrics{
		Queries:  s.queries,
		Answered: s.answered,
		Relayed:  s.relayed,
		Failures: s.failures,
		Bindings: s.table.Len(),
	}
}

// LogRow is one row of the query log report.
type LogRow struct {
	Time string  `json:"Time"`
	Host string  `json:"Host"`
	IP   *string `json:"IP"`
}

// LogReport is the per-client query log served as /dnslog.json.
type LogReport struct {
	Status        int      `json:"Status"`
	Message       string   `json:"Message"`
	Clients       []string `json:"Clients"`
	CurrentClient string   `json:"CurrentClient"`
	Logs          []LogRow `json:"Logs"`
}

// Report builds the query log of client, newest first. Clients lists the
// requester, client and every address present in the log.
func (s *DNSServer) Report(requester, client netip.Addr) LogReport {
	if !client.IsValid() {
		client = requester
	}
	seen := map[netip.Addr]bool{}
	var ips []netip.Addr
	for _, a := range []netip.Addr{requester, client} {
		if a.IsValid() && !seen[a] {
			seen[a] = true
			ips = append(ips, a)
		}
	}
	logs := s.Logs()
	rows := []LogRow{}
	for i := len(logs) - 1; i >= 0; i-- {
		e := logs[i]
		if !seen[e.Client] {
			seen[e.Client] = true
			ips = append(ips, e.Client)
		}
		if e.Client != client {
			continue
		}
		row := LogRow{Time: e.Time.Local().Format(logTimeLayout), Host: e.Host}
		if e.IP.IsValid() {
			ip := e.IP.String()
			row.IP = &ip
		}
		rows = append(rows, row)
	}
	slices.SortFunc(ips, netip.Addr.Compare)
	clients := make([]string, len(ips))
	for i, a := range ips {
		clients[i] = a.String()
	}
	return LogReport{
		Status:        0,
		Message:       "OK",
		Clients:       clients,
		CurrentClient: client.String(),
		Logs:          rows,
	}
}
