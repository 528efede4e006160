package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/irctrakz/transproxy/pkg/config"
	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/ipv4"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/irctrakz/transproxy/pkg/transproxy"
	"github.com/irctrakz/transproxy/pkg/vip"
	"github.com/irctrakz/transproxy/pkg/wireguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directCaller runs functions in place; tests drive a single goroutine.
type directCaller struct{ err error }

func (c directCaller) Call(_ context.Context, fn func()) error {
	if c.err != nil {
		return c.err
	}
	fn()
	return nil
}

func newOptions(t *testing.T) Options {
	t.Helper()
	clock := reactor.NewManual()
	stack := ipv4.NewStack(core.PacketProcessorFunc(func(core.Packet) error { return nil }))
	udp := ipv4.NewUDPTable(stack)

	table, err := vip.NewTable(netip.MustParseAddr("10.128.0.1"), netip.MustParseAddr("10.128.0.10"), t.TempDir())
	require.NoError(t, err)
	rules := vip.NewDomainRules()
	require.True(t, rules.AddProxy("example.com"))
	table.AddRules(rules)

	dns, err := vip.NewDNSServer(udp, vip.DNSConfig{Bind: netip.MustParseAddrPort("10.10.10.10:53")}, table, clock, clock)
	require.NoError(t, err)
	splicer, err := transproxy.NewSplicer(stack, clock, table, transproxy.Config{
		ProxyURL: "socks5://192.168.1.1:1080",
		ClientIP: netip.MustParseAddr("10.0.0.1"),
		AgentMin: netip.MustParseAddr("10.100.0.1"),
		AgentMax: netip.MustParseAddr("10.100.0.2"),
	})
	require.NoError(t, err)

	return Options{
		Splicer: splicer,
		DNS:     dns,
		Table:   table,
		Rules:   rules,
		Config:  config.DefaultConfig(),
		Version: "1.2.3",
		Started: time.Now(),
	}
}

func get(t *testing.T, h http.Handler, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	s := New(directCaller{}, newOptions(t))
	rec := get(t, s, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	var v VersionReport
	rec = get(t, s, "/version.json", &v)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, VersionReport{Result: ok, Product: "transproxy", Version: "1.2.3"}, v)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/nope", nil).Code)
}

func TestLookups(t *testing.T) {
	s := New(directCaller{}, newOptions(t))

	var l Lookup
	get(t, s, "/dns.json?host=www.example.com", &l)
	require.NotNil(t, l.IP)
	assert.Equal(t, "10.128.0.1", *l.IP)
	assert.Equal(t, "www.example.com", *l.Host)

	l = Lookup{}
	get(t, s, "/dns.json?host=example.org", &l)
	assert.Nil(t, l.IP)
	assert.Equal(t, 0, l.Status)

	l = Lookup{}
	get(t, s, "/ddns.json?ip=10.128.0.1", &l)
	require.NotNil(t, l.Host)
	assert.Equal(t, "www.example.com", *l.Host)

	l = Lookup{}
	get(t, s, "/ddns.json?ip=10.128.0.2", &l)
	assert.Nil(t, l.Host)
	assert.Equal(t, "10.128.0.2", *l.IP)

	var r Result
	rec := get(t, s, "/dns.json", &r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, -1, r.Status)
	rec = get(t, s, "/ddns.json?ip=bogus", &r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var rep ResolveReport
	get(t, s, "/resolve.json", &rep)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, "www.example.com", rep.Entries[0].Host)
	assert.Equal(t, uint32(9), rep.Free)
	assert.Equal(t, 1, rep.ProxyRules)
	assert.Equal(t, 0, rep.DirectRules)

	var st StatusReport
	get(t, s, "/status.json", &st)
	assert.Equal(t, 1, st.ResolveCount)
	assert.Equal(t, 0, st.ConnectionCount)
	assert.Equal(t, "0 B", st.TotalUpData)
}

func TestClientReports(t *testing.T) {
	s := New(directCaller{}, newOptions(t))

	var conns transproxy.ConnReport
	get(t, s, "/tcpconn.json", &conns)
	assert.Equal(t, "OK", conns.Message)
	assert.Equal(t, "192.0.2.1", conns.CurrentClient)
	assert.Equal(t, []string{"192.0.2.1"}, conns.Clients)
	assert.Empty(t, conns.Connections)

	var logs vip.LogReport
	get(t, s, "/dnslog.json?client=10.0.0.1", &logs)
	assert.Equal(t, "10.0.0.1", logs.CurrentClient)
	assert.Equal(t, []string{"10.0.0.1", "192.0.2.1"}, logs.Clients)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/tcpconn.json?client=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/dnslog.json?client=x", nil).Code)
}

func TestMetricsAndConfig(t *testing.T) {
	opts := newOptions(t)
	opts.Metrics = func() core.Metrics {
		return core.Metrics{Splicer: core.SplicerMetrics{Connections: 3}}
	}
	opts.Peers = func() ([]wireguard.PeerStatus, error) {
		return []wireguard.PeerStatus{{PublicKey: "peer", RxBytes: 7}}, nil
	}
	opts.Config.WireGuard.PrivateKey = "secret"
	s := New(directCaller{}, opts)

	var m MetricsReport
	get(t, s, "/metrics.json", &m)
	assert.Equal(t, 3, m.Splicer.Connections)
	require.Len(t, m.Peers, 1)
	assert.Equal(t, uint64(7), m.Peers[0].RxBytes)

	var c ConfigReport
	get(t, s, "/config.json", &c)
	assert.Equal(t, "(redacted)", c.Config.WireGuard.PrivateKey)
	assert.Equal(t, opts.Config.Proxy.URL, c.Config.Proxy.URL)
	assert.Equal(t, "secret", opts.Config.WireGuard.PrivateKey)
}

func TestLoopUnavailable(t *testing.T) {
	s := New(directCaller{err: errors.New("reactor closed")}, newOptions(t))
	var r Result
	rec := get(t, s, "/tcpconn.json", &r)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, Result{Status: -1, Message: "reactor closed"}, r)
}

func TestServeStopsWithContext(t *testing.T) {
	s := New(directCaller{}, newOptions(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
