// Package api serves the management pages as JSON over HTTP. Engine state
// lives on the reactor goroutine, so every handler reads it through
// Caller.Call. The same handler is served on the host and, optionally,
// inside the tunnel on the server address.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/irctrakz/transproxy/pkg/config"
	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/transproxy"
	"github.com/irctrakz/transproxy/pkg/vip"
	"github.com/irctrakz/transproxy/pkg/wireguard"
	"github.com/sirupsen/logrus"
)

// Product is reported by /version.json.
const Product = "transproxy"

const shutdownTimeout = 5 * time.Second

// Caller runs a function on the reactor goroutine and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Options are the engine parts the pages report on. Splicer, DNS and Table
// are required.
type Options struct {
	Splicer *transproxy.Splicer
	DNS     *vip.DNSServer
	Table   *vip.Table
	Rules   *vip.DomainRules
	Config  *config.Config

	// Metrics collects every counter; it runs on the reactor goroutine.
	Metrics func() core.Metrics

	// Peers reports WireGuard peers; it runs on the request goroutine.
	Peers func() ([]wireguard.PeerStatus, error)

	Version string
	Started time.Time
}

// Server is the management HTTP handler.
type Server struct {
	loop Caller
	opts Options
	mux  *http.ServeMux
	log  *logrus.Entry
}

// New builds the handler.
func New(loop Caller, opts Options) *Server {
	s := &Server{
		loop: loop,
		opts: opts,
		mux:  http.NewServeMux(),
		log:  logging.Component("api"),
	}
	s.mux.HandleFunc("/health", s.health)
	s.mux.HandleFunc("/version.json", s.version)
	s.mux.HandleFunc("/status.json", s.status)
	s.mux.HandleFunc("/tcpconn.json", s.tcpConn)
	s.mux.HandleFunc("/dns.json", s.dns)
	s.mux.HandleFunc("/ddns.json", s.ddns)
	s.mux.HandleFunc("/dnslog.json", s.dnsLog)
	s.mux.HandleFunc("/resolve.json", s.resolve)
	s.mux.HandleFunc("/metrics.json", s.metrics)
	s.mux.HandleFunc("/config.json", s.showConfig)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Serve handles connections from ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	s.log.Infof("management API on http://%s/", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Result heads every JSON page. Status is 0 on success and -1 on failure.
type Result struct {
	Status  int    `json:"Status"`
	Message string `json:"Message"`
}

var ok = Result{Status: 0, Message: "OK"}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, Result{Status: -1, Message: msg})
}

// onLoop runs fn on the reactor and reports whether the page can be
// rendered.
func (s *Server) onLoop(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := s.loop.Call(r.Context(), fn); err != nil {
		s.fail(w, http.StatusServiceUnavailable, err.Error())
		return false
	}
	return true
}

// requester is the address the request came from, inside the tunnel when
// served there.
func requester(r *http.Request) netip.Addr {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// clientParam parses the optional client query parameter.
func clientParam(r *http.Request) (netip.Addr, error) {
	v := r.URL.Query().Get("client")
	if v == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(v)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// VersionReport is served as /version.json.
type VersionReport struct {
	Result
	Product string `json:"Product"`
	Version string `json:"Version"`
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, VersionReport{Result: ok, Product: Product, Version: s.opts.Version})
}

// StatusReport is served as /status.json.
type StatusReport struct {
	Result
	RunDuration        string `json:"RunDuration"`
	ResolveCount       int    `json:"ResolveCount"`
	ConnectionCount    int    `json:"ConnectionCount"`
	MaxConnectionCount int    `json:"MaxConnectionCount"`
	TotalUpData        string `json:"TotalUpData"`
	TotalDownData      string `json:"TotalDownData"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var sm core.SplicerMetrics
	var bindings int
	if !s.onLoop(w, r, func() {
		sm = s.opts.Splicer.Metrics()
		bindings = s.opts.Table.Len()
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, StatusReport{
		Result:             ok,
		RunDuration:        transproxy.FormatSpan(time.Since(s.opts.Started)),
		ResolveCount:       bindings,
		ConnectionCount:    sm.Connections,
		MaxConnectionCount: sm.MaxConnections,
		TotalUpData:        transproxy.FormatSize(sm.UpBytes),
		TotalDownData:      transproxy.FormatSize(sm.DownBytes),
	})
}

func (s *Server) tcpConn(w http.ResponseWriter, r *http.Request) {
	client, err := clientParam(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid client address")
		return
	}
	var rep transproxy.ConnReport
	if s.onLoop(w, r, func() { rep = s.opts.Splicer.Report(requester(r), client) }) {
		s.writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) dnsLog(w http.ResponseWriter, r *http.Request) {
	client, err := clientParam(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid client address")
		return
	}
	var rep vip.LogReport
	if s.onLoop(w, r, func() { rep = s.opts.DNS.Report(requester(r), client) }) {
		s.writeJSON(w, http.StatusOK, rep)
	}
}

// Lookup is served by /dns.json and /ddns.json. IP or Host is null when
// there is no binding.
type Lookup struct {
	Result
	Host *string `json:"Host"`
	IP   *string `json:"IP"`
}

func strPtr(v string) *string { return &v }

// dns resolves a hostname the way the DNS responder would for the
// requester, binding a virtual address when the rules accept it.
func (s *Server) dns(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		s.fail(w, http.StatusBadRequest, "missing host")
		return
	}
	var ip netip.Addr
	var rerr error
	if !s.onLoop(w, r, func() { ip, rerr = s.opts.Table.Resolve(requester(r), host) }) {
		return
	}
	if rerr != nil {
		s.fail(w, http.StatusInternalServerError, rerr.Error())
		return
	}
	rep := Lookup{Result: ok, Host: strPtr(host)}
	if ip.IsValid() {
		rep.IP = strPtr(ip.String())
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) ddns(w http.ResponseWriter, r *http.Request) {
	ip, err := netip.ParseAddr(r.URL.Query().Get("ip"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid ip")
		return
	}
	var host string
	var found bool
	if !s.onLoop(w, r, func() { host, found = s.opts.Table.ResolveReverse(ip) }) {
		return
	}
	rep := Lookup{Result: ok, IP: strPtr(ip.String())}
	if found {
		rep.Host = strPtr(host)
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// ResolveReport is served as /resolve.json.
type ResolveReport struct {
	Result
	Entries     []vip.Entry `json:"Entries"`
	Free        uint32      `json:"Free"`
	ProxyRules  int         `json:"ProxyRules"`
	DirectRules int         `json:"DirectRules"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	rep := ResolveReport{Result: ok}
	if !s.onLoop(w, r, func() {
		rep.Entries = s.opts.Table.Entries()
		rep.Free = s.opts.Table.Free()
		if s.opts.Rules != nil {
			rep.ProxyRules, rep.DirectRules = s.opts.Rules.Len()
		}
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// MetricsReport is served as /metrics.json.
type MetricsReport struct {
	Result
	core.Metrics
	Peers []wireguard.PeerStatus `json:"peers,omitempty"`
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	rep := MetricsReport{Result: ok}
	if s.opts.Metrics != nil && !s.onLoop(w, r, func() { rep.Metrics = s.opts.Metrics() }) {
		return
	}
	if s.opts.Peers != nil {
		peers, err := s.opts.Peers()
		if err != nil {
			s.log.WithError(err).Warn("failed to read WireGuard peers")
		}
		rep.Peers = peers
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// ConfigReport is served as /config.json.
type ConfigReport struct {
	Result
	Config config.Config `json:"Config"`
}

func (s *Server) showConfig(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Config == nil {
		s.fail(w, http.StatusNotFound, "no configuration")
		return
	}
	c := *s.opts.Config
	if c.WireGuard.PrivateKey != "" {
		c.WireGuard.PrivateKey = "(redacted)"
	}
	s.writeJSON(w, http.StatusOK, ConfigReport{Result: ok, Config: c})
}
