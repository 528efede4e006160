// Package vip hands out virtual IPv4 addresses for hostnames that must be
// proxied. A client resolving such a name through the in-tunnel DNS
// responder receives an address from the VIP pool; connections to that
// address are then recognised by the splicer, which recovers the hostname
// with ResolveReverse.
package vip

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/btree"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrPoolExhausted is returned when every address of the VIP range has
// been handed out.
var ErrPoolExhausted = errors.New("vip: address pool exhausted")

// CacheFileName is the name of the persistent cache inside the work
// directory.
const CacheFileName = "dns.cache"

// Rules decides which hostnames are proxied.
type Rules interface {
	AcceptProxy(client netip.Addr, host string) bool
	DenyProxy(client netip.Addr, host string) bool
}

// DenyFunc adapts a deny-only predicate to Rules.
type DenyFunc func(client netip.Addr, host string) bool

func (f DenyFunc) AcceptProxy(netip.Addr, string) bool { return false }

func (f DenyFunc) DenyProxy(client netip.Addr, host string) bool { return f(client, host) }

// Entry is one hostname to address binding.
type Entry struct {
	Host string     `json:"host" yaml:"host"`
	IP   netip.Addr `json:"ip" yaml:"ip"`
}

// Table binds hostnames to virtual addresses. Bindings are never released;
// they are appended to the cache file as they are made and reloaded at
// start so clients holding old DNS answers keep working across restarts.
//
// Table is not safe for concurrent use; it lives on the reactor goroutine.
type Table struct {
	min, max netip.Addr
	next     netip.Addr
	byName   *btree.BTreeG[Entry]
	byIP     map[netip.Addr]string
	rules    []Rules
	cache    string
	log      *logrus.Entry
}

func entryLess(a, b Entry) bool { return a.Host < b.Host }

// NewTable returns a table allocating from min to max inclusive. When
// workDir is not empty, bindings are loaded from and persisted to
// workDir/dns.cache.
func NewTable(min, max netip.Addr, workDir string) (*Table, error) {
	if !min.Is4() || !max.Is4() || max.Less(min) {
		return nil, fmt.Errorf("invalid vip range %s-%s", min, max)
	}
	t := &Table{
		min:    min,
		max:    max,
		next:   min,
		byName: btree.NewG(16, entryLess),
		byIP:   make(map[netip.Addr]string),
		log:    logging.Component("vip"),
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		t.cache = filepath.Join(workDir, CacheFileName)
		t.load()
	}
	return t, nil
}

// load restores the cache. Entries must be the contiguous sequence the
// allocator would have produced; anything else discards the whole file.
func (t *Table) load() {
	data, err := os.ReadFile(t.cache)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	var entries []Entry
	if err == nil {
		err = yaml.Unmarshal(data, &entries)
	}
	if err == nil {
		err = t.restore(entries)
	}
	if err != nil {
		t.byName.Clear(false)
		clear(t.byIP)
		t.next = t.min
		os.Remove(t.cache)
		t.log.WithError(err).Error("FAILED to load domains from cache, cache cleared")
		return
	}
	t.log.Infof("%d domains loaded from cache", len(entries))
}

func (t *Table) restore(entries []Entry) error {
	for _, e := range entries {
		host := normalize(e.Host)
		if host == "" || e.IP != t.next || t.max.Less(e.IP) {
			return fmt.Errorf("unexpected cache entry %q %s", e.Host, e.IP)
		}
		if _, ok := t.byName.Get(Entry{Host: host}); ok {
			return fmt.Errorf("duplicate cache entry %q", host)
		}
		t.insert(Entry{Host: host, IP: e.IP})
		t.next = e.IP.Next()
	}
	return nil
}

func (t *Table) insert(e Entry) {
	t.byName.ReplaceOrInsert(e)
	t.byIP[e.IP] = e.Host
}

// AddRules appends a rule set. Deny rules of any set beat accept rules.
func (t *Table) AddRules(r Rules) { t.rules = append(t.rules, r) }

// Resolve returns the virtual address of host for client, allocating one
// when the rules accept the name. The returned address is invalid when the
// name is not proxied.
func (t *Table) Resolve(client netip.Addr, host string) (netip.Addr, error) {
	host = normalize(host)
	if host == "" {
		return netip.Addr{}, nil
	}
	for _, r := range t.rules {
		if r.DenyProxy(client, host) {
			t.log.Debugf("(none) <-- dns '%s' denied for %s", host, client)
			return netip.Addr{}, nil
		}
	}
	for _, r := range t.rules {
		if r.AcceptProxy(client, host) {
			ip, err := t.Add(host)
			if err == nil {
				t.log.Debugf("%s <-- dns '%s'", ip, host)
			}
			return ip, err
		}
	}
	return netip.Addr{}, nil
}

// Add binds host to a virtual address regardless of the rules, returning
// the existing binding if there is one.
func (t *Table) Add(host string) (netip.Addr, error) {
	host = normalize(host)
	if host == "" {
		return netip.Addr{}, fmt.Errorf("vip: empty hostname")
	}
	if e, ok := t.byName.Get(Entry{Host: host}); ok {
		return e.IP, nil
	}
	if !t.next.IsValid() || t.max.Less(t.next) {
		return netip.Addr{}, fmt.Errorf("bind %q: %w", host, ErrPoolExhausted)
	}
	e := Entry{Host: host, IP: t.next}
	t.next = t.next.Next()
	t.insert(e)
	t.persist(e)
	return e.IP, nil
}

// persist appends e to the cache. The cache is a YAML sequence, so
// appending a one-element sequence extends it.
func (t *Table) persist(e Entry) {
	if t.cache == "" {
		return
	}
	data, err := yaml.Marshal([]Entry{e})
	if err == nil {
		var f *os.File
		f, err = os.OpenFile(t.cache, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err == nil {
			_, err = f.Write(data)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
	}
	if err != nil {
		t.log.WithError(err).Warnf("failed to persist %s", e.Host)
	}
}

// ResolveReverse returns the hostname bound to ip.
func (t *Table) ResolveReverse(ip netip.Addr) (string, bool) {
	host, ok := t.byIP[ip]
	return host, ok
}

// Contains reports whether ip lies in the VIP range.
func (t *Table) Contains(ip netip.Addr) bool {
	return ip.Is4() && !ip.Less(t.min) && !t.max.Less(ip)
}

// Len returns the number of bindings.
func (t *Table) Len() int { return t.byName.Len() }

// Free returns the number of addresses left in the pool.
func (t *Table) Free() uint32 {
	if !t.next.IsValid() || t.max.Less(t.next) {
		return 0
	}
	return packet.AddrToUint32(t.max) - packet.AddrToUint32(t.next) + 1
}

// Entries lists the bindings ordered by hostname.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, t.byName.Len())
	t.byName.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
