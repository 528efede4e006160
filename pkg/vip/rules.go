package vip

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/irctrakz/transproxy/pkg/logging"
)

// domainSet matches hostnames against exact names and domain suffixes. A
// suffix entry matches the domain itself and every subdomain.
type domainSet struct {
	exact  map[string]struct{}
	suffix map[string]struct{}
}

func newDomainSet() domainSet {
	return domainSet{exact: map[string]struct{}{}, suffix: map[string]struct{}{}}
}

func (s domainSet) len() int { return len(s.exact) + len(s.suffix) }

func (s domainSet) contains(host string) bool {
	if _, ok := s.exact[host]; ok {
		return true
	}
	for d := host; ; {
		if _, ok := s.suffix[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			return false
		}
		d = d[i+1:]
	}
}

// DomainRules is a proxy list and a direct list of domains. DenyProxy wins
// over AcceptProxy when a name is on both.
type DomainRules struct {
	proxy  domainSet
	direct domainSet
}

// NewDomainRules returns an empty rule set.
func NewDomainRules() *DomainRules {
	return &DomainRules{proxy: newDomainSet(), direct: newDomainSet()}
}

// AcceptProxy implements Rules.
func (r *DomainRules) AcceptProxy(_ netip.Addr, host string) bool {
	return r.proxy.contains(normalize(host))
}

// DenyProxy implements Rules.
func (r *DomainRules) DenyProxy(_ netip.Addr, host string) bool {
	return r.direct.contains(normalize(host))
}

// Len returns the number of proxy and direct rules.
func (r *DomainRules) Len() (proxy, direct int) { return r.proxy.len(), r.direct.len() }

// AddProxy adds a suffix rule to the proxy list.
func (r *DomainRules) AddProxy(domain string) bool { return addSuffix(r.proxy, domain) }

// AddDirect adds a suffix rule to the direct list.
func (r *DomainRules) AddDirect(domain string) bool { return addSuffix(r.direct, domain) }

func addSuffix(s domainSet, domain string) bool {
	d := normalize(strings.TrimPrefix(domain, "."))
	if !validDomain(d) {
		return false
	}
	s.suffix[d] = struct{}{}
	return true
}

// validDomain accepts dotted names made of non-empty hostname labels.
func validDomain(d string) bool {
	if !strings.Contains(d, ".") {
		return false
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// ParseRules reads gfwlist style rules: "!" comments, "@@" direct
// exceptions, "||domain" and ".domain" suffix rules and plain exact rules.
// URL schemes and paths are stripped and regular expressions skipped. A
// base64 encoded list is decoded first. It returns the number of rules
// added.
func (r *DomainRules) ParseRules(in io.Reader) (int, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return 0, err
	}
	if decoded, ok := decodeBase64List(data); ok {
		data = decoded
	}

	count := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 4096), 64*1024)
	for sc.Scan() {
		if r.parseLine(sc.Text()) {
			count++
		}
	}
	return count, sc.Err()
}

func (r *DomainRules) parseLine(line string) bool {
	p := strings.TrimSpace(line)
	if p == "" || p[0] == '!' || p[0] == '[' {
		return false
	}
	set := r.proxy
	if strings.HasPrefix(p, "@@") {
		set = r.direct
		p = p[2:]
	}

	var suffix bool
	switch {
	case strings.HasPrefix(p, "||"):
		suffix = true
		p = p[2:]
	case strings.HasPrefix(p, "|"):
		p = p[1:]
	}
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
	}
	if p == "" || p[0] == '/' {
		return false
	}
	if i := strings.IndexAny(p, "/^:"); i >= 0 {
		p = p[:i]
	}
	if strings.HasPrefix(p, ".") {
		suffix = true
		p = p[1:]
	}
	p = normalize(p)
	if !validDomain(p) {
		return false
	}
	if suffix {
		set.suffix[p] = struct{}{}
	} else {
		set.exact[p] = struct{}{}
	}
	return true
}

// decodeBase64List reports whether data is a base64 encoded rule list and
// returns it decoded.
func decodeBase64List(data []byte) ([]byte, bool) {
	compact := bytes.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, data)
	if len(compact) == 0 {
		return nil, false
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(compact)))
	n, err := base64.StdEncoding.Decode(out, compact)
	if err != nil {
		return nil, false
	}
	return out[:n], true
}

// LoadRulesFile parses a gfwlist style file. A missing file yields no
// rules.
func (r *DomainRules) LoadRulesFile(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Component("vip").Warnf("rules file %s not found", path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()
	n, err := r.ParseRules(f)
	if err != nil {
		return n, fmt.Errorf("failed to read rules file: %w", err)
	}
	logging.Component("vip").Infof("%d domains loaded from rules file", n)
	return n, nil
}

// LoadListFile adds one suffix rule per line of path to the proxy or
// direct list. Lines starting with "#" are comments. A missing file yields
// no rules.
func (r *DomainRules) LoadListFile(path string, direct bool) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open domain list: %w", err)
	}
	defer f.Close()

	add := r.AddProxy
	if direct {
		add = r.AddDirect
	}
	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if add(line) {
			count++
		}
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("failed to read domain list: %w", err)
	}
	return count, nil
}
