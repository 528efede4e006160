// Package config provides configuration handling for the transparent proxy.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/transproxy"
	"github.com/irctrakz/transproxy/pkg/vip"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	// Network contains the tunnel address plan.
	Network core.NetworkConfig `json:"network" yaml:"network" toml:"network"`

	// Proxy contains the upstream proxy and domain rules.
	Proxy core.ProxyConfig `json:"proxy" yaml:"proxy" toml:"proxy"`

	// TUN contains the kernel TUN configuration.
	TUN core.TUNConfig `json:"tun" yaml:"tun" toml:"tun"`

	// WireGuard contains the WireGuard configuration.
	WireGuard core.WireGuardConfig `json:"wireguard" yaml:"wireguard" toml:"wireguard"`

	// API contains the management API configuration.
	API core.APIConfig `json:"api" yaml:"api" toml:"api"`

	// Capture contains the packet capture configuration.
	Capture core.CaptureConfig `json:"capture" yaml:"capture" toml:"capture"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`

	// WorkDir holds the VIP cache and relative rule files.
	WorkDir string `json:"work_dir" yaml:"workDir" toml:"work_dir"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level" toml:"level"`

	// Format is text or json.
	Format string `json:"format" yaml:"format" toml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file" toml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize" toml:"max_size"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups" toml:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge" toml:"max_age"`
}

// Addresses is the resolved address plan of a network preset.
type Addresses struct {
	Mask     netip.Addr
	ClientIP netip.Addr
	ServerIP netip.Addr
	VIPMin   netip.Addr
	VIPMax   netip.Addr
	AgentMin netip.Addr
	AgentMax netip.Addr
}

// Local reports whether ip is served by the stack itself: the server
// address, a virtual address or an agent address.
func (a Addresses) Local(ip netip.Addr) bool {
	inRange := func(lo, hi netip.Addr) bool { return !ip.Less(lo) && !hi.Less(ip) }
	return ip == a.ServerIP || inRange(a.VIPMin, a.VIPMax) || inRange(a.AgentMin, a.AgentMax)
}

var presets = map[int]core.NetworkConfig{
	10: {
		Mask:     "255.0.0.0",
		ClientIP: "10.0.0.1",
		ServerIP: "10.10.10.10",
		VIPMin:   "10.128.0.1",
		VIPMax:   "10.255.255.254",
		AgentMin: "10.100.0.1",
		AgentMax: "10.127.255.255",
	},
	100: {
		Mask:     "255.192.0.0",
		ClientIP: "100.64.0.1",
		ServerIP: "100.100.100.100",
		VIPMin:   "100.101.0.1",
		VIPMax:   "100.127.255.255",
		AgentMin: "100.72.0.1",
		AgentMax: "100.99.255.255",
	},
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	custom := presets[100]
	custom.Type = 10
	return &Config{
		Network: custom,
		Proxy: core.ProxyConfig{
			URL:            "http://192.168.0.1:8080",
			UpstreamDNS:    "udp://114.114.114.114",
			RulesFile:      "domain_rules.txt",
			ProxyListFile:  "domain_proxy.txt",
			DirectListFile: "domain_direct.txt",
			IdleTimeoutSec: 900,
		},
		TUN: core.TUNConfig{
			Enabled: true,
			Name:    "tun0",
			MTU:     1500,
		},
		WireGuard: core.WireGuardConfig{
			ListenPort: 51820,
			MTU:        1420,
			Peers:      []core.WireGuardPeer{},
		},
		API: core.APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		WorkDir: ".",
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		*dst = val == "true" || val == "1"
	}
}

// wireGuardPeersFromEnv reads the peers listed by index in WG_PEERS, e.g.
// "0,1", from WG_PEER_<i>_PUBLIC_KEY, WG_PEER_<i>_ALLOWED_IPS (comma
// separated), WG_PEER_<i>_ENDPOINT and WG_PEER_<i>_KEEPALIVE. It returns
// nil when WG_PEERS is unset.
func wireGuardPeersFromEnv() []core.WireGuardPeer {
	idxs := strings.TrimSpace(os.Getenv("WG_PEERS"))
	if idxs == "" {
		return nil
	}
	peers := []core.WireGuardPeer{}
	for _, i := range splitCSV(idxs) {
		prefix := "WG_PEER_" + i + "_"
		p := core.WireGuardPeer{
			PublicKey:  strings.TrimSpace(os.Getenv(prefix + "PUBLIC_KEY")),
			AllowedIPs: splitCSV(os.Getenv(prefix + "ALLOWED_IPS")),
			Endpoint:   strings.TrimSpace(os.Getenv(prefix + "ENDPOINT")),
		}
		envInt(prefix+"KEEPALIVE", &p.PersistentKeepalive)
		if p.PublicKey != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Proxy config
	envString("PROXY_URL", &config.Proxy.URL)
	envString("PROXY_UPSTREAM_DNS", &config.Proxy.UpstreamDNS)
	envString("PROXY_RULES_FILE", &config.Proxy.RulesFile)
	envString("PROXY_PROXY_LIST", &config.Proxy.ProxyListFile)
	envString("PROXY_DIRECT_LIST", &config.Proxy.DirectListFile)
	envInt("PROXY_IDLE_TIMEOUT", &config.Proxy.IdleTimeoutSec)

	// Network config
	envInt("NETWORK_TYPE", &config.Network.Type)
	envString("NETWORK_MASK", &config.Network.Mask)
	envString("NETWORK_CLIENT_IP", &config.Network.ClientIP)
	envString("NETWORK_SERVER_IP", &config.Network.ServerIP)
	envString("NETWORK_VIP_MIN", &config.Network.VIPMin)
	envString("NETWORK_VIP_MAX", &config.Network.VIPMax)
	envString("NETWORK_AGENT_MIN", &config.Network.AgentMin)
	envString("NETWORK_AGENT_MAX", &config.Network.AgentMax)

	// TUN config
	envBool("TUN_ENABLED", &config.TUN.Enabled)
	envString("TUN_NAME", &config.TUN.Name)
	envInt("TUN_MTU", &config.TUN.MTU)

	// WireGuard config
	envBool("WG_ENABLED", &config.WireGuard.Enabled)
	envString("WG_PRIVATE_KEY", &config.WireGuard.PrivateKey)
	envInt("WG_LISTEN_PORT", &config.WireGuard.ListenPort)
	envInt("WG_MTU", &config.WireGuard.MTU)
	if peers := wireGuardPeersFromEnv(); peers != nil {
		config.WireGuard.Peers = peers
	}

	// API and capture
	envString("API_LISTEN", &config.API.Listen)
	envBool("API_INTERNAL", &config.API.Internal)
	envString("CAPTURE_FILE", &config.Capture.File)
	envString("WORK_DIR", &config.WorkDir)

	// Logging config
	envString("LOGGING_LEVEL", &config.Logging.Level)
	envString("LOGGING_FORMAT", &config.Logging.Format)
	envString("LOGGING_FILE", &config.Logging.File)
	envInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

// Addresses applies the network preset and parses the address plan.
func (c *Config) Addresses() (Addresses, error) {
	n := c.Network
	if c.Network.Type != 0 {
		p, ok := presets[c.Network.Type]
		if !ok {
			return Addresses{}, fmt.Errorf("invalid network type: %d", c.Network.Type)
		}
		n = p
	}

	var a Addresses
	for _, f := range []struct {
		name string
		val  string
		dst  *netip.Addr
	}{
		{"mask", n.Mask, &a.Mask},
		{"client IP", n.ClientIP, &a.ClientIP},
		{"server IP", n.ServerIP, &a.ServerIP},
		{"VIP min", n.VIPMin, &a.VIPMin},
		{"VIP max", n.VIPMax, &a.VIPMax},
		{"agent min", n.AgentMin, &a.AgentMin},
		{"agent max", n.AgentMax, &a.AgentMax},
	} {
		ip, err := netip.ParseAddr(f.val)
		if err != nil || !ip.Is4() {
			return Addresses{}, fmt.Errorf("invalid %s address: %q", f.name, f.val)
		}
		*f.dst = ip
	}
	if a.VIPMax.Less(a.VIPMin) {
		return Addresses{}, fmt.Errorf("VIP range %s-%s is empty", a.VIPMin, a.VIPMax)
	}
	if a.AgentMax.Less(a.AgentMin) {
		return Addresses{}, fmt.Errorf("agent range %s-%s is empty", a.AgentMin, a.AgentMax)
	}
	if !a.VIPMax.Less(a.AgentMin) && !a.AgentMax.Less(a.VIPMin) {
		return Addresses{}, fmt.Errorf("VIP range %s-%s overlaps agent range %s-%s", a.VIPMin, a.VIPMax, a.AgentMin, a.AgentMax)
	}
	return a, nil
}

// Path resolves a configured file name against WorkDir.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.WorkDir, name)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := c.Addresses(); err != nil {
		return err
	}

	// Validate Proxy config
	if _, err := transproxy.ParseProxyURL(c.Proxy.URL); err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if _, err := vip.ParseUpstream(c.Proxy.UpstreamDNS); err != nil {
		return err
	}
	if c.Proxy.IdleTimeoutSec < 0 {
		return fmt.Errorf("invalid idle timeout: %d", c.Proxy.IdleTimeoutSec)
	}

	// Validate TUN config
	if c.TUN.Enabled {
		if c.TUN.Name == "" {
			return fmt.Errorf("TUN name cannot be empty")
		}
		if c.TUN.MTU < 576 || c.TUN.MTU > 65535 {
			return fmt.Errorf("invalid TUN MTU: %d", c.TUN.MTU)
		}
	}

	// Validate WireGuard config
	if c.WireGuard.Enabled {
		if c.WireGuard.ListenPort <= 0 || c.WireGuard.ListenPort > 65535 {
			return fmt.Errorf("invalid WireGuard listen port: %d", c.WireGuard.ListenPort)
		}
		if c.WireGuard.PrivateKey == "" {
			return fmt.Errorf("WireGuard private key cannot be empty")
		}
		for i, p := range c.WireGuard.Peers {
			if p.PublicKey == "" {
				return fmt.Errorf("WireGuard peer %d has no public key", i)
			}
			for _, cidr := range p.AllowedIPs {
				if _, err := netip.ParsePrefix(cidr); err != nil {
					return fmt.Errorf("WireGuard peer %d: invalid allowed IP %q: %w", i, cidr, err)
				}
			}
		}
	}
	if !c.TUN.Enabled && !c.WireGuard.Enabled {
		return fmt.Errorf("at least one of TUN and WireGuard must be enabled")
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return err
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		format = logging.TextFormat
	}
	logging.SetFormat(format)

	// Enable file logging if configured
	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file. The file is replaced
// atomically.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		data = buf.Bytes()
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
