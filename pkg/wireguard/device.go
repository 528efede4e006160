package wireguard

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"
)

// DeviceHandle is the lifecycle of a running device.
type DeviceHandle interface {
	Close() error
	// IpcGet returns the device state in UAPI text form.
	IpcGet() (string, error)
	// Peers returns the handshake and transfer state of each peer.
	Peers() ([]PeerStatus, error)
}

type wgHandle struct{ dev *wgdev.Device }

func (h *wgHandle) Close() error {
	h.dev.Close()
	return nil
}

func (h *wgHandle) IpcGet() (string, error) { return h.dev.IpcGet() }

func (h *wgHandle) Peers() ([]PeerStatus, error) {
	state, err := h.dev.IpcGet()
	if err != nil {
		return nil, err
	}
	return parsePeerStatus(state), nil
}

// StartDevice brings up a wireguard-go device on cfg.ListenPort exchanging
// plaintext through tun, and hands tun the peers' allowed IPs.
func StartDevice(cfg core.WireGuardConfig, tun *WGTun) (DeviceHandle, error) {
	uapi, err := uapiConfig(cfg)
	if err != nil {
		return nil, err
	}
	var cidrs []string
	for _, p := range cfg.Peers {
		cidrs = append(cidrs, p.AllowedIPs...)
	}
	if err := tun.SetPeerPrefixes(cidrs); err != nil {
		return nil, err
	}

	log := logging.Component("wireguard")
	logger := &wgdev.Logger{Verbosef: wgdev.DiscardLogf, Errorf: log.Errorf}
	if logging.IsDebug() {
		logger.Verbosef = log.Debugf
	}
	dev := wgdev.NewDevice(tun, conn.NewDefaultBind(), logger)
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("IpcSet: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}
	log.Infof("WireGuard device up on UDP :%d with %d peers", cfg.ListenPort, len(cfg.Peers))
	return &wgHandle{dev: dev}, nil
}

// uapiConfig renders cfg in the UAPI set format, which takes hex keys.
func uapiConfig(cfg core.WireGuardConfig) (string, error) {
	priv, err := hexKey(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid WireGuard private key: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", priv, cfg.ListenPort)
	for i, p := range cfg.Peers {
		pub, err := hexKey(p.PublicKey)
		if err != nil {
			return "", fmt.Errorf("invalid public key of WireGuard peer %d: %w", i, err)
		}
		fmt.Fprintf(&b, "public_key=%s\n", pub)
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", strings.TrimSpace(ip))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepalive)
		}
	}
	return b.String(), nil
}

// hexKey accepts a base64 key, or one already in hex.
func hexKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == 32 {
		return hex.EncodeToString(raw), nil
	}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		return strings.ToLower(key), nil
	}
	return "", fmt.Errorf("want base64 or hex of 32 bytes")
}

// PeerStatus is the state of one peer as reported by the device.
type PeerStatus struct {
	PublicKey     string    `json:"publicKey"`
	Endpoint      string    `json:"endpoint"`
	LastHandshake time.Time `json:"lastHandshake"`
	RxBytes       uint64    `json:"rxBytes"`
	TxBytes       uint64    `json:"txBytes"`
}

// parsePeerStatus extracts the peers from UAPI get output.
func parsePeerStatus(state string) []PeerStatus {
	var peers []PeerStatus
	var cur *PeerStatus
	sc := bufio.NewScanner(strings.NewReader(state))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			pub := val
			if raw, err := hex.DecodeString(val); err == nil {
				pub = base64.StdEncoding.EncodeToString(raw)
			}
			peers = append(peers, PeerStatus{PublicKey: pub})
			cur = &peers[len(peers)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "endpoint":
			cur.Endpoint = val
		case "last_handshake_time_sec":
			if sec, err := strconv.ParseInt(val, 10, 64); err == nil && sec > 0 {
				cur.LastHandshake = time.Unix(sec, 0)
			}
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(val, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(val, 10, 64)
		}
	}
	return peers
}

func handshakeAge(now, last time.Time) string {
	if last.IsZero() {
		return "never"
	}
	age := now.Sub(last)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%d hours ago", int(age.Hours()))
	}
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:8] + "..." + key[len(key)-8:]
	}
	return key
}

// MonitorHandshakes logs every peer's handshake state each interval until
// ctx is done.
func MonitorHandshakes(ctx context.Context, h DeviceHandle, interval time.Duration) {
	log := logging.Component("wireguard")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		peers, err := h.Peers()
		if err != nil {
			log.WithError(err).Warn("failed to get device state")
			continue
		}
		now := time.Now()
		for _, p := range peers {
			log.Infof("peer %s: handshake=%s endpoint=%s transfer=rx:%d/tx:%d bytes",
				shortKey(p.PublicKey), handshakeAge(now, p.LastHandshake), p.Endpoint, p.RxBytes, p.TxBytes)
		}
	}
}
