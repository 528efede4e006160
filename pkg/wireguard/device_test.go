package wireguard

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestUAPIConfig(t *testing.T) {
	cfg := core.WireGuardConfig{
		PrivateKey: key(1),
		ListenPort: 51820,
		Peers: []core.WireGuardPeer{
			{PublicKey: key(2), AllowedIPs: []string{"10.0.0.1/32"}, Endpoint: "203.0.113.1:51820", PersistentKeepalive: 25},
			{PublicKey: strings.Repeat("03", 32)},
		},
	}
	got, err := uapiConfig(cfg)
	require.NoError(t, err)
	want := "private_key=" + strings.Repeat("01", 32) + "\n" +
		"listen_port=51820\n" +
		"replace_peers=true\n" +
		"public_key=" + strings.Repeat("02", 32) + "\n" +
		"allowed_ip=10.0.0.1/32\n" +
		"endpoint=203.0.113.1:51820\n" +
		"persistent_keepalive_interval=25\n" +
		"public_key=" + strings.Repeat("03", 32) + "\n"
	assert.Equal(t, want, got)

	cfg.PrivateKey = "short"
	_, err = uapiConfig(cfg)
	assert.ErrorContains(t, err, "private key")

	cfg.PrivateKey = key(1)
	cfg.Peers[1].PublicKey = "nope"
	_, err = uapiConfig(cfg)
	assert.ErrorContains(t, err, "peer 1")
}

func TestParsePeerStatus(t *testing.T) {
	state := "private_key=" + strings.Repeat("01", 32) + "\n" +
		"listen_port=51820\n" +
		"public_key=" + strings.Repeat("02", 32) + "\n" +
		"endpoint=203.0.113.1:51820\n" +
		"last_handshake_time_sec=1700000000\n" +
		"last_handshake_time_nsec=0\n" +
		"rx_bytes=100\n" +
		"tx_bytes=200\n" +
		"public_key=" + strings.Repeat("03", 32) + "\n" +
		"last_handshake_time_sec=0\n" +
		"errno=0\n"
	peers := parsePeerStatus(state)
	require.Len(t, peers, 2)
	assert.Equal(t, PeerStatus{
		PublicKey:     key(2),
		Endpoint:      "203.0.113.1:51820",
		LastHandshake: time.Unix(1700000000, 0),
		RxBytes:       100,
		TxBytes:       200,
	}, peers[0])
	assert.True(t, peers[1].LastHandshake.IsZero())
}

func TestHandshakeAge(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assert.Equal(t, "never", handshakeAge(now, time.Time{}))
	assert.Equal(t, "5 seconds ago", handshakeAge(now, now.Add(-5*time.Second)))
	assert.Equal(t, "3 minutes ago", handshakeAge(now, now.Add(-3*time.Minute)))
	assert.Equal(t, "2 hours ago", handshakeAge(now, now.Add(-2*time.Hour)))
	assert.Equal(t, "AQEBAQEB...AQEBAQE=", shortKey(key(1)))
}
