package vip

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gfwSample = `[AutoProxy 0.2.9]
! Checksum: abc
||google.com
.twitter.com
|https://www.example.org/path
example.net
@@||cn.google.com
/^https?:\/\/[^\/]+blogspot\.(.*)/
nodot
`

func checkSample(t *testing.T, r *DomainRules) {
	t.Helper()
	for _, h := range []string{"google.com", "mail.google.com", "twitter.com", "api.twitter.com", "www.example.org", "example.net", "Mail.Google.com."} {
		assert.True(t, r.AcceptProxy(client, h), h)
	}
	for _, h := range []string{"notgoogle.com", "example.org", "a.example.net", "nodot"} {
		assert.False(t, r.AcceptProxy(client, h), h)
	}
	assert.True(t, r.DenyProxy(client, "cn.google.com"))
	assert.True(t, r.DenyProxy(client, "x.cn.google.com"))
	assert.False(t, r.DenyProxy(client, "google.com"))

	proxy, direct := r.Len()
	assert.Equal(t, 4, proxy)
	assert.Equal(t, 1, direct)
}

func TestParseRules(t *testing.T) {
	r := NewDomainRules()
	n, err := r.ParseRules(strings.NewReader(gfwSample))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	checkSample(t, r)
}

func TestParseRulesBase64(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte(gfwSample))
	var wrapped strings.Builder
	for len(enc) > 64 {
		wrapped.WriteString(enc[:64] + "\n")
		enc = enc[64:]
	}
	wrapped.WriteString(enc + "\n")

	r := NewDomainRules()
	n, err := r.ParseRules(strings.NewReader(wrapped.String()))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	checkSample(t, r)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "gfwlist.txt")
	require.NoError(t, os.WriteFile(rulesPath, []byte(gfwSample), 0644))
	proxyPath := filepath.Join(dir, "domain_proxy.txt")
	require.NoError(t, os.WriteFile(proxyPath, []byte("# extra\nfoo.com\n\n.bar.org\nbad\n"), 0644))
	directPath := filepath.Join(dir, "domain_direct.txt")
	require.NoError(t, os.WriteFile(directPath, []byte("twitter.com\n"), 0644))

	r := NewDomainRules()
	n, err := r.LoadRulesFile(rulesPath)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = r.LoadListFile(proxyPath, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.LoadListFile(directPath, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, r.AcceptProxy(client, "sub.foo.com"))
	assert.True(t, r.AcceptProxy(client, "bar.org"))
	assert.True(t, r.DenyProxy(client, "api.twitter.com"))

	n, err = r.LoadRulesFile(filepath.Join(dir, "missing.txt"))
	assert.NoError(t, err)
	assert.Zero(t, n)
	n, err = r.LoadListFile(filepath.Join(dir, "missing.txt"), true)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
