package vip

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vipMin = netip.MustParseAddr("10.128.0.1")
	vipMax = netip.MustParseAddr("10.128.0.10")
	client = netip.MustParseAddr("10.0.0.1")
)

func TestTableAllocatesSequentially(t *testing.T) {
	tbl, err := NewTable(vipMin, vipMax, "")
	require.NoError(t, err)

	a, err := tbl.Add("www.example.com")
	require.NoError(t, err)
	assert.Equal(t, vipMin, a)

	b, err := tbl.Add("api.example.com")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.128.0.2"), b)

	again, err := tbl.Add("WWW.Example.com.")
	require.NoError(t, err)
	assert.Equal(t, a, again, "names are case-insensitive and may be fully qualified")

	host, ok := tbl.ResolveReverse(b)
	assert.True(t, ok)
	assert.Equal(t, "api.example.com", host)
	_, ok = tbl.ResolveReverse(netip.MustParseAddr("10.128.0.3"))
	assert.False(t, ok)

	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, uint32(8), tbl.Free())
	assert.True(t, tbl.Contains(vipMax))
	assert.False(t, tbl.Contains(netip.MustParseAddr("10.128.0.11")))
	assert.Equal(t, []Entry{{"api.example.com", b}, {"www.example.com", a}}, tbl.Entries())
}

func TestTablePoolExhausted(t *testing.T) {
	tbl, err := NewTable(vipMin, netip.MustParseAddr("10.128.0.2"), "")
	require.NoError(t, err)
	_, err = tbl.Add("a.com")
	require.NoError(t, err)
	_, err = tbl.Add("b.com")
	require.NoError(t, err)

	_, err = tbl.Add("c.com")
	assert.ErrorIs(t, err, ErrPoolExhausted)
	_, err = tbl.Add("a.com")
	assert.NoError(t, err, "existing bindings still resolve")
	assert.Zero(t, tbl.Free())
}

func TestTableRejectsBadRange(t *testing.T) {
	_, err := NewTable(vipMax, vipMin, "")
	assert.Error(t, err)
	_, err = NewTable(netip.MustParseAddr("::1"), vipMax, "")
	assert.Error(t, err)
}

func TestTableResolveAppliesRules(t *testing.T) {
	tbl, err := NewTable(vipMin, vipMax, "")
	require.NoError(t, err)
	rules := NewDomainRules()
	rules.AddProxy("google.com")
	rules.AddDirect("cn.google.com")
	tbl.AddRules(rules)
	tbl.AddRules(DenyFunc(func(c netip.Addr, _ string) bool { return c == netip.MustParseAddr("192.168.1.1") }))

	ip, err := tbl.Resolve(client, "mail.google.com")
	require.NoError(t, err)
	assert.Equal(t, vipMin, ip)

	ip, err = tbl.Resolve(client, "www.cn.google.com")
	require.NoError(t, err)
	assert.False(t, ip.IsValid(), "deny beats accept")

	ip, err = tbl.Resolve(client, "example.org")
	require.NoError(t, err)
	assert.False(t, ip.IsValid())

	ip, err = tbl.Resolve(netip.MustParseAddr("192.168.1.1"), "mail.google.com")
	require.NoError(t, err)
	assert.False(t, ip.IsValid(), "denied client")
	assert.Equal(t, 1, tbl.Len())
}

func TestTableCachePersists(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewTable(vipMin, vipMax, dir)
	require.NoError(t, err)
	_, err = tbl.Add("one.com")
	require.NoError(t, err)
	_, err = tbl.Add("two.com")
	require.NoError(t, err)

	reloaded, err := NewTable(vipMin, vipMax, dir)
	require.NoError(t, err)
	assert.Equal(t, tbl.Entries(), reloaded.Entries())

	ip, err := reloaded.Add("three.com")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.128.0.3"), ip)

	again, err := NewTable(vipMin, vipMax, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Len())
}

func TestTableDiscardsCorruptCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CacheFileName)

	// the second entry skips an address
	data := "- host: one.com\n  ip: 10.128.0.1\n- host: two.com\n  ip: 10.128.0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	tbl, err := NewTable(vipMin, vipMax, dir)
	require.NoError(t, err)
	assert.Zero(t, tbl.Len())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	ip, err := tbl.Add("two.com")
	require.NoError(t, err)
	assert.Equal(t, vipMin, ip)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0644))
	tbl, err = NewTable(vipMin, vipMax, dir)
	require.NoError(t, err)
	assert.Zero(t, tbl.Len())
}
