package blocklist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNetwork(t *testing.T, s string) network {
	t.Helper()
	n, ok := parseNetwork(s, "test")
	require.Truef(t, ok, "parseNetwork(%q)", s)
	return n
}

func contains(t *testing.T, n network, s string) bool {
	t.Helper()
	addr, ok := normalizeAddr(s)
	require.Truef(t, ok, "normalizeAddr(%q)", s)
	return n.contains(addr)
}

func TestNetwork_IPv4Boundaries(t *testing.T) {
	n := mustNetwork(t, "10.0.0.0/8")
	assert.True(t, contains(t, n, "10.0.0.0"))
	assert.True(t, contains(t, n, "10.255.255.255"))
	assert.False(t, contains(t, n, "11.0.0.0"))
	assert.False(t, contains(t, n, "9.255.255.255"))
}

func TestNetwork_HostBitsMasked(t *testing.T) {
	n := mustNetwork(t, "203.0.113.77/24")
	assert.True(t, contains(t, n, "203.0.113.5"))
	assert.False(t, contains(t, n, "203.0.114.5"))
}

func TestNetwork_ZeroAndFullPrefix(t *testing.T) {
	all4 := mustNetwork(t, "0.0.0.0/0")
	assert.True(t, contains(t, all4, "255.255.255.255"))
	assert.False(t, contains(t, all4, "::1"))

	one := mustNetwork(t, "192.0.2.1/32")
	assert.True(t, contains(t, one, "192.0.2.1"))
	assert.False(t, contains(t, one, "192.0.2.2"))

	all6 := mustNetwork(t, "::/0")
	assert.True(t, contains(t, all6, "2001:db8::1"))
	assert.False(t, contains(t, all6, "1.2.3.4"))
}

func TestNetwork_IPv6Boundaries(t *testing.T) {
	n := mustNetwork(t, "2001:db8::/32")
	assert.True(t, contains(t, n, "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff"))
	assert.False(t, contains(t, n, "2001:db9::"))

	wide := mustNetwork(t, "2001:db8:0:0:8000::/65")
	assert.True(t, contains(t, wide, "2001:db8::8000:0:0:1"))
	assert.False(t, contains(t, wide, "2001:db8::7fff:ffff:ffff:ffff"))

	host := mustNetwork(t, "2001:db8::1/128")
	assert.True(t, contains(t, host, "2001:db8::1"))
	assert.False(t, contains(t, host, "2001:db8::2"))
}

func TestNetwork_FamilySymmetry(t *testing.T) {
	v4 := mustNetwork(t, "0.0.0.0/8")
	v6 := mustNetwork(t, "::/8")
	assert.False(t, contains(t, v4, "::1"))
	assert.False(t, contains(t, v6, "0.0.0.1"))
}

func TestNetwork_MappedAddressTreatedAsIPv4(t *testing.T) {
	n := mustNetwork(t, "198.51.100.0/24")
	assert.True(t, contains(t, n, "::ffff:198.51.100.9"))
}

func TestParseNetwork_RejectsInvalidPrefix(t *testing.T) {
	for _, s := range []string{"10.0.0.0/33", "10.0.0.0/-1", "::/129", "10.0.0.0/", "10.0.0/8", "10.0.0.0/x"} {
		_, ok := parseNetwork(s, "test")
		assert.Falsef(t, ok, "parseNetwork(%q) should fail", s)
	}
}

func TestParseList(t *testing.T) {
	body := []byte(`# spamhaus-ish feed
203.0.113.0/24

198.51.100.7
  192.0.2.44  
not-an-ip
10.0.0.0/40
2001:db8::/48
# trailing comment
`)
	p := parseList(body, "feed")
	assert.ElementsMatch(t, []string{"198.51.100.7", "192.0.2.44"}, p.exact)
	require.Len(t, p.networks, 2)
	assert.Equal(t, "feed", p.networks[0].source)
	assert.Equal(t, "203.0.113.0/24", p.networks[0].text)
	assert.True(t, p.networks[1].v6)
}

func TestParseList_GopherMenuBody(t *testing.T) {
	body := []byte("iBlocklist\t\texample.org\t70\r\n" +
		"i203.0.113.9\t\texample.org\t70\r\n" +
		"i198.51.100.0/24\t\texample.org\t70\r\n" +
		"1Home\t/\texample.org\t70\r\n" +
		".\r\n")
	p := parseList(body, "burrow")
	assert.Equal(t, []string{"203.0.113.9"}, p.exact)
	require.Len(t, p.networks, 1)
	assert.Equal(t, "198.51.100.0/24", p.networks[0].text)
}
