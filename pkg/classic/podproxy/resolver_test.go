package podproxy

import (
	"io"
	"testing"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestIdentifySuffixProbeRespondsWithLoopback(t *testing.T) {
	r := NewResolver(testLogger(), "default", false, "", "8.8.8.8:53")

	req := new(dns.Msg)
	req.SetQuestion("hellotelepresence-1.example.com.", dns.TypeA)

	resp := r.Query(req)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", a.A.String())

	r.mu.Lock()
	recorded := false
	for _, s := range r.suffixes {
		if s == "example.com" {
			recorded = true
		}
	}
	r.mu.Unlock()
	assert.True(t, recorded, "expected suffix example.com to be recorded")
}

func TestHandleSearchSuffixStripsKnownSuffix(t *testing.T) {
	r := NewResolver(testLogger(), "default", false, "", "127.0.0.1:1") // unreachable fallback

	probe := new(dns.Msg)
	probe.SetQuestion("hellotelepresence-1.example.com.", dns.TypeA)
	r.Query(probe)

	stem := r.stripSearchSuffix([]string{"myservice", "example", "com"})
	assert.Equal(t, []string{"myservice"}, stem)
}

func TestQueryRewritesAAAAToAInternally(t *testing.T) {
	r := NewResolver(testLogger(), "default", false, "", "127.0.0.1:1")

	req := new(dns.Msg)
	req.SetQuestion("myservice.default.svc.cluster.local.", dns.TypeAAAA)

	resp := r.Query(req)
	require.NotNil(t, resp)
	assert.Equal(t, dns.TypeAAAA, resp.Question[0].Qtype)
}

func TestNoLoopShortNameWithUnreachableServersIsServfail(t *testing.T) {
	r := NewResolver(testLogger(), "myns", true, "127.0.0.1:1", "127.0.0.1:1")

	req := new(dns.Msg)
	req.SetQuestion("myservice.", dns.TypeA)

	resp := r.Query(req)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestStripSearchSuffixLeavesNonMatchingNameAlone(t *testing.T) {
	r := NewResolver(testLogger(), "default", false, "", "127.0.0.1:1")
	parts := []string{"myservice", "other", "com"}
	assert.Equal(t, parts, r.stripSearchSuffix(parts))
}

func TestStripSearchSuffixPrefersLongestOverlappingSuffix(t *testing.T) {
	r := NewResolver(testLogger(), "default", false, "", "127.0.0.1:1")

	r.mu.Lock()
	r.addSuffix("cluster.local")
	r.addSuffix("svc.cluster.local")
	r.addSuffix("default.svc.cluster.local")
	r.mu.Unlock()

	stem := r.stripSearchSuffix([]string{"myservice", "default", "svc", "cluster", "local"})
	assert.Equal(t, []string{"myservice"}, stem,
		"should strip the longest matching suffix, not a shorter one it contains")
}

func TestAddSuffixKeepsLongestFirstOrderRegardlessOfInsertionOrder(t *testing.T) {
	r := NewResolver(testLogger(), "default", false, "", "127.0.0.1:1")

	r.mu.Lock()
	r.addSuffix("local")
	r.addSuffix("default.svc.cluster.local")
	r.addSuffix("cluster.local")
	r.mu.Unlock()

	require.Equal(t, []string{"default.svc.cluster.local", "cluster.local", "local"}, r.suffixes)
}
