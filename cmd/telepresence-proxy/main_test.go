package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "True", "yes", "on", " YES "} {
		assert.True(t, truthy(v), "expected %q to be truthy", v)
	}
	for _, v := range []string{"", "0", "false", "no", "off", "bogus"} {
		assert.False(t, truthy(v), "expected %q to be falsy", v)
	}
}

func TestGuessNamespaceFromResolvConf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 10.0.0.10\nsearch myns.svc.cluster.local svc.cluster.local cluster.local\n"), 0o644))

	ns := guessNamespaceFromResolvConfPath(path)
	assert.Equal(t, "myns", ns)
}

func TestGuessNamespaceFromResolvConfNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 10.0.0.10\n"), 0o644))

	ns := guessNamespaceFromResolvConfPath(path)
	assert.Equal(t, "", ns)
}

func TestResolveNameserversNoLoopFallsBackToEnv(t *testing.T) {
	t.Setenv("TELEPRESENCE_NAMESERVER", "8.8.8.8")
	kubeDNS, fallback := resolveNameservers(true)
	assert.Equal(t, "8.8.8.8", fallback)
	_ = kubeDNS
}

func TestResolveNameserversFallsBackToKubeDNSWhenUnset(t *testing.T) {
	t.Setenv("TELEPRESENCE_NAMESERVER", "")
	kubeDNS, fallback := resolveNameservers(false)
	assert.Equal(t, kubeDNS, fallback)
}

func TestLookupAllPreservesOrderAndCount(t *testing.T) {
	result := lookupAll([]string{"localhost", "this-host-should-not-resolve.invalid"})
	require.Len(t, result, 2)
	assert.NotEmpty(t, result[0])
	assert.Nil(t, result[1])
}
