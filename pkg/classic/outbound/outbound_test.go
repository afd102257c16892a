package outbound

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klndev/tpclassic/pkg/classic/cliflags"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/sshtunnel"
)

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	run, err := runner.New(&strings.Builder{}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.RunCleanup() })
	return run
}

func TestSshuttleCommandCarriesRequiredArgsAndDNSTarget(t *testing.T) {
	run := newTestRunner(t)
	ssh := sshtunnel.New(run, 2222)
	argv := sshuttleCommand(ssh, "nat")

	assert.Equal(t, "sshuttle-telepresence", argv[0])
	assert.Contains(t, argv, "--method")
	assert.Contains(t, argv, "nat")
	assert.Contains(t, argv, "--to-ns")
	assert.Contains(t, argv, "127.0.0.1:9053")

	var eFlagValue string
	for i, a := range argv {
		if a == "-e" && i+1 < len(argv) {
			eFlagValue = argv[i+1]
		}
	}
	assert.Contains(t, eFlagValue, "-oStrictHostKeyChecking=no")
}

func TestRemotePortsCollectsUniqueRemotePorts(t *testing.T) {
	pm, err := cliflags.ParsePortMapping([]string{"8080:80", "9090"})
	require.NoError(t, err)
	ports := remotePorts(pm)
	assert.ElementsMatch(t, []int{80, 9090}, ports)
}

func TestRemotePortsNilMapping(t *testing.T) {
	assert.Nil(t, remotePorts(nil))
}

func TestNatPortBindingsMapsHostPortToContainerPort(t *testing.T) {
	bindings, err := natPortBindings(4022, 38022)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	for port, bs := range bindings {
		assert.Equal(t, "38022/tcp", string(port))
		require.Len(t, bs, 1)
		assert.Equal(t, "4022", bs[0].HostPort)
	}
}

func TestLocalEnvPrefixesPathAndAppliesOverrides(t *testing.T) {
	env := localEnv(map[string]string{"FOO": "bar"}, "/tmp/unsupported")
	var foundFoo, foundPath bool
	for _, kv := range env {
		if kv == "FOO=bar" {
			foundFoo = true
		}
		if strings.HasPrefix(kv, "PATH=/tmp/unsupported:") {
			foundPath = true
		}
	}
	assert.True(t, foundFoo)
	assert.True(t, foundPath)
}
