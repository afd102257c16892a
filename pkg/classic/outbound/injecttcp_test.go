package outbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectTCPWrapPrependsTorsocks(t *testing.T) {
	m := NewInjectTCP(newTestRunner(t), 9050)
	argv := m.Wrap([]string{"curl", "http://example.com"})
	require.Equal(t, []string{"torsocks", "curl", "http://example.com"}, argv)
}

func TestInjectTCPWrapDoesNotMutateInputSlice(t *testing.T) {
	m := NewInjectTCP(newTestRunner(t), 9050)
	argv := []string{"bash"}
	wrapped := m.Wrap(argv)
	require.Len(t, wrapped, 2)
	assert.Equal(t, "bash", argv[0])
}

func TestInjectTCPEnvSetsTorsocksConfFile(t *testing.T) {
	m := NewInjectTCP(newTestRunner(t), 9050)
	m.confPath = "/tmp/tel_torsocks.conf"
	env := m.Env(nil, "/tmp/unsupported")
	assert.Contains(t, env, "TORSOCKS_CONF_FILE=/tmp/tel_torsocks.conf")
}

func TestInjectTCPEnvOmitsLogFileWhenLoggingToStdout(t *testing.T) {
	run := newTestRunner(t)
	run.LogPath = ""
	m := NewInjectTCP(run, 9050)
	m.confPath = "/tmp/tel_torsocks.conf"
	env := m.Env(nil, "")
	for _, kv := range env {
		assert.NotContains(t, kv, "TORSOCKS_LOG_FILE_PATH")
	}
}

func TestInjectTCPEnvPropagatesLogFilePath(t *testing.T) {
	run := newTestRunner(t)
	run.LogPath = "/var/log/telepresence.log"
	m := NewInjectTCP(run, 9050)
	m.confPath = "/tmp/tel_torsocks.conf"
	env := m.Env(nil, "")
	assert.Contains(t, env, "TORSOCKS_LOG_FILE_PATH=/var/log/telepresence.log")
}
