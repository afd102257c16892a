package envmount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestSerializeAsEnvFileSortsAndSkipsMultilineValues(t *testing.T) {
	data, skipped := SerializeAsEnvFile(map[string]string{
		"ZEBRA": "z",
		"APPLE": "a",
		"MULTI": "line1\nline2",
	})

	assert.Equal(t, "APPLE=a\nZEBRA=z\n", data)
	assert.Equal(t, []string{"MULTI"}, skipped)
}

func TestSerializeAsEnvFileEmpty(t *testing.T) {
	data, skipped := SerializeAsEnvFile(map[string]string{})
	assert.Equal(t, "", data)
	assert.Empty(t, skipped)
}

func TestSshfsCommandAddsSudoAndAllowOtherForAllUsers(t *testing.T) {
	run := newTestRunner(t)
	ssh := sshtunnel.New(run, 2222)

	argv := sshfsCommand(ssh, true, "/tmp/mnt")
	assert.Equal(t, "sudo", argv[0])
	assert.Contains(t, argv, "allow_other")
	assert.Contains(t, argv, "2222")
	assert.Equal(t, "/tmp/mnt", argv[len(argv)-1])
}

func TestSshfsCommandNoSudoForSingleUser(t *testing.T) {
	run := newTestRunner(t)
	ssh := sshtunnel.New(run, 2222)

	argv := sshfsCommand(ssh, false, "/tmp/mnt")
	assert.Equal(t, "sshfs", argv[0])
	assert.NotContains(t, argv, "allow_other")
	assert.NotContains(t, argv, "sudo")
}
