package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klndev/tpclassic/pkg/classic/env"
	"github.com/klndev/tpclassic/pkg/classic/outbound"
	"github.com/klndev/tpclassic/pkg/classic/runner"
)

func TestSplitRemainderRun(t *testing.T) {
	cobraArgs, remainder, mode := splitRemainder([]string{"--verbose", "--run", "echo", "hi"})
	assert.Equal(t, []string{"--verbose", "--run"}, cobraArgs)
	assert.Equal(t, []string{"echo", "hi"}, remainder)
	assert.Equal(t, "run", mode)
}

func TestSplitRemainderDockerRun(t *testing.T) {
	cobraArgs, remainder, mode := splitRemainder([]string{"--docker-run", "-it", "myimage"})
	assert.Equal(t, []string{"--docker-run"}, cobraArgs)
	assert.Equal(t, []string{"-it", "myimage"}, remainder)
	assert.Equal(t, "docker-run", mode)
}

func TestSplitRemainderNoRemainderFlag(t *testing.T) {
	cobraArgs, remainder, mode := splitRemainder([]string{"--run-shell", "--verbose"})
	assert.Equal(t, []string{"--run-shell", "--verbose"}, cobraArgs)
	assert.Nil(t, remainder)
	assert.Equal(t, "", mode)
}

func TestResolveMount(t *testing.T) {
	path, disabled := resolveMount("true")
	assert.Equal(t, "", path)
	assert.False(t, disabled)

	path, disabled = resolveMount("false")
	assert.Equal(t, "", path)
	assert.True(t, disabled)

	path, disabled = resolveMount("/home/user/mnt")
	assert.Equal(t, "/home/user/mnt", path)
	assert.False(t, disabled)
}

func TestValidateRejectsUnknownMethod(t *testing.T) {
	err := validate(&flags{method: "bogus"}, "")
	assert.Error(t, err)
}

func TestValidateRejectsMultipleDeploymentSelectors(t *testing.T) {
	err := validate(&flags{newDepl: "a", deplName: "b"}, "")
	assert.Error(t, err)
}

func TestValidateRejectsMultipleRunModes(t *testing.T) {
	err := validate(&flags{runShell: true}, "run")
	assert.Error(t, err)
}

func TestValidateRequiresContainerMethodForDockerRun(t *testing.T) {
	err := validate(&flags{method: "inject-tcp"}, "docker-run")
	assert.Error(t, err)
}

func TestValidateRequiresDockerRunForContainerMethod(t *testing.T) {
	err := validate(&flags{method: "container"}, "run")
	assert.Error(t, err)
}

func TestValidateAcceptsPlainRun(t *testing.T) {
	err := validate(&flags{method: "vpn-tcp"}, "run")
	assert.NoError(t, err)
}

func TestContainerLocalImageDefaults(t *testing.T) {
	img := containerLocalImage(nil)
	assert.Contains(t, img, "datawire/telepresence-local:")
}

func TestContainerLocalImageHonorsOverrides(t *testing.T) {
	img := containerLocalImage(&env.Env{Registry: "myreg", Version: "9.9.9"})
	assert.Equal(t, "myreg/telepresence-local:9.9.9", img)
}

func TestStripPublishArgsRemovesEveryForm(t *testing.T) {
	filtered, dropped := stripPublishArgs([]string{
		"-p", "8080:80", "--publish", "9090:90", "--publish=7070:70", "-p=6060:60", "-it", "myimage",
	})
	assert.Equal(t, []string{"-it", "myimage"}, filtered)
	assert.ElementsMatch(t, []string{"8080:80", "9090:90", "7070:70", "6060:60"}, dropped)
}

func TestStripPublishArgsLeavesOthersUntouched(t *testing.T) {
	filtered, dropped := stripPublishArgs([]string{"-e", "FOO=bar", "myimage"})
	assert.Equal(t, []string{"-e", "FOO=bar", "myimage"}, filtered)
	assert.Empty(t, dropped)
}

func TestHasInitFlag(t *testing.T) {
	assert.True(t, hasInitFlag([]string{"--init", "myimage"}))
	assert.True(t, hasInitFlag([]string{"--init=true", "myimage"}))
	assert.False(t, hasInitFlag([]string{"-it", "myimage"}))
}

func TestExitCodeOfMapsKnownErrorTypes(t *testing.T) {
	assert.Equal(t, int(runner.ExitUnsupportedTool), exitCodeOf(&runner.FailError{Message: "nope", Code: runner.ExitUnsupportedTool}))
	assert.Equal(t, int(runner.ExitSessionLost), exitCodeOf(&runner.BackgroundProcessCrash{Message: "died"}))
	assert.Equal(t, int(runner.ExitInternal), exitCodeOf(assert.AnError))
}

func newTestRunnerForWrap(t *testing.T) *runner.Runner {
	t.Helper()
	run, err := runner.New(&strings.Builder{}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.RunCleanup() })
	return run
}

func TestWrapArgvForOutboundPrependsTorsocksForInjectTCP(t *testing.T) {
	method := outbound.NewInjectTCP(newTestRunnerForWrap(t), 1080)
	argv := wrapArgvForOutbound(method, []string{"bash", "-c", "echo hi"})
	require.Equal(t, []string{"torsocks", "bash", "-c", "echo hi"}, argv)
}

func TestWrapArgvForOutboundNilForOtherMethods(t *testing.T) {
	run := newTestRunnerForWrap(t)
	method := outbound.NewVPNTCP(run, nil, nil, nil, nil)
	argv := wrapArgvForOutbound(method, []string{"bash"})
	assert.Nil(t, argv)
}
