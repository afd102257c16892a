package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	var buf strings.Builder
	r, err := New(&buf, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.RunCleanup() })
	return r
}

func TestCheckCallSucceeds(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.CheckCall([]string{"true"}))
}

func TestCheckCallFails(t *testing.T) {
	r := newTestRunner(t)
	assert.Error(t, r.CheckCall([]string{"false"}))
}

func TestGetOutputReturnsTrimmedStdout(t *testing.T) {
	r := newTestRunner(t)
	out, err := r.GetOutput([]string{"echo", "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestLaunchNonCriticalExitDoesNotQuit(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Launch("sleeper", []string{"sh", "-c", "exit 0"}, LaunchOpts{NonCritical: true}))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, r.Quitting())
}

func TestLaunchCriticalExitTriggersQuitting(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Launch("critical", []string{"sh", "-c", "exit 1"}, LaunchOpts{}))
	time.Sleep(200 * time.Millisecond)
	assert.True(t, r.Quitting())
}

func TestAddCleanupRunsInLIFOOrder(t *testing.T) {
	r := newTestRunner(t)
	var order []string
	r.AddCleanup("first", func() error {
		order = append(order, "first")
		return nil
	})
	r.AddCleanup("second", func() error {
		order = append(order, "second")
		return nil
	})
	require.NoError(t, r.RunCleanup())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestLoopUntilStopsOnDone(t *testing.T) {
	r := newTestRunner(t)
	calls := 0
	err := r.LoopUntil(time.Second, time.Millisecond, func(i int) (bool, error) {
		calls++
		return i >= 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestFailReturnsFailErrorWithoutExiting(t *testing.T) {
	r := newTestRunner(t)
	err := r.Fail("boom", ExitSessionLost)
	require.Error(t, err)
	var fe *FailError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ExitSessionLost, fe.Code)
	assert.True(t, r.Quitting())
}
