package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klndev/tpclassic/pkg/classic/env"
	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/outbound"
	"github.com/klndev/tpclassic/pkg/classic/proxy"
	"github.com/klndev/tpclassic/pkg/classic/runner"
)

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	run, err := runner.New(&strings.Builder{}, false)
	require.NoError(t, err)
	run.SessionID = "test-session-0123456789"
	t.Cleanup(func() { _ = run.RunCleanup() })
	return run
}

func newTestKubeClient() *kubeclient.Client {
	return &kubeclient.Client{Command: "kubectl", Namespace: "default"}
}

func TestDefaultMethodFallsBackToVPNTCP(t *testing.T) {
	assert.Equal(t, "vpn-tcp", defaultMethod(&Intent{}))
	assert.Equal(t, "container", defaultMethod(&Intent{Method: "container"}))
}

func TestBuildOperationPicksSwapWhenSwapDeploymentSet(t *testing.T) {
	run := newTestRunner(t)
	kube := newTestKubeClient()
	op := buildOperation(run, kube, &Intent{SwapDeployment: "myapp:web"})
	_, ok := op.(*proxy.SwapOperation)
	assert.True(t, ok)
}

func TestBuildOperationPicksExistingWhenDeploymentSet(t *testing.T) {
	run := newTestRunner(t)
	kube := newTestKubeClient()
	op := buildOperation(run, kube, &Intent{Deployment: "myapp"})
	_, ok := op.(*proxy.ExistingOperation)
	assert.True(t, ok)
}

func TestBuildOperationDefaultsToNewWithGeneratedName(t *testing.T) {
	run := newTestRunner(t)
	kube := newTestKubeClient()
	op := buildOperation(run, kube, &Intent{})
	newOp, ok := op.(*proxy.NewOperation)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(newOp.Intent.Name, "telepresence-"))
}

func TestBuildOperationCarriesEnvOverridesIntoProxyIntent(t *testing.T) {
	run := newTestRunner(t)
	kube := newTestKubeClient()
	intent := &Intent{
		Env: &env.Env{Registry: "myregistry", Version: "0.99", UseOCPImage: "yes"},
	}
	op := buildOperation(run, kube, intent)
	newOp, ok := op.(*proxy.NewOperation)
	require.True(t, ok)
	assert.Equal(t, "myregistry", newOp.Intent.Registry)
	assert.Equal(t, "0.99", newOp.Intent.ImageVersion)
	assert.Equal(t, "yes", newOp.Intent.OCPOverride)
}

func TestUserEnvFallsBackToPlainMergeWhenMethodHasNoEnv(t *testing.T) {
	run := newTestRunner(t)
	m := outbound.NewVPNTCP(run, nil, &proxy.RemoteInfo{}, nil, nil)
	env := userEnv(m, map[string]string{"FOO": "bar"}, "/tmp/unsupported")

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

func TestUserEnvUsesMethodEnvWhenAvailable(t *testing.T) {
	run := newTestRunner(t)
	m := outbound.NewInjectTCP(run, 1080)
	env := userEnv(m, map[string]string{"FOO": "bar"}, "/tmp/unsupported")

	var foundTorsocks bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "TORSOCKS_CONF_FILE=") {
			foundTorsocks = true
		}
	}
	assert.True(t, foundTorsocks)
}

func TestSidecarNetworkEmptyForNonContainerMethod(t *testing.T) {
	run := newTestRunner(t)
	sess := &Session{Outbound: outbound.NewInjectTCP(run, 1080)}
	assert.Equal(t, "", sess.SidecarNetwork())
}
