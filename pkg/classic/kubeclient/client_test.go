package kubeclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgvComposesContextAndNamespace(t *testing.T) {
	c := &Client{Command: "kubectl", Context: "my-ctx", Namespace: "my-ns"}
	argv := c.Argv("get", "pods")
	assert.Equal(t, []string{"kubectl", "--context", "my-ctx", "--namespace", "my-ns", "get", "pods"}, argv)
}

func TestIsLocalVMRejectsEmptyServer(t *testing.T) {
	assert.False(t, isLocalVM(""))
}

func TestProbeOpenShiftRejectsEmptyServer(t *testing.T) {
	assert.False(t, probeOpenShift(""))
}
