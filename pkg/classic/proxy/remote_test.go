package proxy

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestLabelsSubsetTrueWhenActualSupersetOfExpected(t *testing.T) {
	expected := map[string]string{"app": "myapp", "telepresence": "sess-1"}
	actual := map[string]string{"app": "myapp", "telepresence": "sess-1", "pod-template-hash": "abc123"}
	assert.True(t, labelsSubset(expected, actual))
}

func TestLabelsSubsetFalseWhenKeyMissing(t *testing.T) {
	expected := map[string]string{"app": "myapp", "telepresence": "sess-1"}
	actual := map[string]string{"app": "myapp"}
	assert.False(t, labelsSubset(expected, actual))
}

func TestLabelsSubsetFalseWhenValueDiffers(t *testing.T) {
	expected := map[string]string{"telepresence": "sess-1"}
	actual := map[string]string{"telepresence": "sess-2"}
	assert.False(t, labelsSubset(expected, actual))
}

func TestLabelsSubsetTrueWhenExpectedEmpty(t *testing.T) {
	assert.True(t, labelsSubset(nil, map[string]string{"anything": "goes"}))
}

func TestIsUnknownFlagErrorMatchesKubectlRejection(t *testing.T) {
	err := errors.New(`unknown flag: --export`)
	assert.True(t, isUnknownFlagError(err))
}

func TestIsUnknownFlagErrorFalseForOtherErrors(t *testing.T) {
	err := errors.New("deploymentconfigs.apps.openshift.io \"myapp\" not found")
	assert.False(t, isUnknownFlagError(err))
}
