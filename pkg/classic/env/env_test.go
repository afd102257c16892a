package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	e, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "datawire", e.Registry)
	assert.Equal(t, "", e.Version)
	assert.Equal(t, "auto", e.UseOCPImage)
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("TELEPRESENCE_REGISTRY", "myregistry.example.com")
	t.Setenv("TELEPRESENCE_VERSION", "1.2.3")
	t.Setenv("TELEPRESENCE_USE_OCP_IMAGE", "always")

	e, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "myregistry.example.com", e.Registry)
	assert.Equal(t, "1.2.3", e.Version)
	assert.Equal(t, "always", e.UseOCPImage)
}
