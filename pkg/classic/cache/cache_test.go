package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsEmptyCache(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	_, ok := c.Get("anything")
	assert.False(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := Load(path)
	require.NoError(t, err)
	c.Set("podCIDRs", []interface{}{"10.0.0.0/24"})
	require.NoError(t, c.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	v, ok := reloaded.Get("podCIDRs")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"10.0.0.0/24"}, v)
}

func TestChildSharesUnderlyingStorage(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	child := c.Child("my-context")
	child.Set("serviceCIDR", "10.96.0.0/16")

	again := c.Child("my-context")
	v, ok := again.Get("serviceCIDR")
	require.True(t, ok)
	assert.Equal(t, "10.96.0.0/16", v)
}

func TestLookupOnlyComputesOnce(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return "computed", nil
	}
	v1, err := c.Lookup("key", fn)
	require.NoError(t, err)
	v2, err := c.Lookup("key", fn)
	require.NoError(t, err)
	assert.Equal(t, "computed", v1)
	assert.Equal(t, "computed", v2)
	assert.Equal(t, 1, calls)
}

func TestInvalidateClearsOldCache(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	c.Set(createdKey, float64(time.Now().Add(-24*time.Hour).Unix()))
	c.Set("stale", "value")
	c.Invalidate(12 * time.Hour)
	_, ok := c.Get("stale")
	assert.False(t, ok)
}

func TestInvalidateKeepsFreshCache(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	c.Set(createdKey, float64(time.Now().Unix()))
	c.Set("fresh", "value")
	c.Invalidate(12 * time.Hour)
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}
