package cidr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoveringCIDRSingleIP(t *testing.T) {
	cidr, err := CoveringCIDR([]string{"10.0.0.5"})
	require.NoError(t, err)
	_, network, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	ones, _ := network.Mask.Size()
	assert.LessOrEqual(t, ones, 24)
	assert.True(t, network.Contains(net.ParseIP("10.0.0.5")))
}

func TestCoveringCIDRContainsEveryInput(t *testing.T) {
	ips := []string{"10.1.0.4", "10.1.5.9", "10.1.200.1"}
	cidr, err := CoveringCIDR(ips)
	require.NoError(t, err)
	_, network, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	ones, _ := network.Mask.Size()
	assert.LessOrEqual(t, ones, 24)
	for _, ip := range ips {
		assert.True(t, network.Contains(net.ParseIP(ip)), "covering CIDR must contain %s", ip)
	}
}

func TestCoveringCIDRMinimality(t *testing.T) {
	// Two addresses within the same /24 should yield that /24,
	// not something wider.
	cidr, err := CoveringCIDR([]string{"10.1.1.1", "10.1.1.254"})
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.0/24", cidr)
}

func TestIsPrivateFiltersPublicRanges(t *testing.T) {
	assert.True(t, IsPrivate("10.0.0.0/24"))
	assert.True(t, IsPrivate("192.168.1.0/24"))
	assert.False(t, IsPrivate("8.8.8.0/24"))
}
