// Package cliflags implements CLI-facing value types: the repeatable
// --expose flag and the PortMapping it populates (spec.md section 3).
package cliflags

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PortPair is one local/remote port association.
type PortPair struct {
	Local  int
	Remote int
}

// PortMapping holds the (local, remote) pairs built from --expose flags and
// from a Deployment's container ports. Explicit entries always win over
// ports merged in automatically, and every remote port is unique.
type PortMapping struct {
	// explicit records the set of local ports that came from the CLI
	// verbatim.
	explicit map[int]bool
	mapping  map[int]int // local -> remote
}

// NewPortMapping returns an empty mapping.
func NewPortMapping() *PortMapping {
	return &PortMapping{explicit: map[int]bool{}, mapping: map[int]int{}}
}

// ParsePortMapping parses a list of "port" or "local:remote" strings.
func ParsePortMapping(specs []string) (*PortMapping, error) {
	pm := NewPortMapping()
	for _, spec := range specs {
		local, remote, err := parsePortSpec(spec)
		if err != nil {
			return nil, err
		}
		pm.set(local, remote)
	}
	return pm, nil
}

// set records local->remote as an explicit entry, dropping any earlier
// entry that maps to the same remote port so remote ports stay unique.
func (pm *PortMapping) set(local, remote int) {
	for l, r := range pm.mapping {
		if r == remote && l != local {
			delete(pm.mapping, l)
			delete(pm.explicit, l)
		}
	}
	pm.mapping[local] = remote
	pm.explicit[local] = true
}

func parsePortSpec(spec string) (local, remote int, err error) {
	if strings.Contains(spec, ":") {
		parts := strings.SplitN(spec, ":", 2)
		local, err = strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return 0, 0, errors.Wrapf(err, "invalid --expose %q", spec)
		}
		remote, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, errors.Wrapf(err, "invalid --expose %q", spec)
		}
		return local, remote, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(spec))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid --expose %q", spec)
	}
	return port, port, nil
}

// MergeAutomaticPorts adds ports discovered from a container spec, skipping
// any that are already present as a remote port (explicit entries win).
func (pm *PortMapping) MergeAutomaticPorts(ports []int) {
	remote := pm.Remote()
	for _, port := range ports {
		if remote[port] {
			continue
		}
		if _, ok := pm.mapping[port]; ok {
			continue
		}
		pm.mapping[port] = port
	}
}

// Remote returns the set of remote ports currently in the mapping.
func (pm *PortMapping) Remote() map[int]bool {
	out := make(map[int]bool, len(pm.mapping))
	for _, r := range pm.mapping {
		out[r] = true
	}
	return out
}

// HasPrivilegedPorts reports whether any remote port is below 1024.
func (pm *PortMapping) HasPrivilegedPorts() bool {
	for r := range pm.Remote() {
		if r < 1024 {
			return true
		}
	}
	return false
}

// Pairs returns the (local, remote) pairs sorted by local port.
func (pm *PortMapping) Pairs() []PortPair {
	pairs := make([]PortPair, 0, len(pm.mapping))
	for l, r := range pm.mapping {
		pairs = append(pairs, PortPair{Local: l, Remote: r})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Local < pairs[j].Local })
	return pairs
}

// Strings renders the mapping back as --expose-style strings, local:remote
// when they differ, local otherwise — the inverse of ParsePortMapping.
func (pm *PortMapping) Strings() []string {
	var out []string
	for _, p := range pm.Pairs() {
		if p.Local == p.Remote {
			out = append(out, strconv.Itoa(p.Local))
		} else {
			out = append(out, fmt.Sprintf("%d:%d", p.Local, p.Remote))
		}
	}
	return out
}

// exposeValue adapts PortMapping to pflag.Value for a repeatable --expose
// flag.
type exposeValue struct {
	pm *PortMapping
}

// NewExposeValue wraps pm as a pflag.Value.
func NewExposeValue(pm *PortMapping) *exposeValue { //nolint:revive
	return &exposeValue{pm: pm}
}

func (v *exposeValue) String() string {
	return strings.Join(v.pm.Strings(), ",")
}

func (v *exposeValue) Set(s string) error {
	local, remote, err := parsePortSpec(s)
	if err != nil {
		return err
	}
	v.pm.set(local, remote)
	return nil
}

func (v *exposeValue) Type() string { return "local[:remote]" }
