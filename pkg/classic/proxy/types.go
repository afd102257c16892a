// Package proxy implements ProxyOperation (spec.md section 4.3): creating,
// locating, or swapping in the cluster-side proxy pod and describing it as
// a RemoteInfo for the rest of the session.
package proxy

import "github.com/klndev/tpclassic/pkg/classic/cliflags"

// ResourceIdent is an immutable (namespace, name) pair.
type ResourceIdent struct {
	Namespace string
	Name      string
}

// RemoteInfo describes the live proxy target. The container image tag must
// match the client's own version string exactly; a mismatch is fatal.
type RemoteInfo struct {
	Ident         ResourceIdent
	PodName       string
	ContainerName string
	ImageTag      string
}

// ProxyIntent is the declarative description fed into a ProxyOperation.
type ProxyIntent struct {
	Name           string
	Container      string
	Expose         *cliflags.PortMapping
	Env            map[string]string
	ServiceAccount string

	// Registry, ImageVersion, and OCPOverride feed ImageName; they default
	// to "datawire", the client's own version, and "auto" respectively
	// (see pkg/classic/env), but can be overridden per TELEPRESENCE_REGISTRY
	// / TELEPRESENCE_VERSION / TELEPRESENCE_USE_OCP_IMAGE.
	Registry     string
	ImageVersion string
	OCPOverride  string
}

// Variant selects which ProxyOperation behavior act() exercises.
type Variant int

const (
	VariantNew Variant = iota
	VariantExisting
	VariantSwap
)

const (
	imageStandardName   = "telepresence-k8s"
	imagePrivilegedName = "telepresence-k8s-priv"
	imageOpenShiftName  = "telepresence-ocp"
)
