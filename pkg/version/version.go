// Package version holds the client's own version string, which must match
// the proxy pod's image tag exactly (spec.md section 4.3's fatal-mismatch
// rule): a session never proceeds against a proxy built from a different
// release.
package version

import "github.com/blang/semver"

// Version is stamped at build time via -ldflags; it defaults to a
// development marker so local builds still produce a usable image tag.
var Version = "0.0.0-dev" //nolint:gochecknoglobals // build-time injection point

// Structured parses Version as a semver.Version, returning the zero
// Version if the build-time injection produced something that isn't valid
// semver.
func Structured() semver.Version {
	v, err := semver.ParseTolerant(Version)
	if err != nil {
		return semver.Version{}
	}
	return v
}
