// Package env decodes the environment variables that override image
// selection (spec.md section 6, "Environment variables consumed"):
// TELEPRESENCE_REGISTRY, TELEPRESENCE_VERSION, and TELEPRESENCE_USE_OCP_IMAGE.
// Grounded on telepresence/__init__.py's module-level REGISTRY/image_version
// globals and proxy/deployment.py's get_image_name OCP override.
package env

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

// Env holds the image-selection overrides a user can set before running
// telepresence.
type Env struct {
	// Registry prefixes every proxy image name, e.g. "datawire".
	Registry string `env:"TELEPRESENCE_REGISTRY,default=datawire"`
	// Version overrides the image tag normally derived from the client's
	// own version; used by test runs against custom-built images.
	Version string `env:"TELEPRESENCE_VERSION"`
	// UseOCPImage is "auto" (default), "true"/"yes"/"1"/"always", or
	// "false"/"no"/"0"/"never", matching get_image_name's ocp_env parsing.
	UseOCPImage string `env:"TELEPRESENCE_USE_OCP_IMAGE,default=auto"`
}

// Load decodes Env from the process environment.
func Load(ctx context.Context) (*Env, error) {
	var e Env
	if err := envconfig.Process(ctx, &e); err != nil {
		return nil, errors.Wrap(err, "decoding environment")
	}
	return &e, nil
}
