// Package session ties every other pkg/classic package together into the
// single ordered startup sequence spec.md section 2 describes: pick a
// ProxyOperation variant, bring the proxy pod up, open the SSH tunnel,
// capture the remote environment and mount its filesystem, discover the
// cluster's CIDRs when the outbound method needs them, and start that
// method so the user's command can run against the cluster.
package session

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/beacon"
	"github.com/klndev/tpclassic/pkg/classic/cache"
	"github.com/klndev/tpclassic/pkg/classic/cidr"
	"github.com/klndev/tpclassic/pkg/classic/cliflags"
	"github.com/klndev/tpclassic/pkg/classic/env"
	"github.com/klndev/tpclassic/pkg/classic/envmount"
	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/outbound"
	"github.com/klndev/tpclassic/pkg/classic/proxy"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/scout"
	"github.com/klndev/tpclassic/pkg/classic/sshtunnel"
	"github.com/klndev/tpclassic/pkg/version"
)

// Intent is the declarative description of the session a caller (the CLI
// layer) wants started, gathering every flag in spec.md section 6 that
// affects startup.
type Intent struct {
	Method string // "inject-tcp", "vpn-tcp", "container"; "" picks a default

	NewDeployment  string
	Deployment     string
	SwapDeployment string // "name" or "name:container"

	Context        string
	Namespace      string
	ServiceAccount string

	Expose    *cliflags.PortMapping
	AlsoProxy []string

	// Mount controls the filesystem mount: "" mounts at a fresh temp dir
	// (the default), a path mounts there, and MountDisabled skips it.
	Mount         string
	MountDisabled bool

	EnvJSON string
	EnvFile string

	// ContainerImage is the sidecar/local image the container method
	// runs; only used when Method == "container".
	ContainerImage string

	// Env carries the TELEPRESENCE_REGISTRY/_VERSION/_USE_OCP_IMAGE
	// overrides; nil picks every default (datawire registry, the client's
	// own version, auto OCP detection).
	Env *env.Env
}

// Session is everything a running session needs to keep alive and, on
// exit, tear down: the cluster-side proxy, the SSH tunnel, the chosen
// outbound method, and the mounted filesystem.
type Session struct {
	Run   *runner.Runner
	Kube  *kubeclient.Client
	Cache *cache.Cache
	Scout scout.Reporter

	RemoteInfo *proxy.RemoteInfo
	SSH        *sshtunnel.SSH
	SocksPort  int
	Outbound   outbound.Method

	MountDir  string
	Mounted   bool
	RemoteEnv map[string]string
	UserEnv   []string // the env the user's command should run under
}

// defaultMethod picks vpn-tcp unless the caller already chose something,
// matching --method's documented default.
func defaultMethod(intent *Intent) string {
	if intent.Method != "" {
		return intent.Method
	}
	return "vpn-tcp"
}

// buildOperation selects the ProxyOperation variant per spec.md section
// 4.3, defaulting to a new Pod with a random name when no selector flag
// was given.
func buildOperation(run *runner.Runner, kube *kubeclient.Client, intent *Intent) proxy.Operation {
	name := intent.NewDeployment
	registry, imageVersion, ocpOverride := imageOverridesFrom(intent.Env)
	switch {
	case intent.SwapDeployment != "":
		return &proxy.SwapOperation{
			Intent: proxy.ProxyIntent{
				Name:           intent.SwapDeployment,
				Expose:         intent.Expose,
				ServiceAccount: intent.ServiceAccount,
				Registry:       registry,
				ImageVersion:   imageVersion,
				OCPOverride:    ocpOverride,
			},
			DeploymentArg: intent.SwapDeployment,
			IsOpenShift:   kube.ClusterIsOpenShift,
		}
	case intent.Deployment != "":
		return &proxy.ExistingOperation{
			Intent: proxy.ProxyIntent{
				Expose:       intent.Expose,
				Registry:     registry,
				ImageVersion: imageVersion,
				OCPOverride:  ocpOverride,
			},
			DeploymentArg: intent.Deployment,
			IsOpenShift:   kube.ClusterIsOpenShift,
		}
	default:
		if name == "" {
			name = "telepresence-" + run.SessionID[:8]
		}
		return &proxy.NewOperation{
			Intent: proxy.ProxyIntent{
				Name:           name,
				Expose:         intent.Expose,
				ServiceAccount: intent.ServiceAccount,
				Registry:       registry,
				ImageVersion:   imageVersion,
				OCPOverride:    ocpOverride,
			},
		}
	}
}

// imageOverridesFrom reads the TELEPRESENCE_REGISTRY/_VERSION/_USE_OCP_IMAGE
// overrides out of intent.Env, leaving every field blank (proxy.ImageName's
// own defaults) when the caller didn't load one.
func imageOverridesFrom(e *env.Env) (registry, imageVersion, ocpOverride string) {
	if e == nil {
		return "", "", ""
	}
	return e.Registry, e.Version, e.UseOCPImage
}

// Start runs the full startup sequence and returns a live Session, or an
// error if any step failed. Every step that mutates the cluster or the
// local machine registers its own cleanup with run, so the caller only
// needs to call run.RunCleanup() (directly or via os.Exit plumbing) to
// tear everything back down, regardless of how far Start got.
func Start(run *runner.Runner, kube *kubeclient.Client, c *cache.Cache, reporter scout.Reporter, intent *Intent) (*Session, error) {
	if intent.Expose == nil {
		intent.Expose = cliflags.NewPortMapping()
	}
	method := defaultMethod(intent)
	_ = reporter.Report("session_start", map[string]interface{}{"method": method})

	op := buildOperation(run, kube, intent)
	if err := op.Prepare(run, kube); err != nil {
		return nil, errors.Wrap(err, "preparing proxy operation")
	}
	remoteInfo, err := op.Act(run, kube)
	if err != nil {
		return nil, errors.Wrap(err, "starting proxy")
	}
	if err := proxy.CheckVersion(run, remoteInfo, version.Version); err != nil {
		return nil, err
	}

	if err := sshtunnel.RequireOpenSSHClient(run); err != nil {
		return nil, err
	}
	beaconServer, err := beacon.Listen(0)
	if err != nil {
		return nil, errors.Wrap(err, "starting liveness beacon")
	}
	run.AddCleanup("Stop liveness beacon", beaconServer.Close)

	socksPort, ssh, err := sshtunnel.Connect(run, kube, remoteInfo.PodName, remoteInfo.ContainerName, beaconServer.Port())
	if err != nil {
		return nil, err
	}

	if len(intent.Expose.Pairs()) > 0 {
		if err := sshtunnel.ExposeLocalServices(run, ssh, pairsFrom(intent.Expose)); err != nil {
			return nil, err
		}
	}

	sess := &Session{
		Run: run, Kube: kube, Cache: c, Scout: reporter,
		RemoteInfo: remoteInfo, SSH: ssh, SocksPort: socksPort,
	}

	remoteEnv, err := envmount.GetRemoteEnv(run, kube, remoteInfo)
	if err != nil {
		return nil, err
	}
	sess.RemoteEnv = remoteEnv

	if !intent.MountDisabled {
		allowAllUsers := method == "container"
		mountDir, mounted, unmount, err := envmount.MountRemote(run, ssh, allowAllUsers, intent.Mount)
		if err != nil {
			return nil, err
		}
		sess.MountDir = mountDir
		sess.Mounted = mounted
		run.AddCleanup("Unmount remote filesystem", unmount)
		if mounted {
			remoteEnv["TELEPRESENCE_ROOT"] = mountDir
			remoteEnv["TELEPRESENCE_MOUNTS"] = mountDir
		}
	}

	if err := writeEnvOutputs(run, intent, remoteEnv); err != nil {
		return nil, err
	}

	var discovery *cidr.Discovery
	if method == "vpn-tcp" || method == "container" {
		discovery = &cidr.Discovery{Run: run, Kube: kube, Cache: c.Child(kube.Context)}
	}

	m, err := buildOutboundMethod(method, run, ssh, remoteInfo, discovery, intent, socksPort)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(); err != nil {
		return nil, errors.Wrapf(err, "starting outbound method %s", m.Name())
	}
	sess.Outbound = m

	unsupportedDir, err := unsupportedToolsDirFor(run, method)
	if err != nil {
		return nil, err
	}
	sess.UserEnv = userEnv(m, remoteEnv, unsupportedDir)

	return sess, nil
}

// buildOutboundMethod constructs the chosen outbound.Method, matching
// --method's three variants (spec.md section 4.7).
func buildOutboundMethod(method string, run *runner.Runner, ssh *sshtunnel.SSH, remoteInfo *proxy.RemoteInfo, discovery *cidr.Discovery, intent *Intent, socksPort int) (outbound.Method, error) {
	switch method {
	case "inject-tcp":
		return outbound.NewInjectTCP(run, socksPort), nil
	case "vpn-tcp":
		if err := run.RequireSudo(); err != nil {
			return nil, err
		}
		return outbound.NewVPNTCP(run, ssh, remoteInfo, discovery, intent.AlsoProxy), nil
	case "container":
		image := intent.ContainerImage
		return outbound.NewContainer(run, ssh, remoteInfo, discovery, intent.AlsoProxy, intent.Expose, image)
	default:
		return nil, errors.Errorf("unknown outbound method %q", method)
	}
}

// unsupportedToolsDirFor stubs out ping/traceroute (and, for methods that
// don't carry real DNS, nslookup/dig/host) per spec.md's 55-exit-code
// behavior for tools Telepresence can't support.
func unsupportedToolsDirFor(run *runner.Runner, method string) (string, error) {
	dnsSupported := method != "inject-tcp"
	return outbound.PrepareUnsupportedToolsDir(run, dnsSupported)
}

// userEnv layers the outbound method's own environment adjustments
// (torsocks config for inject-tcp, nothing extra for vpn-tcp/container,
// which rely on kernel-level routing) on top of the captured remote
// environment.
func userEnv(m outbound.Method, remoteEnv map[string]string, unsupportedDir string) []string {
	if injected, ok := m.(interface {
		Env(overrides map[string]string, unsupportedToolsPath string) []string
	}); ok {
		return injected.Env(remoteEnv, unsupportedDir)
	}
	env := os.Environ()
	out := make([]string, 0, len(env)+len(remoteEnv))
	for k, v := range remoteEnv {
		out = append(out, k+"="+v)
	}
	for _, kv := range env {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if key == "PATH" || remoteEnv[key] != "" {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "PATH="+unsupportedDir+":"+os.Getenv("PATH"))
	return out
}

func pairsFrom(pm *cliflags.PortMapping) []sshtunnel.PortPair {
	var out []sshtunnel.PortPair
	for _, p := range pm.Pairs() {
		out = append(out, sshtunnel.PortPair{Local: p.Local, Remote: p.Remote})
	}
	return out
}

func writeEnvOutputs(run *runner.Runner, intent *Intent, env map[string]string) error {
	if intent.EnvJSON != "" {
		if err := envmount.WriteEnvJSON(intent.EnvJSON, env); err != nil {
			return err
		}
	}
	if intent.EnvFile != "" {
		skipped, err := envmount.WriteEnvFile(intent.EnvFile, env)
		if err != nil {
			return err
		}
		if len(skipped) > 0 {
			run.Log.Warnf("Skipped writing %d environment variable(s) with newlines to %s: %v", len(skipped), intent.EnvFile, skipped)
		}
	}
	return nil
}

// SidecarNetwork returns the --network=container:<name> argument the
// user's docker command should join when the outbound method is
// "container"; empty otherwise.
func (s *Session) SidecarNetwork() string {
	if c, ok := s.Outbound.(*outbound.Container); ok {
		return "container:" + c.SidecarName()
	}
	return ""
}
