// Package outbound implements the three outbound connection methods
// (spec.md section 4.7): inject-tcp (torsocks), vpn-tcp (sshuttle), and
// container (a privileged sshuttle sidecar reached via Docker). Each is
// grounded on telepresence/outbound/local.py, vpn.py, and container.py in
// the original implementation.
package outbound

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/cidr"
	"github.com/klndev/tpclassic/pkg/classic/cliflags"
	"github.com/klndev/tpclassic/pkg/classic/proxy"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/sshtunnel"
)

// Method is the shared shape of the three outbound connection strategies:
// set up whatever routing/proxying is needed, then launch the user's
// command with an environment that can reach the cluster.
type Method interface {
	// Connect performs whatever setup the method needs (sshuttle,
	// torsocks, a Docker sidecar) and blocks until it's ready to carry
	// traffic.
	Connect() error
	// Name identifies the method in log and error output.
	Name() string
}

// Deps bundles what the Methods need to do their job. The constructors
// (NewInjectTCP, NewVPNTCP, NewContainer) take these values as separate
// arguments and do not accept a Deps.
type Deps struct {
	Run        *runner.Runner
	SSH        *sshtunnel.SSH
	RemoteInfo *proxy.RemoteInfo
	Discovery  *cidr.Discovery
	AlsoProxy  []string
	SocksPort  int
}

// sipProtectedDirs lists the directories System Integrity Protection
// blocks library injection into on newer macOS.
var sipProtectedDirs = []string{"/bin", "/sbin", "/usr/sbin", "/usr/bin"}

// PrepareSIPWorkaroundDir copies every binary out of the SIP-protected
// directories into a fresh temp dir and returns a PATH entry that should
// be placed ahead of those protected directories, so torsocks can inject
// into the copies instead (spec.md section 4.7's noted macOS limitation;
// matches sip_workaround).
func PrepareSIPWorkaroundDir(run *runner.Runner) (string, error) {
	binDir, err := run.MakeTemp("sip_bin")
	if err != nil {
		return "", err
	}
	for _, dir := range sipProtectedDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := copyExecutable(filepath.Join(dir, entry.Name()), filepath.Join(binDir, entry.Name())); err != nil {
				continue
			}
		}
	}
	return binDir, nil
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o775)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// PrepareUnsupportedToolsDir creates stub executables for commands that
// don't work over the outbound method (ping, traceroute, and — when
// dnsSupported is false — nslookup/dig/host), matching
// get_unsupported_tools, and returns the directory they live in for the
// caller to prepend to PATH.
func PrepareUnsupportedToolsDir(run *runner.Runner, dnsSupported bool) (string, error) {
	dir, err := run.MakeTemp("unsup_bin")
	if err != nil {
		return "", err
	}
	commands := []string{"ping", "traceroute"}
	if !dnsSupported {
		commands = append(commands, "nslookup", "dig", "host")
	}
	for _, cmd := range commands {
		path := dir + "/" + cmd
		contents := []byte(sprintfNiceFailure(cmd))
		if err := os.WriteFile(path, contents, 0o755); err != nil {
			return "", errors.Wrapf(err, "writing stub for %s", cmd)
		}
	}
	return dir, nil
}

func sprintfNiceFailure(cmd string) string {
	return "#!/bin/sh\necho " + cmd + " is not supported under Telepresence.\nexit 55\n"
}

// localEnv builds the environment the user's command runs under: the
// current environment, overrides, and unsupportedToolsPath prepended to
// PATH.
func localEnv(overrides map[string]string, unsupportedToolsPath string) []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+len(overrides))
	seen := map[string]bool{}
	for k, v := range overrides {
		out = append(out, k+"="+v)
		seen[k] = true
	}
	for _, kv := range env {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if key == "PATH" || seen[key] {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "PATH="+unsupportedToolsPath+":"+os.Getenv("PATH"))
	return out
}

// portPairsFrom converts a cliflags.PortMapping into sshtunnel.PortPair,
// the shape Connect/ExposeLocalServices needs.
func portPairsFrom(pm *cliflags.PortMapping) []sshtunnel.PortPair {
	var out []sshtunnel.PortPair
	for _, p := range pm.Pairs() {
		out = append(out, sshtunnel.PortPair{Local: p.Local, Remote: p.Remote})
	}
	return out
}

// allCIDRs combines pod CIDRs, the service CIDR, and resolved also-proxy
// targets into the CIDR list sshuttle/the container sidecar routes.
func allCIDRs(d *cidr.Discovery, podName, containerName string, alsoProxy []string) ([]string, error) {
	pod, err := d.PodCIDRs()
	if err != nil {
		return nil, errors.Wrap(err, "discovering pod CIDRs")
	}
	svc, err := d.ServiceCIDR()
	if err != nil {
		return nil, errors.Wrap(err, "discovering service CIDR")
	}
	resolved, err := d.ResolveAlsoProxy(podName, containerName, alsoProxy)
	if err != nil {
		return nil, err
	}
	out := append([]string{}, pod...)
	out = append(out, svc)
	out = append(out, resolved...)
	return out, nil
}

const dnsWaitTimeout = 35 * time.Second
const dnsWaitInterval = 100 * time.Millisecond
