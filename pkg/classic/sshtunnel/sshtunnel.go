// Package sshtunnel implements the SSH connection to the proxy pod
// (spec.md section 4.4): a `kubectl port-forward` to the pod's SSH port,
// an `ssh` process riding on top of it, and the -L/-R forwards that carry
// the SOCKS proxy, the liveness beacon, and any --expose'd ports.
package sshtunnel

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/runner"
)

// sshReadyTimeout/sshReadyInterval bound wait()'s retry loop (spec.md
// section 5: "ssh-true readiness 5s/30s total").
const (
	sshReadyTimeout  = 30 * time.Second
	sshReadyInterval = 250 * time.Millisecond
	sshProbeTimeout  = 5 * time.Second

	podSSHPort = 8022
)

// SSH wraps an ssh client pointed at the proxy pod's forwarded port.
type SSH struct {
	run          *runner.Runner
	port         int
	userAtHost   string
	requiredArgs []string
}

// Port returns the local kubectl-port-forwarded port this SSH targets.
func (s *SSH) Port() int { return s.port }

// UserAtHost returns the "user@host" target ssh connects to.
func (s *SSH) UserAtHost() string { return s.userAtHost }

// RequiredArgs returns the flags every ssh invocation must carry
// (-F/-oStrictHostKeyChecking/-oUserKnownHostsFile), the subset
// sshuttle's -e option re-wraps around its own ssh invocation.
func (s *SSH) RequiredArgs() []string {
	return append([]string(nil), s.requiredArgs...)
}

// New returns an SSH targeting 127.0.0.1:port, the local end of a
// `kubectl port-forward` to the pod's SSH server.
func New(run *runner.Runner, port int) *SSH {
	return &SSH{
		run:        run,
		port:       port,
		userAtHost: "telepresence@127.0.0.1",
		requiredArgs: []string{
			"-F", "/dev/null",
			"-oStrictHostKeyChecking=no",
			"-oUserKnownHostsFile=/dev/null",
		},
	}
}

// Command returns the ssh argv for running additionalArgs on the remote
// side, with prependArgs inserted before the required flags (used for -N
// and the keepalive options on background forwards).
func (s *SSH) Command(additionalArgs, prependArgs []string) []string {
	argv := []string{"ssh"}
	argv = append(argv, prependArgs...)
	argv = append(argv, s.requiredArgs...)
	if s.run.Verbose {
		argv = append(argv, "-vv")
	} else {
		argv = append(argv, "-q")
	}
	argv = append(argv, "-p", strconv.Itoa(s.port), s.userAtHost)
	argv = append(argv, additionalArgs...)
	return argv
}

// BgCommand returns the ssh argv for a background port-forward process:
// no remote command (-N) and a keepalive that disconnects after ten
// missed pings.
func (s *SSH) BgCommand(additionalArgs []string) []string {
	return s.Command(additionalArgs, []string{
		"-N",
		"-oServerAliveInterval=1",
		"-oServerAliveCountMax=10",
	})
}

// Wait blocks until the SSH server answers within sshReadyTimeout,
// retrying every sshReadyInterval.
func (s *SSH) Wait() bool {
	ready := false
	_ = s.run.LoopUntil(sshReadyTimeout, sshReadyInterval, func(int) (bool, error) {
		if err := s.probe(); err == nil {
			ready = true
			return true, nil
		}
		return false, nil
	})
	return ready
}

func (s *SSH) probe() error {
	argv := s.Command([]string{"/bin/true"}, nil)
	done := make(chan error, 1)
	go func() { done <- s.run.CheckCall(argv) }()
	select {
	case err := <-done:
		return err
	case <-time.After(sshProbeTimeout):
		return errors.New("ssh probe timed out")
	}
}

// RequireOpenSSHClient verifies that "ssh" on $PATH is the OpenSSH client,
// failing the session with a clear message otherwise.
func RequireOpenSSHClient(run *runner.Runner) error {
	out, err := run.GetOutput([]string{"ssh", "-V"})
	if err != nil {
		return run.Fail("Please install the OpenSSH client", runner.ExitInternal)
	}
	if !strings.HasPrefix(out, "OpenSSH") {
		return run.Fail("'ssh' is not the OpenSSH client, apparently.", runner.ExitInternal)
	}
	return nil
}

// Connect launches `kubectl port-forward` to the proxy pod's SSH port,
// waits for the SSH server to answer, then launches the background
// forward that carries the SOCKS port and the liveness-beacon port,
// returning the local SOCKS port.
func Connect(run *runner.Runner, kube *kubeclient.Client, podName, containerName string, beaconPort int) (socksPort int, ssh *SSH, err error) {
	if err := run.Launch("kubectl logs", kube.Argv("logs", "-f", podName, "--container", containerName, "--tail=10"),
		runner.LaunchOpts{NonCritical: true}); err != nil {
		return 0, nil, errors.Wrap(err, "launching kubectl logs")
	}

	sshLocalPort, err := freePort()
	if err != nil {
		return 0, nil, errors.Wrap(err, "allocating local port for SSH port-forward")
	}
	ssh = New(run, sshLocalPort)

	if err := run.Launch("kubectl port-forward", kube.Argv("port-forward", podName,
		strconv.Itoa(sshLocalPort)+":"+strconv.Itoa(podSSHPort)), runner.LaunchOpts{}); err != nil {
		return 0, nil, errors.Wrap(err, "launching kubectl port-forward")
	}

	if !ssh.Wait() {
		_ = run.CheckCall(kube.Argv("describe", "pod", podName))
		return 0, nil, errors.New("SSH to the cluster failed to start. See logfile")
	}

	socksPort, err = freePort()
	if err != nil {
		return 0, nil, errors.Wrap(err, "allocating local SOCKS port")
	}
	forwardArgs := []string{
		"-L127.0.0.1:" + strconv.Itoa(socksPort) + ":127.0.0.1:9050",
		"-R9055:127.0.0.1:" + strconv.Itoa(beaconPort),
	}
	if err := run.Launch("SSH port forward (socks and proxy poll)", ssh.BgCommand(forwardArgs), runner.LaunchOpts{}); err != nil {
		return 0, nil, errors.Wrap(err, "launching SSH port forward")
	}

	return socksPort, ssh, nil
}

// ExposeLocalServices opens -R forwards for each (local, remote) pair in
// pairs, so traffic the proxy pod receives on the remote port reaches the
// user's local service.
func ExposeLocalServices(run *runner.Runner, ssh *SSH, pairs []PortPair) error {
	if len(pairs) == 0 {
		run.Log.Info("No traffic is being forwarded from the remote Deployment to your local machine. Use --expose to forward ports.")
		return nil
	}
	var args []string
	for _, p := range pairs {
		run.Log.Infof("Forwarding remote port %d to local port %d.", p.Remote, p.Local)
		args = append(args, "-R", "*:"+strconv.Itoa(p.Remote)+":127.0.0.1:"+strconv.Itoa(p.Local))
	}
	return run.Launch("SSH port forward (exposed ports)", ssh.BgCommand(args), runner.LaunchOpts{})
}

// PortPair mirrors cliflags.PortPair to avoid sshtunnel depending on the
// CLI flag-parsing package for a two-int struct.
type PortPair struct {
	Local  int
	Remote int
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
