package outbound

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/cidr"
	"github.com/klndev/tpclassic/pkg/classic/proxy"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/sshtunnel"
)

// VPNTCP is the vpn-tcp outbound method: sshuttle routes the CIDRs the
// cluster owns through the SSH tunnel, and DNS for in-cluster names is
// sent to the in-pod DNS repeater.
type VPNTCP struct {
	run        *runner.Runner
	ssh        *sshtunnel.SSH
	remoteInfo *proxy.RemoteInfo
	discovery  *cidr.Discovery
	alsoProxy  []string
}

// NewVPNTCP returns a VPNTCP method.
func NewVPNTCP(run *runner.Runner, ssh *sshtunnel.SSH, remoteInfo *proxy.RemoteInfo, discovery *cidr.Discovery, alsoProxy []string) *VPNTCP {
	return &VPNTCP{run: run, ssh: ssh, remoteInfo: remoteInfo, discovery: discovery, alsoProxy: alsoProxy}
}

func (m *VPNTCP) Name() string { return "vpn-tcp" }

// Connect launches sshuttle and waits for it to start routing traffic,
// matching connect_sshuttle.
func (m *VPNTCP) Connect() error {
	cidrs, err := allCIDRs(m.discovery, m.remoteInfo.PodName, m.remoteInfo.ContainerName, m.alsoProxy)
	if err != nil {
		return err
	}
	if len(cidrs) == 0 {
		return errors.New("no CIDRs discovered to route through sshuttle")
	}

	method := "auto"
	if m.run.Platform == "linux" {
		// tproxy mode has had reliability issues; nat is the safer default.
		method = "nat"
	}

	argv := append(sshuttleCommand(m.ssh, method), cidrs...)
	if err := m.run.Launch("sshuttle", argv, runner.LaunchOpts{KeepSession: true}); err != nil {
		return errors.Wrap(err, "launching sshuttle")
	}

	return m.waitForSSHuttle()
}

// sshuttleCommand mirrors get_sshuttle_command: the SSH required args are
// passed through -e, and the in-pod DNS repeater is pointed at via
// --to-ns.
func sshuttleCommand(ssh *sshtunnel.SSH, method string) []string {
	return []string{
		"sshuttle-telepresence",
		"-v",
		"--dns",
		"--method", method,
		"-e", "ssh " + strings.Join(ssh.RequiredArgs(), " "),
		"-r", ssh.UserAtHost() + ":" + strconv.Itoa(ssh.Port()),
		"--to-ns", "127.0.0.1:9053",
	}
}

// waitForSSHuttle repeatedly resolves hellotelepresence-<n> probe names
// (a fresh name each time, to dodge OS-level NXDOMAIN caching) until three
// consecutive lookups succeed, matching connect_sshuttle's countdown loop.
func (m *VPNTCP) waitForSSHuttle() error {
	countdown := 3
	succeeded := false
	err := m.run.LoopUntil(dnsWaitTimeout, dnsWaitInterval, func(i int) (bool, error) {
		name := "hellotelepresence-" + strconv.Itoa(i)
		if dnsLookupSucceeds(name, 5*time.Second) {
			countdown--
			if countdown == 0 {
				succeeded = true
				return true, nil
			}
		} else {
			countdown = 3
		}
		// A many-dotted name never resolves but its appearance in the
		// logs helps diagnose single-label-name resolution failures.
		dnsLookupSucceeds(name+".a.sanity.check.telepresence.io", time.Second)
		return false, nil
	})
	if err != nil {
		return err
	}
	if !succeeded {
		return errors.New("vpn-tcp tunnel did not connect")
	}
	return nil
}

func dnsLookupSucceeds(name string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := (&net.Resolver{}).LookupHost(ctx, name)
	return err == nil
}
