package outbound

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/cidr"
	"github.com/klndev/tpclassic/pkg/classic/cliflags"
	"github.com/klndev/tpclassic/pkg/classic/proxy"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/sshtunnel"
)

// sidecarWaitExitCode is the exit code the proxy image's "wait" subcommand
// uses to signal "sshuttle is up" (run_docker_command's sshuttle_ok check).
const sidecarWaitExitCode = 100

// sidecarSSHDPort is the port the sidecar image's sshd listens on
// internally (38022 in the original).
const sidecarSSHDPort = 38022

// Container is the container outbound method: a privileged sshuttle
// sidecar carries the cluster's CIDRs, and the user's command runs with
// --network=container:<sidecar>.
type Container struct {
	run        *runner.Runner
	ssh        *sshtunnel.SSH
	remoteInfo *proxy.RemoteInfo
	discovery  *cidr.Discovery
	alsoProxy  []string
	expose     *cliflags.PortMapping
	image      string

	cli         *dockerclient.Client
	sidecarName string
	sidecarSSH  *sshtunnel.SSH
}

// NewContainer returns a Container method. image is the telepresence-local
// sidecar image (TELEPRESENCE_LOCAL_IMAGE in the original).
func NewContainer(run *runner.Runner, ssh *sshtunnel.SSH, remoteInfo *proxy.RemoteInfo, discovery *cidr.Discovery, alsoProxy []string, expose *cliflags.PortMapping, image string) (*Container, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return &Container{
		run: run, ssh: ssh, remoteInfo: remoteInfo, discovery: discovery,
		alsoProxy: alsoProxy, expose: expose, image: image, cli: cli,
	}, nil
}

func (m *Container) Name() string { return "container" }

// sidecarConfig is the JSON blob the proxy image's "proxy" subcommand
// reads to configure sshuttle inside the sidecar, matching the config
// dict built in run_docker_command.
type sidecarConfig struct {
	CIDRs       []string `json:"cidrs"`
	ExposePorts []int    `json:"expose_ports"`
}

// Connect starts the privileged sshuttle sidecar container, waits for it
// to come up, and wires an SSH tunnel into it so it can reach the
// cluster — matching run_docker_command up through the "sshuttle_ok"
// readiness wait. The caller is expected to run the user's own container
// with --network=container:<SidecarName>.
func (m *Container) Connect() error {
	ctx := context.Background()

	cidrs, err := allCIDRs(m.discovery, m.remoteInfo.PodName, m.remoteInfo.ContainerName, m.alsoProxy)
	if err != nil {
		return err
	}

	sidecarPort, err := freeHostPort()
	if err != nil {
		return errors.Wrap(err, "allocating host port for the sidecar's SSH server")
	}

	cfg := sidecarConfig{CIDRs: cidrs, ExposePorts: remotePorts(m.expose)}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding sidecar config")
	}

	portBindings, err := natPortBindings(sidecarPort, sidecarSSHDPort)
	if err != nil {
		return err
	}

	name := "telepresence-" + m.run.SessionID
	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image: m.image,
			Cmd:   []string{"proxy", string(cfgJSON)},
		},
		&container.HostConfig{
			AutoRemove:   true,
			Privileged:   true,
			PortBindings: portBindings,
		},
		nil, nil, name,
	)
	if err != nil {
		return errors.Wrap(err, "creating sshuttle sidecar container")
	}
	m.sidecarName = resp.ID

	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrap(err, "starting sshuttle sidecar container")
	}
	m.run.AddCleanup("Stop sshuttle sidecar container", func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		timeout := 1
		return m.cli.ContainerStop(stopCtx, m.sidecarName, container.StopOptions{Timeout: &timeout})
	})

	m.sidecarSSH = sshtunnel.New(m.run, sidecarPort)
	if !m.sidecarSSH.Wait() {
		return errors.New("SSH to the sshuttle sidecar container failed to start")
	}

	forwardArgs := []string{"-R", "38023:127.0.0.1:" + strconv.Itoa(m.ssh.Port())}
	if err := m.run.Launch("Local SSH port forward (sidecar)", m.sidecarSSH.BgCommand(forwardArgs), runner.LaunchOpts{}); err != nil {
		return errors.Wrap(err, "launching SSH forward into sidecar")
	}

	return m.waitForSidecarReady(ctx)
}

// waitForSidecarReady repeatedly runs the sidecar image's "wait"
// subcommand inside a throwaway container sharing the sidecar's network
// namespace, until it reports sidecarWaitExitCode (sshuttle is up) or two
// minutes pass, matching run_docker_command's readiness loop.
func (m *Container) waitForSidecarReady(ctx context.Context) error {
	ready := false
	err := m.run.LoopUntil(2*time.Minute, time.Second, func(int) (bool, error) {
		code, err := m.runWaitProbe(ctx)
		if err != nil {
			return false, nil
		}
		if code == sidecarWaitExitCode {
			ready = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !ready {
		return errors.New("waiting for the sshuttle sidecar container timed out")
	}
	return nil
}

func (m *Container) runWaitProbe(ctx context.Context) (int64, error) {
	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{Image: m.image, Cmd: []string{"wait"}},
		&container.HostConfig{
			AutoRemove:  true,
			NetworkMode: container.NetworkMode("container:" + m.sidecarName),
		},
		nil, nil, "",
	)
	if err != nil {
		return 0, err
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return 0, err
	}
	statusCh, errCh := m.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}

// SidecarName returns the running sshuttle sidecar's container ID, the
// value passed as --network=container:<name> to the user's own container.
func (m *Container) SidecarName() string { return m.sidecarName }

func remotePorts(expose *cliflags.PortMapping) []int {
	if expose == nil {
		return nil
	}
	var ports []int
	for r := range expose.Remote() {
		ports = append(ports, r)
	}
	return ports
}

func natPortBindings(hostPort, containerPort int) (nat.PortMap, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return nil, errors.Wrap(err, "building container port spec")
	}
	return nat.PortMap{
		port: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
	}, nil
}

func freeHostPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
