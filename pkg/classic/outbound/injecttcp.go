package outbound

import (
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/runner"
)

// InjectTCP is the inject-tcp outbound method: the user's command runs
// under torsocks, which intercepts its TCP connects and routes them
// through the in-pod SOCKS server.
type InjectTCP struct {
	run       *runner.Runner
	socksPort int
	confPath  string
}

// NewInjectTCP returns an InjectTCP method talking to the SOCKS server on
// 127.0.0.1:socksPort (the local end of the SSH -L forward).
func NewInjectTCP(run *runner.Runner, socksPort int) *InjectTCP {
	return &InjectTCP{run: run, socksPort: socksPort}
}

func (m *InjectTCP) Name() string { return "inject-tcp" }

// Wrap prepends "torsocks" to argv, matching setup_inject's
// `command = ["torsocks"] + (args.run or ...)`: torsocks intercepts
// connections via LD_PRELOAD, which only happens for a process launched
// through the wrapper itself, never for one merely handed its env vars.
func (m *InjectTCP) Wrap(argv []string) []string {
	return append([]string{"torsocks"}, argv...)
}

// Connect writes a torsocks.conf and confirms torsocks can actually proxy
// a connection before returning, matching setup_torsocks's self-test loop:
// some torsocks versions don't expose the SOCKS port via env vars, hence
// the config file.
func (m *InjectTCP) Connect() error {
	confPath := m.run.TempDir() + "/tel_torsocks.conf"
	contents := "\n# Allow process to listen on ports:\nAllowInbound 1\n" +
		"# Allow process to connect to localhost:\nAllowOutboundLocalhost 1\n" +
		"# Connect to custom port for SOCKS server:\nTorPort " + strconv.Itoa(m.socksPort) + "\n"
	if err := os.WriteFile(confPath, []byte(contents), 0o644); err != nil {
		return errors.Wrap(err, "writing torsocks.conf")
	}
	m.confPath = confPath

	deadline := time.Now().Add(10 * time.Second)
	for {
		// Force an actual outbound connection through torsocks, rather than
		// just checking that the wrapper runs, so a tunnel that's up but not
		// actually routing traffic still fails the self-test (setup_torsocks's
		// `socket.socket().connect(('google.com', 80))` probe).
		cmd := exec.Command("torsocks", "python3", "-c",
			"import socket; socket.socket().connect(('google.com', 80))")
		cmd.Env = m.Env(nil, "")
		if err := cmd.Run(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("SOCKS network proxying failed to start (torsocks self-test never succeeded)")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Env returns the environment the user's command (or the torsocks
// self-test) should run under: overrides layered on the ambient
// environment, PATH prefixed with unsupportedToolsPath, and the torsocks
// env vars pointing at our conf file and (when the session log isn't
// stdout) at the same log file, matching setup_torsocks.
func (m *InjectTCP) Env(overrides map[string]string, unsupportedToolsPath string) []string {
	env := localEnv(overrides, unsupportedToolsPath)
	env = append(env, "TORSOCKS_CONF_FILE="+m.confPath)
	if m.run.LogPath != "" {
		env = append(env, "TORSOCKS_LOG_FILE_PATH="+m.run.LogPath)
	}
	return env
}
