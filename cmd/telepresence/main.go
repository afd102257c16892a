// Command telepresence is the CLI entry point described in spec.md section
// 6: it parses the single-command flag surface, starts a session, runs the
// user's command (--run, --run-shell, or --docker-run) under it, and tears
// the session down on exit. Grounded on telepresence/cli.py's flag surface
// and telepresence/main.py's startup/run/exit ordering, and on the
// teacher's cmd/telepresence/main.go cobra-root idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/klndev/tpclassic/pkg/classic/cache"
	"github.com/klndev/tpclassic/pkg/classic/cliflags"
	"github.com/klndev/tpclassic/pkg/classic/env"
	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/outbound"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/scout"
	"github.com/klndev/tpclassic/pkg/classic/session"
	"github.com/klndev/tpclassic/pkg/version"
)

const appName = "telepresence"

func main() {
	// --version short-circuits everything else, matching cli.py's
	// argparse `action="version"` flag (exits before any other
	// validation runs).
	for _, a := range os.Args[1:] {
		if a == "--version" {
			fmt.Printf("%s %s\n", appName, version.Version)
			os.Exit(0)
		}
	}

	cobraArgs, remainder, runMode := splitRemainder(os.Args[1:])

	flags := newFlags()
	root := &cobra.Command{
		Use:           appName,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startAndRun(flags, runMode, remainder)
		},
	}
	flags.register(root.Flags())
	root.SetArgs(cobraArgs)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", appName, err)
		os.Exit(exitCodeOf(err))
	}
}

// splitRemainder pulls the REMAINDER-style argument list off the end of
// argv for --run/--docker-run: everything after that flag is the user's
// command and must never be parsed as our own flags (cli.py's
// `--run COMMAND ARG...` and `--docker-run DOCKER_ARG...` use
// argparse.REMAINDER for exactly this reason). --run-shell takes no
// arguments and so needs no special handling here.
func splitRemainder(args []string) (cobraArgs, remainder []string, mode string) {
	for i, a := range args {
		switch a {
		case "--run", "--docker-run":
			cobraArgs = append(cobraArgs, a)
			remainder = args[i+1:]
			if a == "--run" {
				return cobraArgs, remainder, "run"
			}
			return cobraArgs, remainder, "docker-run"
		default:
			cobraArgs = append(cobraArgs, a)
		}
	}
	return cobraArgs, nil, ""
}

// flags holds every --flag cli.py defines, bound by pflag.
type flags struct {
	verbose   bool
	logfile   string
	method    string
	newDepl   string
	deplName  string
	swapDepl  string
	context   string
	namespace string
	expose    *cliflags.PortMapping
	alsoProxy []string
	mount     string
	envJSON   string
	envFile   string
	runShell  bool
	dockerRun bool
}

func newFlags() *flags {
	return &flags{expose: cliflags.NewPortMapping()}
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Enables verbose logging for full debug output")
	fs.StringVar(&f.logfile, "logfile", "./telepresence.log", "The path to write logs to, or '-' for stdout")
	fs.StringVarP(&f.method, "method", "m", "", "Method: 'inject-tcp', 'vpn-tcp', or 'container'")
	fs.StringVarP(&f.newDepl, "new-deployment", "n", "", "Create a new Deployment named NAME")
	fs.StringVarP(&f.deplName, "deployment", "d", "", "Existing Deployment to start a new Pod for")
	fs.StringVarP(&f.swapDepl, "swap-deployment", "s", "", "Swap out an existing container for one proxying to the laptop")
	fs.StringVar(&f.context, "context", "", "The Kubernetes context to use")
	fs.StringVar(&f.namespace, "namespace", "", "The Kubernetes namespace to use")
	fs.Var(cliflags.NewExposeValue(f.expose), "expose", "Port to expose, PORT or LOCAL:REMOTE")
	fs.StringArrayVar(&f.alsoProxy, "also-proxy", nil, "Additional hostname/CIDR range to proxy")
	fs.StringVar(&f.mount, "mount", "true", "Mount point, or 'true'/'false' for auto/none")
	fs.Lookup("mount").NoOptDefVal = "true"
	fs.StringVar(&f.envJSON, "env-json", "", "Path to write the remote environment as JSON")
	fs.StringVar(&f.envFile, "env-file", "", "Path to write the remote environment as a shell-sourceable file")
	fs.BoolVar(&f.runShell, "run-shell", false, "Run a local shell that can talk to the remote cluster")
	fs.BoolVar(&f.dockerRun, "docker-run", false, "Run a Docker container, passing the rest of the command line to 'docker run'")
}

func startAndRun(f *flags, runMode string, remainder []string) error {
	if err := validate(f, runMode); err != nil {
		return err
	}

	method := f.method
	if method == "" && runMode == "docker-run" {
		method = "container"
	}

	logOut, closeLog, err := openLogfile(f.logfile)
	if err != nil {
		return err
	}
	defer closeLog()

	run, err := runner.New(logOut, f.verbose)
	if err != nil {
		return err
	}
	if f.logfile != "-" {
		run.LogPath = f.logfile
	}

	kube, err := kubeclient.New(run, f.context, f.namespace)
	if err != nil {
		_ = run.RunCleanup()
		return err
	}

	cachePath, err := cache.DefaultPath(appName)
	if err != nil {
		_ = run.RunCleanup()
		return err
	}
	c, err := cache.Load(cachePath)
	if err != nil {
		_ = run.RunCleanup()
		return err
	}
	c.Invalidate(12 * time.Hour)
	run.AddCleanup("Save cache", func() error { return c.Save(cachePath) })

	loadedEnv, err := env.Load(context.Background())
	if err != nil {
		_ = run.RunCleanup()
		return err
	}

	mountPath, mountDisabled := resolveMount(f.mount)

	intent := &session.Intent{
		Method:         method,
		NewDeployment:  f.newDepl,
		Deployment:     f.deplName,
		SwapDeployment: f.swapDepl,
		Context:        f.context,
		Namespace:      f.namespace,
		Expose:         f.expose,
		AlsoProxy:      f.alsoProxy,
		Mount:          mountPath,
		MountDisabled:  mountDisabled,
		EnvJSON:        f.envJSON,
		EnvFile:        f.envFile,
		Env:            loadedEnv,
	}
	if method == "container" {
		intent.ContainerImage = containerLocalImage(loadedEnv)
	}

	reporter := scout.New()
	sess, err := session.Start(run, kube, c, reporter, intent)
	if err != nil {
		_ = run.RunCleanup()
		return err
	}

	exitCode, runErr := launchUserCommand(run, sess, runMode, remainder)
	cleanupErr := run.RunCleanup()
	if runErr != nil {
		return runErr
	}
	if cleanupErr != nil {
		run.Log.Warnf("cleanup reported errors: %v", cleanupErr)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func validate(f *flags, runMode string) error {
	switch f.method {
	case "", "inject-tcp", "vpn-tcp", "container":
	default:
		return fmt.Errorf("invalid --method %q: must be inject-tcp, vpn-tcp, or container", f.method)
	}

	selectors := 0
	for _, s := range []string{f.newDepl, f.deplName, f.swapDepl} {
		if s != "" {
			selectors++
		}
	}
	if selectors > 1 {
		return fmt.Errorf("--new-deployment, --deployment, and --swap-deployment are mutually exclusive")
	}

	modes := 0
	if f.runShell {
		modes++
	}
	if runMode == "run" {
		modes++
	}
	if runMode == "docker-run" {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("--run-shell, --run, and --docker-run are mutually exclusive")
	}

	if runMode == "docker-run" && f.method != "" && f.method != "container" {
		return fmt.Errorf("--docker-run requires --method container")
	}
	if f.method == "container" && runMode != "docker-run" {
		return fmt.Errorf("--method container requires --docker-run")
	}
	return nil
}

// resolveMount implements cli.py's path_or_bool custom type: "true" mounts
// at an auto-chosen temp dir, "false" skips mounting, anything else is a
// literal path.
func resolveMount(v string) (path string, disabled bool) {
	switch strings.ToLower(v) {
	case "true":
		return "", false
	case "false":
		return "", true
	default:
		return v, false
	}
}

func containerLocalImage(e *env.Env) string {
	registry := "datawire"
	ver := version.Version
	if e != nil {
		if e.Registry != "" {
			registry = e.Registry
		}
		if e.Version != "" {
			ver = e.Version
		}
	}
	return registry + "/telepresence-local:" + ver
}

func openLogfile(path string) (*os.File, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening logfile %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// launchUserCommand runs the user's own process (a shell, an explicit
// command, or a docker container) under the session's captured
// environment, and returns the exit code to propagate, mirroring
// main.py's run_local_command/run_docker_command dispatch followed by
// wait_for_exit.
func launchUserCommand(run *runner.Runner, sess *session.Session, runMode string, remainder []string) (int, error) {
	var cmd *exec.Cmd
	switch runMode {
	case "docker-run":
		cmd = buildDockerRunCmd(run, sess, remainder)
	case "run":
		if len(remainder) == 0 {
			return 0, fmt.Errorf("--run requires a command")
		}
		cmd = exec.Command(remainder[0], remainder[1:]...)
	default:
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.Command(shell)
	}
	if runMode != "docker-run" {
		if argv := wrapArgvForOutbound(sess.Outbound, cmd.Args); argv != nil {
			resolved, err := exec.LookPath(argv[0])
			if err != nil {
				return 0, fmt.Errorf("looking up %s: %w", argv[0], err)
			}
			cmd = exec.Command(resolved, argv[1:]...)
		}
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = sess.UserEnv

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launching user command: %w", err)
	}

	if err := run.WaitForExit(cmd); err != nil {
		return 0, err
	}
	if cmd.ProcessState == nil {
		return 0, nil
	}
	return cmd.ProcessState.ExitCode(), nil
}

// wrapArgvForOutbound returns argv wrapped for the session's outbound
// method (currently only inject-tcp, which must run the user's command
// through torsocks for its LD_PRELOAD interception to take effect), or nil
// when the method needs no wrapping.
func wrapArgvForOutbound(method outbound.Method, argv []string) []string {
	inject, ok := method.(*outbound.InjectTCP)
	if !ok {
		return nil
	}
	return inject.Wrap(argv)
}

// buildDockerRunCmd constructs the final "docker run" invocation for
// --docker-run: the user's container joins the sidecar's network
// namespace, gets every captured remote env var, and the mounted
// filesystem bind-mounted in at the same path, matching
// run_docker_command's assembly (minus the --publish flags, which are
// meaningless once the container shares the sidecar's network).
func buildDockerRunCmd(run *runner.Runner, sess *session.Session, dockerArgs []string) *exec.Cmd {
	filtered, dropped := stripPublishArgs(dockerArgs)
	if len(dropped) > 0 {
		run.Log.Warnf("Ignoring --publish/-p in --docker-run args (%v): the container shares the sidecar's network", dropped)
	}

	args := []string{"run",
		"--name=telepresence-" + run.SessionID,
		"--network=" + sess.SidecarNetwork(),
	}
	for k := range sess.RemoteEnv {
		args = append(args, "-e="+k)
	}
	if sess.Mounted {
		args = append(args, "--volume="+sess.MountDir+":"+sess.MountDir)
	}
	if !hasInitFlag(filtered) && dockerSupportsInit(run) {
		args = append(args, "--init")
	}
	args = append(args, filtered...)

	cmd := exec.Command("docker", args...)
	cmd.Env = sess.UserEnv
	return cmd
}

func stripPublishArgs(args []string) (filtered, dropped []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-p" || a == "--publish":
			if i+1 < len(args) {
				dropped = append(dropped, args[i+1])
				i++
			}
		case strings.HasPrefix(a, "--publish="):
			dropped = append(dropped, strings.TrimPrefix(a, "--publish="))
		case strings.HasPrefix(a, "-p="):
			dropped = append(dropped, strings.TrimPrefix(a, "-p="))
		default:
			filtered = append(filtered, a)
		}
	}
	return filtered, dropped
}

func hasInitFlag(args []string) bool {
	for _, a := range args {
		if a == "--init" || strings.HasPrefix(a, "--init=") {
			return true
		}
	}
	return false
}

func dockerSupportsInit(run *runner.Runner) bool {
	out, err := run.GetOutput([]string{"docker", "run", "--help"})
	if err != nil {
		return false
	}
	return strings.Contains(out, "--init")
}

func exitCodeOf(err error) int {
	switch e := err.(type) {
	case *runner.FailError:
		return int(e.Code)
	case *runner.BackgroundProcessCrash:
		return int(runner.ExitSessionLost)
	default:
		return int(runner.ExitInternal)
	}
}
