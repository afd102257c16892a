// Package runner implements the process supervisor described in spec.md
// section 4.1: it launches and tracks child processes, streams their output
// into a single timestamped log, holds sudo credentials, runs an ordered
// cleanup stack on exit, and signals session failure when a critical child
// dies. It is grounded on telepresence/runner/runner.go in the original
// Python implementation.
package runner

import (
	"bufio"
	"container/ring"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Runner is a context for running subprocesses; see spec.md section 4.1.
type Runner struct {
	Log       *logrus.Logger
	Verbose   bool
	Platform  string
	SessionID string

	// LogPath is the path the session log was opened from, or "" when it
	// goes to stdout (--logfile -). Methods that need to point a helper
	// tool's own logging at the same file (torsocks's TORSOCKS_LOG_FILE_PATH)
	// read this rather than threading the path through separately.
	LogPath string

	mu          sync.Mutex
	counter     int
	jobs        map[int]*job
	cleanup     []cleanupItem
	quitting    bool
	crashDetail []string
	sudoHeld    bool
	sudoStop    chan struct{}

	tempDir string
}

type cleanupItem struct {
	name string
	fn   func() error
}

// New constructs a Runner that logs to w (typically an append-mode log
// file, or os.Stdout when --logfile -).
func New(w io.Writer, verbose bool) (*Runner, error) {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetFormatter(&lineFormatter{colorize: isTerminal(w)})

	tempDir, err := os.MkdirTemp("/tmp", "tel-")
	if err != nil {
		return nil, errors.Wrap(err, "creating session temp dir")
	}

	r := &Runner{
		Log:       log,
		Verbose:   verbose,
		Platform:  runtime.GOOS,
		SessionID: uuid.New().String(),
		jobs:      map[int]*job{},
		tempDir:   tempDir,
	}
	r.Log.Infof("Platform: %s", r.Platform)
	r.Log.Infof("Session id: %s", r.SessionID)
	r.AddCleanup("Remove temporary directory", func() error {
		return os.RemoveAll(tempDir)
	})
	return r, nil
}

// isTerminal reports whether w is a live terminal, so the log formatter
// only emits ANSI color codes when there's actually a console to render
// them (never for a plain --logfile path).
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// MakeTemp creates and returns a session-local subdirectory of the
// Runner's private temp directory.
func (r *Runner) MakeTemp(name string) (string, error) {
	dir := filepath.Join(r.tempDir, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating temp dir %s", name)
	}
	return dir, nil
}

// TempDir returns the session-private temp directory root.
func (r *Runner) TempDir() string { return r.tempDir }

func (r *Runner) nextTrack() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return r.counter
}

// CheckCall runs argv to completion; a non-zero exit is an error.
func (r *Runner) CheckCall(argv []string) error {
	track := r.nextTrack()
	r.Log.Infof("[%3d] Running: %s", track, strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	r.pumpCaptured(track, out)
	if err != nil {
		return errors.Wrapf(err, "[%d] command failed: %s", track, strings.Join(argv, " "))
	}
	return nil
}

// GetOutput runs argv to completion and returns trimmed stdout; stderr is
// merged into the session log only, matching Runner.get_output.
func (r *Runner) GetOutput(argv []string) (string, error) {
	track := r.nextTrack()
	r.Log.Infof("[%3d] Capturing: %s", track, strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout strings.Builder
	cmd.Stdout = &stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(err, "attaching stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "[%d] failed to start: %s", track, strings.Join(argv, " "))
	}
	go r.pumpStream(track, stderrPipe)
	err = cmd.Wait()
	result := strings.TrimSpace(stdout.String())
	if err != nil {
		return result, errors.Wrapf(err, "[%d] command failed: %s", track, strings.Join(argv, " "))
	}
	return result, nil
}

func (r *Runner) pumpCaptured(track int, out []byte) {
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			r.Log.Infof("[%3d] %s", track, line)
		}
	}
}

func (r *Runner) pumpStream(track int, rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.Log.Infof("[%3d] %s", track, scanner.Text())
	}
}

// job is a supervised background process.
type job struct {
	name     string
	cmd      *exec.Cmd
	critical bool
	recent   *ring.Ring
}

// LaunchOpts configures a background job started with Launch.
type LaunchOpts struct {
	// NonCritical marks the job as one whose exit should not be treated
	// as a session failure (every job is critical by default, per
	// spec.md's Background job type).
	NonCritical bool
	// KeepSession keeps the job in our process group/session so it can
	// prompt on the controlling terminal (needed for interactive sudo);
	// by default jobs get their own session so terminal signals don't
	// reach them.
	KeepSession bool
	Killer      func() error
	Env         []string
}

// Launch starts argv as a supervised, non-blocking background job. Its
// combined stdout/stderr is pumped line-by-line into the session log with
// the job's numeric track prefix; the last ~10 lines are retained so that a
// crash message can show recent output (spec.md section 4.1).
func (r *Runner) Launch(name string, argv []string, opts LaunchOpts) error {
	track := r.nextTrack()
	r.Log.Infof("[%3d] Launching %s: %s", track, name, strings.Join(argv, " "))

	cmd := exec.Command(argv[0], argv[1:]...)
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	setProcAttrs(cmd, !opts.KeepSession)

	mergedR, mergedW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "creating merge pipe")
	}
	cmd.Stdout = mergedW
	cmd.Stderr = mergedW

	if err := cmd.Start(); err != nil {
		mergedW.Close()
		mergedR.Close()
		return errors.Wrapf(err, "launching %s", name)
	}
	mergedW.Close()

	j := &job{
		name:     name,
		cmd:      cmd,
		critical: !opts.NonCritical,
		recent:   ring.New(10),
	}
	r.mu.Lock()
	r.jobs[track] = j
	r.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(mergedR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			r.Log.Infof("[%3d] %s", track, line)
			j.recent.Value = line
			j.recent = j.recent.Next()
		}
		mergedR.Close()
	}()

	go r.awaitJob(track, j)

	killer := opts.Killer
	r.AddCleanup("Kill BG process ["+strconv.Itoa(track)+"] "+name, func() error {
		if killer != nil {
			return killer()
		}
		return killProcess(cmd)
	})
	return nil
}

func (r *Runner) awaitJob(track int, j *job) {
	err := j.cmd.Wait()
	r.Log.Infof("[%3d] exit: %v", track, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quitting {
		return
	}
	var lines []string
	j.recent.Do(func(v interface{}) {
		if v != nil {
			lines = append(lines, v.(string))
		}
	})
	msg := "Background process (" + j.name + ") exited"
	if detail := strings.Join(lines, "  "); detail != "" {
		msg += ".\nRecent output was:\n  " + detail
	}
	if j.critical {
		r.quitting = true
		r.crashDetail = append(r.crashDetail, msg)
	} else {
		r.Log.Warnf("non-critical job %s exited: %s", j.name, msg)
	}
}

// AddCleanup pushes fn onto the LIFO cleanup stack, guaranteed to run on
// every exit path.
func (r *Runner) AddCleanup(name string, fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup = append(r.cleanup, cleanupItem{name: name, fn: fn})
}

// RunCleanup executes the cleanup stack in reverse registration order.
// Every item runs to completion before the next begins; a failure is
// logged and does not stop the remaining items, and all failures are
// returned together as one error (spec.md section 7).
func (r *Runner) RunCleanup() error {
	r.mu.Lock()
	stack := make([]cleanupItem, len(r.cleanup))
	copy(stack, r.cleanup)
	r.mu.Unlock()

	var merr *multierrorList
	for i := len(stack) - 1; i >= 0; i-- {
		item := stack[i]
		r.Log.Infof("(Cleanup) %s", item.name)
		if err := item.fn(); err != nil {
			r.Log.Warnf("(Cleanup) %s failed: %v", item.name, err)
			merr = merr.append(errors.Wrap(err, item.name))
		}
	}
	if merr == nil {
		return nil
	}
	return merr
}

// LoopUntil calls fn once per iteration, sleeping sleepInterval in between,
// until maxDuration elapses, fn reports done, or a critical background job
// has died -- in which case it returns a *BackgroundProcessCrash.
func (r *Runner) LoopUntil(maxDuration, sleepInterval time.Duration, fn func(i int) (done bool, err error)) error {
	deadline := time.Now().Add(maxDuration)
	for i := 0; ; i++ {
		r.mu.Lock()
		quitting := r.quitting
		detail := append([]string(nil), r.crashDetail...)
		r.mu.Unlock()
		if quitting {
			return &BackgroundProcessCrash{
				Message:  "background process(es) crashed",
				Failures: detail,
			}
		}
		done, err := fn(i)
		if err != nil || done {
			return err
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(sleepInterval)
	}
}

// Quitting reports whether a critical job has died or MarkQuitting/Fail was
// called.
func (r *Runner) Quitting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quitting
}

// MarkQuitting sets the quitting flag, e.g. on SIGTERM/SIGHUP.
func (r *Runner) MarkQuitting() {
	r.mu.Lock()
	r.quitting = true
	r.mu.Unlock()
}

// Fail logs message and returns a *FailError with the given exit code; the
// caller's cleanup stack still runs because Fail does not call os.Exit
// itself (unlike the Python original, which calls exit() directly).
func (r *Runner) Fail(message string, code ExitCode) error {
	r.MarkQuitting()
	r.Log.Error(message)
	return fail(message, code)
}

// RequireSudo grabs sudo privileges and holds on to them with a keepalive
// thread until cleanup runs, matching the original Runner.require_sudo. It
// first tries a password-less check so scripted/CI use doesn't block.
func (r *Runner) RequireSudo() error {
	r.mu.Lock()
	if r.sudoHeld {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.CheckCall([]string{"sudo", "-n", "echo", "-n"}); err != nil {
		r.Log.Warn("Invoking sudo. Please enter your sudo password.")
		if err := r.CheckCall([]string{"sudo", "echo", "-n"}); err != nil {
			return r.Fail("Unable to escalate privileges with sudo", ExitInternal)
		}
	}

	r.mu.Lock()
	r.sudoHeld = true
	r.sudoStop = make(chan struct{})
	stop := r.sudoStop
	r.mu.Unlock()

	go r.holdSudo(stop)
	r.AddCleanup("Kill sudo privileges holder", func() error {
		r.mu.Lock()
		r.sudoHeld = false
		r.mu.Unlock()
		close(stop)
		return nil
	})
	return nil
}

func (r *Runner) holdSudo(stop chan struct{}) {
	for {
		select {
		case <-stop:
			r.Log.Debug("(sudo privileges holder thread exiting)")
			return
		case <-time.After(30 * time.Second):
			if err := r.CheckCall([]string{"sudo", "-n", "echo", "-n"}); err != nil {
				r.mu.Lock()
				r.sudoHeld = false
				r.mu.Unlock()
				r.Log.Warn("Attempt to hold on to sudo privileges failed")
				return
			}
		}
	}
}

// WaitForExit blocks until mainProcess exits or a critical background job
// dies, polling every 100ms as the original Runner.wait_for_exit does. It
// returns nil once mainCmd exits, whatever its exit status, or a
// *BackgroundProcessCrash describing why the session ended early.
func (r *Runner) WaitForExit(mainCmd *exec.Cmd) error {
	r.Log.Info("Everything launched. Waiting to exit...")
	done := make(chan error, 1)
	go func() { done <- mainCmd.Wait() }()
	for {
		select {
		case err := <-done:
			r.Log.Infof("Main process (%s) exited: %v", mainCmd.Path, err)
			return nil
		default:
		}
		r.mu.Lock()
		quitting := r.quitting
		detail := append([]string(nil), r.crashDetail...)
		r.mu.Unlock()
		if quitting {
			if len(detail) == 0 {
				return nil
			}
			return &BackgroundProcessCrash{
				Message:  "Proxy to Kubernetes exited. This is typically due to a lost connection.",
				Failures: detail,
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}
