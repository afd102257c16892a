// Package envmount implements the remote environment capture and
// filesystem mount described in spec.md section 4.8: snapshotting the
// proxy container's environment variables, serializing them for the
// caller, and sshfs-mounting the pod's filesystem locally. Grounded on
// telepresence/remote_env.py and telepresence/mount.py.
package envmount

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/proxy"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/classic/sshtunnel"
)

// envDumpScript prints the pod's environment as a JSON object, the same
// approach as _get_remote_env's python3 one-liner.
const envDumpScript = "import json, os; print(json.dumps(dict(os.environ)))"

// envReadyTimeout/envReadyInterval bound GetRemoteEnv's retry loop: the
// SSH tunnel may still be coming up when this runs.
const (
	envReadyTimeout  = 10 * time.Second
	envReadyInterval = 250 * time.Millisecond
)

// droppedKeys are environment variables Alpine (the proxy image's base)
// sets automatically and that would be actively wrong to copy to the
// local machine.
var droppedKeys = []string{"HOME", "PATH", "HOSTNAME"}

// GetRemoteEnv fetches the proxy container's environment, retrying for up
// to envReadyTimeout while the SSH tunnel finishes starting, and returns
// it merged with the TELEPRESENCE_POD/TELEPRESENCE_CONTAINER markers
// (get_remote_env + get_env_variables).
func GetRemoteEnv(run *runner.Runner, kube *kubeclient.Client, remoteInfo *proxy.RemoteInfo) (map[string]string, error) {
	var env map[string]string
	err := run.LoopUntil(envReadyTimeout, envReadyInterval, func(int) (bool, error) {
		e, err := fetchRemoteEnv(kube, remoteInfo.PodName, remoteInfo.ContainerName)
		if err != nil {
			return false, nil
		}
		env = e
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, run.Fail("Error: Failed to get environment variables", runner.ExitInternal)
	}

	for _, key := range droppedKeys {
		delete(env, key)
	}
	env["TELEPRESENCE_POD"] = remoteInfo.PodName
	env["TELEPRESENCE_CONTAINER"] = remoteInfo.ContainerName
	return env, nil
}

func fetchRemoteEnv(kube *kubeclient.Client, podName, containerName string) (map[string]string, error) {
	out, err := kube.Exec(podName, containerName, "python3", "-c", envDumpScript)
	if err != nil {
		return nil, err
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		return nil, errors.Wrap(err, "decoding remote environment")
	}
	return env, nil
}

// SerializeAsEnvFile renders env as a Docker-Compose-style env file
// (VAR=VAL per line, sorted by key), skipping any value containing a
// newline (which the format can't represent) and returning their keys so
// the caller can warn about them, matching serialize_as_env_file.
func SerializeAsEnvFile(env map[string]string) (data string, skipped []string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := env[k]
		if strings.Contains(v, "\n") {
			skipped = append(skipped, k)
			continue
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String(), skipped
}

// WriteEnvJSON writes env to path as pretty-printed, key-sorted JSON
// (write_env_files's --env-json branch).
func WriteEnvJSON(path string, env map[string]string) error {
	data, err := json.MarshalIndent(env, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding environment as JSON")
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteEnvFile writes env to path in Docker-Compose env-file format,
// returning the keys skipped for containing newlines.
func WriteEnvFile(path string, env map[string]string) ([]string, error) {
	data, skipped := SerializeAsEnvFile(env)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return skipped, errors.Wrap(err, "writing env file")
	}
	return skipped, nil
}

// MountRemoteVolumes sshfs-mounts the pod's root filesystem at mountDir
// over the SSH tunnel. allowAllUsers (used for the container outbound
// method, which doesn't know what uid the user's container will run as)
// adds sshfs's allow_other option and runs sshfs under sudo. A mount
// failure is non-fatal: the caller gets a no-op cleanup and TELEPRESENCE_ROOT
// should not be set, matching mount_remote_volumes's mounted/no-op split.
func MountRemoteVolumes(run *runner.Runner, ssh *sshtunnel.SSH, allowAllUsers bool, mountDir string) (mounted bool, cleanup func() error) {
	argv := sshfsCommand(ssh, allowAllUsers, mountDir)
	if _, err := run.GetOutput(argv); err != nil {
		run.Log.Warnf("Mounting remote volumes failed, they will be unavailable in this session: %v", err)
		return false, func() error { return nil }
	}
	return true, func() error { return unmount(run, allowAllUsers, mountDir) }
}

func sshfsCommand(ssh *sshtunnel.SSH, allowAllUsers bool, mountDir string) []string {
	var argv []string
	if allowAllUsers {
		argv = append(argv, "sudo")
	}
	argv = append(argv, "sshfs", "-p", strconv.Itoa(ssh.Port()), "-F", "/dev/null",
		"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	if allowAllUsers {
		argv = append(argv, "-o", "allow_other")
	}
	return append(argv, "telepresence@localhost:/", mountDir)
}

// MountRemote resolves the mount directory to use (creating one under the
// session's temp dir when requestedDir is empty, matching mount_remote's
// mkdtemp(dir="/tmp") behavior) and mounts the pod's filesystem into it.
// It returns the directory actually used (even if the mount failed, so
// TELEPRESENCE_ROOT handling can be skipped by the caller) along with the
// mounted flag and cleanup func from MountRemoteVolumes.
func MountRemote(run *runner.Runner, ssh *sshtunnel.SSH, allowAllUsers bool, requestedDir string) (dir string, mounted bool, cleanup func() error, err error) {
	if requestedDir == "" {
		dir, err = run.MakeTemp("fs")
		if err != nil {
			return "", false, nil, errors.Wrap(err, "creating mount directory")
		}
	} else {
		dir = requestedDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, nil, errors.Wrap(err, "creating mount directory")
		}
	}

	mounted, cleanup = MountRemoteVolumes(run, ssh, allowAllUsers, dir)
	return dir, mounted, cleanup, nil
}

func unmount(run *runner.Runner, allowAllUsers bool, mountDir string) error {
	var argv []string
	if allowAllUsers {
		argv = append(argv, "sudo")
	}
	if run.Platform == "linux" {
		argv = append(argv, "fusermount", "-z", "-u", mountDir)
		if err := run.CheckCall(argv); err != nil {
			return err
		}
	} else {
		argv = append(argv, "umount", "-f", mountDir)
		if _, err := run.GetOutput(argv); err != nil {
			return err
		}
	}
	return os.Remove(mountDir)
}
