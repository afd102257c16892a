// Package kubeclient implements the thin typed wrapper over the cluster
// CLI (kubectl/oc) described in spec.md section 4.2: resource CRUD, exec,
// port-forward, and context/OpenShift detection, all via constructed argv
// rather than a generated client-go typed client.
package kubeclient

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/runner"
)

// Client is a thin wrapper over kubectl/oc, constructed once per session.
type Client struct {
	run     *runner.Runner
	Command string // "kubectl" or "oc"
	Context string
	Namespace string

	Server            string
	ClusterVersion    string
	CommandVersion    string
	ClusterIsOpenShift bool
	InLocalVM         bool
}

// New probes the cluster (server URL, versions, OpenShift-ness, "in local
// VM" bit) and returns a configured Client, matching KubeInfo construction
// in the original runner.
func New(run *runner.Runner, context, namespace string) (*Client, error) {
	c := &Client{run: run, Command: "kubectl", Context: context, Namespace: namespace}

	server, err := c.getServerURL()
	if err != nil {
		return nil, errors.Wrap(err, "resolving cluster server URL")
	}
	c.Server = server
	c.InLocalVM = isLocalVM(server)
	c.Command = kubectlOrOC(server)

	c.ClusterIsOpenShift = probeOpenShift(server)

	if v, err := c.run.GetOutput([]string{c.Command, "version", "--client", "--short"}); err == nil {
		c.CommandVersion = strings.TrimSpace(v)
	}
	return c, nil
}

func (c *Client) getServerURL() (string, error) {
	out, err := c.run.GetOutput([]string{"kubectl", "config", "view", "--minify", "-o",
		"jsonpath={.clusters[0].cluster.server}"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// kubectlOrOC picks "oc" when it is on $PATH and the cluster reports an
// OpenShift version endpoint, "kubectl" otherwise.
func kubectlOrOC(server string) string {
	if _, err := exec.LookPath("oc"); err != nil {
		return "kubectl"
	}
	if probeOpenShift(server) {
		return "oc"
	}
	return "kubectl"
}

func probeOpenShift(server string) bool {
	if server == "" {
		return false
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
	resp, err := client.Get(strings.TrimRight(server, "/") + "/version/openshift")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// isLocalVM reports whether server resolves to an RFC1918/loopback address,
// the trigger for DNS-loop workarounds in the vpn-tcp outbound method.
func isLocalVM(server string) bool {
	u, err := url.Parse(server)
	if err != nil {
		return false
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() {
			return true
		}
	}
	return false
}

// Argv composes a command line starting with [command, "--context", ctx,
// "--namespace", ns, ...args], matching KubeInfo.__call__.
func (c *Client) Argv(args ...string) []string {
	argv := []string{c.Command, "--context", c.Context, "--namespace", c.Namespace}
	return append(argv, args...)
}

// GetJSON runs `kubectl get <args> -o json` and decodes the result into v.
func (c *Client) GetJSON(v interface{}, args ...string) error {
	out, err := c.run.GetOutput(c.Argv(append(append([]string{"get"}, args...), "-o", "json")...))
	if err != nil {
		return errors.Wrapf(err, "kubectl get %v", args)
	}
	return errors.Wrap(json.Unmarshal([]byte(out), v), "decoding kubectl JSON output")
}

// GetRawJSON runs `kubectl get <args>` and returns the raw stdout, for
// callers that need to round-trip the object verbatim (e.g. restoring an
// OpenShift DeploymentConfig's original triggers on cleanup). No output
// flag is added; callers pass their own (e.g. "-o", "json").
func (c *Client) GetRawJSON(args ...string) ([]byte, error) {
	out, err := c.run.GetOutput(c.Argv(append([]string{"get"}, args...)...))
	if err != nil {
		return nil, errors.Wrapf(err, "kubectl get %v", args)
	}
	return []byte(out), nil
}

// ApplyJSON pipes data to `kubectl <verb> -f -`.
func (c *Client) ApplyJSON(verb string, data []byte) error {
	argv := c.Argv(verb, "-f", "-")
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(string(data))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "kubectl %s failed: %s", verb, string(out))
	}
	return nil
}

// DeleteBySelector deletes every object matching kind (e.g. "svc,pod")
// carrying the given label selector, tolerating already-deleted objects.
func (c *Client) DeleteBySelector(kind, selector string) error {
	return c.run.CheckCall(c.Argv("delete", "--ignore-not-found", "--wait=false",
		"--selector="+selector, kind))
}

// Exec runs `kubectl exec <pod> --container=<container> -- <argv...>` and
// returns trimmed stdout.
func (c *Client) Exec(pod, container string, argv ...string) (string, error) {
	full := append([]string{"exec", pod, "--container=" + container, "--"}, argv...)
	return c.run.GetOutput(c.Argv(full...))
}
