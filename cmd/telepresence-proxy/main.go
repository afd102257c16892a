// Command telepresence-proxy is the in-pod binary described in spec.md
// section 4.5/4.9: it serves the SOCKSv5 + Tor RESOLVE proxy on TCP/9050
// and the DNS repeater on UDP/9053, polls the client's liveness beacon,
// and answers the "resolve-ips" subcommand kubectl-exec'd by the also-proxy
// hostname resolver. Grounded on k8s-proxy/forwarder.py's namespace
// discovery and listener setup, k8s-proxy/resolver.py's noloop/nameserver
// wiring, and the teacher's cobra-root cmd idiom.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/klndev/tpclassic/pkg/classic/beacon"
	"github.com/klndev/tpclassic/pkg/classic/podproxy"
)

const (
	socksPort = 9050
	dnsPort   = 9053
	// beaconURL targets the SSH reverse-forward the client opens from its
	// own beacon server to 127.0.0.1:9055 inside the pod (spec.md section
	// 4.9, sshtunnel.Connect's "-R9055:...").
	beaconURL          = "http://localhost:9055/"
	serviceAccountPath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:           "telepresence-proxy",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(log)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "resolve-ips HOSTNAME...",
		Short: "Resolve each hostname to its IPs and print a JSON array of arrays",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveIPs(args)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "telepresence-proxy: error: %v\n", err)
		os.Exit(1)
	}
}

// resolveIPs implements the wire contract cidr.Discovery.ResolveAlsoProxy
// depends on: one JSON array of resolved IP strings per argument, in
// argument order, written to stdout.
func resolveIPs(hostnames []string) error {
	enc, err := json.Marshal(lookupAll(hostnames))
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

// lookupAll resolves each hostname independently, substituting a nil entry
// (JSON null) for any that fail so one bad also-proxy hostname doesn't sink
// the rest.
func lookupAll(hostnames []string) [][]string {
	result := make([][]string, len(hostnames))
	for i, host := range hostnames {
		addrs, err := net.LookupHost(host)
		if err != nil {
			result[i] = nil
			continue
		}
		result[i] = addrs
	}
	return result
}

// serve runs the SOCKS+DNS listeners and the beacon poller until the
// process receives a termination signal.
func serve(log *logrus.Logger) error {
	namespace, err := resolveNamespace()
	if err != nil {
		return err
	}
	log.Infof("Pod's namespace is %q", namespace)

	noLoop := truthy(os.Getenv("TELEPRESENCE_LOCAL_NAMES"))
	kubeDNS, fallback := resolveNameservers(noLoop)

	resolver := podproxy.NewResolver(log, namespace, noLoop, kubeDNS, fallback)

	socksServer, err := podproxy.ListenSOCKS(socksPort, log)
	if err != nil {
		return fmt.Errorf("starting SOCKS server: %w", err)
	}
	defer socksServer.Close()
	log.Infof("SOCKS server listening on 127.0.0.1:%d", socksServer.Port())

	dnsServer, err := podproxy.ListenDNS(dnsPort, resolver, log)
	if err != nil {
		return fmt.Errorf("starting DNS server: %w", err)
	}
	defer dnsServer.Close()
	log.Infof("DNS repeater listening on 127.0.0.1:%d", dnsPort)

	poller := beacon.NewPoller(beaconURL, log)
	poller.Start()
	defer poller.Stop()

	log.Info("Listening...")
	waitForSignal()
	return nil
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
}

// resolveNamespace implements forwarder.py's three-step fallback: the
// downward-API env var, the mounted service-account file, then a guess
// parsed out of /etc/resolv.conf's search line.
func resolveNamespace() (string, error) {
	if ns := os.Getenv("TELEPRESENCE_CONTAINER_NAMESPACE"); ns != "" {
		return ns, nil
	}
	if data, err := os.ReadFile(serviceAccountPath); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns, nil
		}
	}
	if ns := guessNamespaceFromResolvConf(); ns != "" {
		return ns, nil
	}
	return "", fmt.Errorf(
		"failed to determine namespace: set TELEPRESENCE_CONTAINER_NAMESPACE " +
			"or enable automountServiceAccountToken",
	)
}

var searchSvcPattern = regexp.MustCompile(`\s([a-z0-9]+)\.svc([.]|\s|$)`)

const resolvConfPath = "/etc/resolv.conf"

func guessNamespaceFromResolvConf() string {
	return guessNamespaceFromResolvConfPath(resolvConfPath)
}

func guessNamespaceFromResolvConfPath(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "search") {
			continue
		}
		if m := searchSvcPattern.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// resolveNameservers implements resolver.py's LocalResolver wiring:
// kubeDNS is the pod's own first resolv.conf nameserver (Kube DNS), and
// the fallback is TELEPRESENCE_NAMESERVER (a server the host doesn't
// already use, so sshuttle can't recapture it) when set, the pod's own
// first nameserver otherwise. The selection is the same in both modes;
// noLoop only changes how the Resolver uses the two.
func resolveNameservers(noLoop bool) (kubeDNS, fallback string) {
	servers, _ := podproxy.ResolvConfNameservers()
	if len(servers) > 0 {
		kubeDNS = servers[0]
	}
	fallback = os.Getenv("TELEPRESENCE_NAMESERVER")
	if fallback == "" {
		fallback = kubeDNS
	}
	return kubeDNS, fallback
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
