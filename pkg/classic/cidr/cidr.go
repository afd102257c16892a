// Package cidr implements CIDR/service-range discovery (spec.md section
// 4.6): pod CIDRs, service CIDR, and also-proxy hostname resolution, all
// feeding the CIDR list handed to the vpn-tcp/container outbound methods.
package cidr

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/klndev/tpclassic/pkg/classic/cache"
	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/runner"
)

// CoveringCIDR returns the smallest /<=24 IPv4 network containing every
// address in ips. It forms a /24 for each IP, then repeatedly collapses and
// expands to the immediate supernet until exactly one network remains,
// matching the original covering_cidr algorithm.
func CoveringCIDR(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("covering_cidr requires at least one IP")
	}
	networks := make([]*net.IPNet, 0, len(ips))
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil {
			return "", errors.Errorf("not an IPv4 address: %s", ip)
		}
		_, network, err := net.ParseCIDR(fmt.Sprintf("%s/24", parsed.String()))
		if err != nil {
			return "", errors.Wrapf(err, "building /24 for %s", ip)
		}
		networks = append(networks, network)
	}
	networks = dedupe(networks)
	for len(networks) > 1 {
		widened := make([]*net.IPNet, len(networks))
		for i, n := range networks {
			widened[i] = supernet(n)
		}
		networks = dedupe(widened)
	}
	return networks[0].String(), nil
}

// dedupe canonicalises and removes duplicate networks, preserving order of
// first appearance.
func dedupe(networks []*net.IPNet) []*net.IPNet {
	seen := map[string]bool{}
	out := make([]*net.IPNet, 0, len(networks))
	for _, n := range networks {
		key := n.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// supernet returns the immediate, one-bit-wider supernet of n.
func supernet(n *net.IPNet) *net.IPNet {
	ones, bits := n.Mask.Size()
	newOnes := ones - 1
	if newOnes < 0 {
		newOnes = 0
	}
	mask := net.CIDRMask(newOnes, bits)
	base := n.IP.Mask(mask)
	return &net.IPNet{IP: base, Mask: mask}
}

// IsPrivate reports whether cidr is an RFC1918 or loopback network, the
// filter applied before accepting a covering-CIDR result (spec.md's open
// question about the RFC1918/public boundary: the spec requires
// private-only output, so filtering happens here, before the covering
// computation runs on the caller's already-filtered IP list where
// possible, and again on the result as a backstop).
func IsPrivate(cidr string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.IP.IsPrivate() || network.IP.IsLoopback()
}

// Discovery computes the CIDR list fed to sshuttle: pod CIDRs, service
// CIDR, and resolved also-proxy targets. Only also-proxy hostname
// resolutions are memoised in Cache; pod and service CIDRs are recomputed
// on every call.
type Discovery struct {
	Run    *runner.Runner
	Kube   *kubeclient.Client
	Cache  *cache.Cache
}

// node/pod/service shapes decoded from `kubectl get ... -o json`.
type nodeList struct {
	Items []struct {
		Spec struct {
			PodCIDR string `json:"podCIDR"`
		} `json:"spec"`
	} `json:"items"`
}

type podList struct {
	Items []struct {
		Status struct {
			PodIP string `json:"podIP"`
		} `json:"status"`
	} `json:"items"`
}

type serviceList struct {
	Items []struct {
		Spec struct {
			ClusterIP string `json:"clusterIP"`
		} `json:"spec"`
	} `json:"items"`
}

type kubeSystemPodList struct {
	Items []struct {
		Spec struct {
			Containers []struct {
				Name    string   `json:"name"`
				Command []string `json:"command"`
			} `json:"containers"`
		} `json:"spec"`
	} `json:"items"`
}

// PodCIDRs lists node pod CIDRs, falling back to the covering CIDR of all
// pod IPs cluster-wide, filtering non-private results.
func (d *Discovery) PodCIDRs() ([]string, error) {
	var nodes nodeList
	var cidrs []string
	if err := d.Kube.GetJSON(&nodes, "nodes"); err == nil {
		for _, n := range nodes.Items {
			if n.Spec.PodCIDR != "" {
				cidrs = append(cidrs, n.Spec.PodCIDR)
			}
		}
	}
	if len(cidrs) == 0 {
		var pods podList
		if err := d.Kube.GetJSON(&pods, "pods", "--all-namespaces"); err != nil {
			return nil, errors.Wrap(err, "listing pods for pod-CIDR heuristic")
		}
		var ips []string
		for _, p := range pods.Items {
			if p.Status.PodIP != "" && IsPrivate(p.Status.PodIP+"/32") {
				ips = append(ips, p.Status.PodIP)
			}
		}
		if len(ips) > 0 {
			covering, err := CoveringCIDR(ips)
			if err != nil {
				return nil, err
			}
			cidrs = append(cidrs, covering)
		}
	}
	var valid []string
	for _, c := range cidrs {
		if IsPrivate(c) {
			valid = append(valid, c)
		}
	}
	return valid, nil
}

// ServiceCIDR parses --service-cluster-ip-range from the apiserver's
// command line, falling back to a covering-CIDR heuristic over existing
// ClusterIP Services (creating throwaway services if fewer than 8 exist).
func (d *Discovery) ServiceCIDR() (string, error) {
	if cidr := d.apiserverServiceCIDR(); cidr != "" {
		return cidr, nil
	}
	return d.guessServiceCIDR()
}

func (d *Discovery) apiserverServiceCIDR() string {
	var pods kubeSystemPodList
	if err := d.Kube.GetJSON(&pods, "pods", "-n", "kube-system"); err != nil {
		return ""
	}
	for _, pod := range pods.Items {
		for _, c := range pod.Spec.Containers {
			if c.Name != "kube-apiserver" {
				continue
			}
			for _, arg := range c.Command {
				const flag = "--service-cluster-ip-range="
				if strings.HasPrefix(arg, flag) {
					return strings.TrimPrefix(arg, flag)
				}
			}
			return ""
		}
	}
	return ""
}

func (d *Discovery) getServiceIPs() ([]string, error) {
	var svcs serviceList
	if err := d.Kube.GetJSON(&svcs, "services"); err != nil {
		return nil, err
	}
	var ips []string
	for _, s := range svcs.Items {
		if s.Spec.ClusterIP != "" && s.Spec.ClusterIP != "None" {
			ips = append(ips, s.Spec.ClusterIP)
		}
	}
	return ips, nil
}

func (d *Discovery) guessServiceCIDR() (string, error) {
	ips, err := d.getServiceIPs()
	if err != nil {
		return "", errors.Wrap(err, "listing services for service-CIDR heuristic")
	}
	var created []string
	for len(ips)+len(created) < 8 {
		name := randomName()
		if err := d.Run.CheckCall(d.Kube.Argv("create", "service", "clusterip", name, "--tcp=3000")); err != nil {
			return "", errors.Wrap(err, "creating throwaway service for service-CIDR discovery")
		}
		created = append(created, name)
	}
	if len(created) > 0 {
		ips, err = d.getServiceIPs()
		if err != nil {
			return "", err
		}
	}
	cidr, err := CoveringCIDR(ips)
	for _, name := range created {
		_ = d.Run.CheckCall(d.Kube.Argv("delete", "service", name))
	}
	if err != nil {
		return "", err
	}
	return cidr, nil
}

func randomName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "tel-" + string(b)
}

// ResolveAlsoProxy turns user-supplied --also-proxy strings into concrete
// CIDRs: values that already parse as a network pass through unchanged;
// hostnames are resolved inside the proxy pod and cached per context.
func (d *Discovery) ResolveAlsoProxy(pod, container string, targets []string) ([]string, error) {
	var ipRanges []string
	var hostnames []string
	ipCache := d.Cache.Child("ip-list")

	for _, target := range targets {
		if _, _, err := net.ParseCIDR(target); err == nil {
			ipRanges = append(ipRanges, target)
			continue
		}
		if ip := net.ParseIP(target); ip != nil {
			ipRanges = append(ipRanges, target)
			continue
		}
		if v, ok := ipCache.Get(target); ok {
			if ips, ok := v.([]interface{}); ok {
				for _, raw := range ips {
					ipRanges = append(ipRanges, fmt.Sprint(raw))
				}
				continue
			}
		}
		hostnames = append(hostnames, target)
	}

	if len(hostnames) == 0 {
		return ipRanges, nil
	}

	out, err := d.Kube.Exec(pod, container, append([]string{"telepresence-proxy", "resolve-ips"}, hostnames...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving also-proxy hostnames %v inside the cluster", hostnames)
	}
	var resolved [][]string
	if err := json.Unmarshal([]byte(out), &resolved); err != nil {
		return nil, errors.Wrap(err, "decoding also-proxy resolution output")
	}
	for i, host := range hostnames {
		var ips []interface{}
		if i < len(resolved) {
			for _, ip := range resolved[i] {
				ips = append(ips, ip)
				ipRanges = append(ipRanges, ip)
			}
		}
		ipCache.Set(host, ips)
	}
	return ipRanges, nil
}
