package podproxy

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// kubeDNSTimeout is the short timeout used for the no-loop Kube-DNS-first
// query (spec.md section 5: "in-cluster DNS probe 100ms").
const kubeDNSTimeout = 100 * time.Millisecond

// Resolver answers DNS queries the way a client application running
// inside the pod would see them: A/AAAA queries get resolved locally
// (optionally routed through Kube DNS first, with a fallback resolver),
// everything else is forwarded.
type Resolver struct {
	Log       *logrus.Logger
	Namespace string

	// NoLoop, when true, routes A-record lookups through Kube DNS first
	// (to avoid sshuttle recapturing DNS packets it forwarded itself),
	// falling back to Fallback only on failure.
	NoLoop   bool
	KubeDNS  string // nameserver IP used for the no-loop first attempt
	Fallback string // nameserver IP:port used for everything else

	mu sync.Mutex
	// suffixes holds detected search suffixes (dot-joined strings), kept
	// sorted longest-first (by label count) so stripSearchSuffix always
	// strips the longest matching suffix rather than whichever one it
	// happens to see first.
	suffixes []string
}

// NewResolver builds a Resolver. kubeDNS is the pod's own cluster DNS
// server, tried first for short and .local A lookups when noLoop is true;
// fallback is the nameserver used for everything else (in noLoop setups, a
// server the host machine doesn't already use, so sshuttle won't recapture
// traffic to it).
func NewResolver(log *logrus.Logger, namespace string, noLoop bool, kubeDNS, fallback string) *Resolver {
	return &Resolver{
		Log:       log,
		Namespace: namespace,
		NoLoop:    noLoop,
		KubeDNS:   kubeDNS,
		Fallback:  fallback,
	}
}

// ResolvConfNameservers reads /etc/resolv.conf and returns the nameserver
// IPs listed there, in file order.
func ResolvConfNameservers() ([]string, error) {
	f, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var servers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(strings.ToLower(scanner.Text()))
		if len(parts) >= 2 && parts[0] == "nameserver" {
			servers = append(servers, parts[1])
		}
	}
	return servers, scanner.Err()
}

// Query answers req, the entry point Serve's dns.HandlerFunc calls.
func (r *Resolver) Query(req *dns.Msg) *dns.Msg {
	if len(req.Question) == 0 {
		return errorResponse(req)
	}
	q := req.Question[0]
	name := strings.TrimSuffix(q.Name, ".")
	parts := strings.Split(name, ".")

	if resp := r.identifySuffixProbe(req, name, parts); resp != nil {
		return resp
	}
	if resp := r.handleSearchSuffix(req, parts); resp != nil {
		return resp
	}

	switch q.Qtype {
	case dns.TypeA:
		return r.queryA(req, name)
	case dns.TypeAAAA:
		aReq := req.Copy()
		aReq.Question[0].Qtype = dns.TypeA
		resp := r.queryA(aReq, name)
		resp.Question = req.Question
		return resp
	default:
		return r.forward(req, r.Fallback)
	}
}

// identifySuffixProbe recognises the hellotelepresence-<n> probe names
// the client sends to discover the host's resolv.conf search suffix, and
// records the suffix so handleSearchSuffix can strip it from later
// queries.
func (r *Resolver) identifySuffixProbe(req *dns.Msg, name string, parts []string) *dns.Msg {
	if !strings.HasPrefix(parts[0], "hellotelepresence") {
		return nil
	}
	suffix := strings.Join(parts[1:], ".")
	r.mu.Lock()
	r.addSuffix(suffix)
	r.mu.Unlock()
	return aResponse(req, name, []string{"127.0.0.1"})
}

// handleSearchSuffix strips a known search suffix from the query and
// retries; if the stripped query fails, it falls back to the original
// name against Fallback. Returns nil when no known suffix matches.
func (r *Resolver) handleSearchSuffix(req *dns.Msg, parts []string) *dns.Msg {
	stem := r.stripSearchSuffix(parts)
	if len(stem) == len(parts) {
		return nil
	}
	strippedName := strings.Join(stem, ".")
	strippedReq := req.Copy()
	strippedReq.Question[0].Name = dns.Fqdn(strippedName)
	r.Log.Debugf("Updated query from %s to %s", req.Question[0].Name, strippedReq.Question[0].Name)

	resp := r.Query(strippedReq)
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		resp = r.forward(req, r.Fallback)
	}
	resp.Question = req.Question
	for _, rr := range resp.Answer {
		rr.Header().Name = req.Question[0].Name
	}
	return resp
}

// addSuffix records suffix (if new) keeping r.suffixes sorted longest-first
// by label count, so stripSearchSuffix always tries the longest candidate
// before a shorter suffix it happens to contain. Caller must hold r.mu.
func (r *Resolver) addSuffix(suffix string) {
	for _, s := range r.suffixes {
		if s == suffix {
			return
		}
	}
	r.Log.Infof("Detected DNS search suffix: %s", suffix)
	labels := strings.Count(suffix, ".") + 1
	i := 0
	for ; i < len(r.suffixes); i++ {
		if strings.Count(r.suffixes[i], ".")+1 < labels {
			break
		}
	}
	r.suffixes = append(r.suffixes, "")
	copy(r.suffixes[i+1:], r.suffixes[i:])
	r.suffixes[i] = suffix
}

// stripSearchSuffix strips the longest known suffix matching the tail of
// parts, trying suffixes longest-first (spec.md section 3/4.5: overlapping
// suffixes like "svc.cluster.local" and "cluster.local" must resolve to the
// longer match, not whichever is seen first).
func (r *Resolver) stripSearchSuffix(parts []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, suffix := range r.suffixes {
		if suffix == "" {
			continue
		}
		suffixParts := strings.Split(suffix, ".")
		if len(parts) <= len(suffixParts) {
			continue
		}
		tail := parts[len(parts)-len(suffixParts):]
		if strings.Join(tail, ".") == suffix {
			return parts[:len(parts)-len(suffixParts)]
		}
	}
	return parts
}

func (r *Resolver) queryA(req *dns.Msg, name string) *dns.Msg {
	if r.NoLoop {
		dotCount := strings.Count(name, ".")
		if dotCount <= 1 || strings.HasSuffix(name, ".local") {
			return r.noLoopKubeQuery(req, name)
		}
		return r.forward(req, r.Fallback)
	}
	return r.directLookup(req, name)
}

// noLoopKubeQuery tries Kube DNS first, with the Kubernetes-namespaced
// name, then falls back to the client's own resolver config on failure or
// timeout.
func (r *Resolver) noLoopKubeQuery(req *dns.Msg, realName string) *dns.Msg {
	kubeName := realName
	if !strings.HasSuffix(kubeName, ".local") {
		parts := strings.Split(kubeName, ".")
		if len(parts) == 1 {
			parts = append(parts, r.Namespace)
		}
		kubeName = strings.Join(parts, ".") + ".svc.cluster.local"
	}

	kubeReq := req.Copy()
	kubeReq.Question[0].Name = dns.Fqdn(kubeName)

	resp := r.forwardWithTimeout(kubeReq, r.KubeDNS, kubeDNSTimeout)
	if resp != nil && resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
		for _, rr := range resp.Answer {
			rr.Header().Name = dns.Fqdn(realName)
		}
		resp.Question = req.Question
		return resp
	}
	r.Log.Debugf("Kube DNS lookup of %s failed, trying %s", kubeName, realName)
	return r.forward(req, r.Fallback)
}

// directLookup resolves name the way an application's gethostbyname
// would, respecting the machine's full resolver configuration (used when
// NoLoop is false).
func (r *Resolver) directLookup(req *dns.Msg, name string) *dns.Msg {
	c := &dns.Client{Timeout: 5 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	resp, _, err := c.Exchange(m, nameserverAddr(r.Fallback))
	if err != nil || resp == nil {
		return errorResponse(req)
	}
	resp.Question = req.Question
	resp.Id = req.Id
	return resp
}

func (r *Resolver) forward(req *dns.Msg, nameserver string) *dns.Msg {
	return r.forwardWithTimeout(req, nameserver, 5*time.Second)
}

func (r *Resolver) forwardWithTimeout(req *dns.Msg, nameserver string, timeout time.Duration) *dns.Msg {
	c := &dns.Client{Timeout: timeout}
	resp, _, err := c.Exchange(req, nameserverAddr(nameserver))
	if err != nil || resp == nil {
		return errorResponse(req)
	}
	return resp
}

// nameserverAddr appends the default DNS port when nameserver is a bare
// IP, so callers can pass either "1.2.3.4" or "1.2.3.4:5353".
func nameserverAddr(nameserver string) string {
	if _, _, err := net.SplitHostPort(nameserver); err == nil {
		return nameserver
	}
	return net.JoinHostPort(nameserver, "53")
}

func aResponse(req *dns.Msg, name string, ips []string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	for _, ip := range ips {
		rr, err := dns.NewRR(dns.Fqdn(name) + " 0 IN A " + ip)
		if err == nil {
			resp.Answer = append(resp.Answer, rr)
		}
	}
	return resp
}

func errorResponse(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	return resp
}
