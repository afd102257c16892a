package podproxy

import (
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNSServer is the UDP/9053 DNS repeater the proxy pod exposes alongside
// its SOCKS port (spec.md section 6).
type DNSServer struct {
	Log      *logrus.Logger
	resolver *Resolver
	server   *dns.Server
}

// ListenDNS starts a UDP DNS server on 127.0.0.1:port, answering queries
// with resolver.
func ListenDNS(port int, resolver *Resolver, log *logrus.Logger) (*DNSServer, error) {
	mux := dns.NewServeMux()
	d := &DNSServer{Log: log, resolver: resolver}
	mux.HandleFunc(".", d.handle)

	server := &dns.Server{
		Addr:    "127.0.0.1:" + portString(port),
		Net:     "udp",
		Handler: mux,
	}

	started := make(chan error, 1)
	server.NotifyStartedFunc = func() { started <- nil }
	go func() {
		if err := server.ListenAndServe(); err != nil {
			select {
			case started <- err:
			default:
				log.Errorf("DNS server stopped: %v", err)
			}
		}
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	d.server = server
	return d, nil
}

// Close shuts the server down.
func (d *DNSServer) Close() error {
	return d.server.Shutdown()
}

func (d *DNSServer) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := d.resolver.Query(req)
	if resp == nil {
		resp = errorResponse(req)
	}
	if err := w.WriteMsg(resp); err != nil {
		d.Log.Debugf("writing DNS response: %v", err)
	}
}
