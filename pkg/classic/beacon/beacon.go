// Package beacon implements the liveness beacon (spec.md section 4.9): a
// dumb local HTTP server the client runs so the in-pod side can poll it,
// and a poller the in-pod side runs to detect a dead client.
package beacon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// pollInterval and clientTimeout match periodic.py's 3s LoopingCall and
// the proxy-side Agent's 10s connect timeout.
const (
	pollInterval  = 3 * time.Second
	clientTimeout = 10 * time.Second
)

// Server answers 200 to any HEAD request on 127.0.0.1:port, exactly like
// DumbHandler/LocalServer: it exists only so the pod side can tell whether
// the client process is still alive.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// Listen starts the beacon server on the given port (0 picks any free
// port) and returns once it is accepting connections.
func Listen(port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &Server{httpServer: &http.Server{Handler: mux}, listener: ln}
	go func() {
		_ = srv.httpServer.Serve(ln)
	}()
	return srv, nil
}

// Port returns the bound TCP port, useful when Listen was called with 0.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close shuts the server down: it stops accepting connections and waits up
// to 500ms for in-flight requests to finish.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Poller periodically HEADs the client's beacon server from inside the
// proxy pod, logging on failure so an operator watching `kubectl logs`
// sees when the client has gone away.
type Poller struct {
	URL string
	Log *logrus.Logger

	client *http.Client
	stop   chan struct{}
	done   chan struct{}
}

// NewPoller returns a Poller targeting url (typically
// "http://localhost:<beacon-port>/").
func NewPoller(url string, log *logrus.Logger) *Poller {
	return &Poller{
		URL:    url,
		Log:    log,
		client: &http.Client{Timeout: clientTimeout},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the polling loop in a goroutine.
func (p *Poller) Start() {
	go p.loop()
}

// Stop ends the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	req, err := http.NewRequest(http.MethodHead, p.URL, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.Log.Warnf("Failed to contact Telepresence client: %v; perhaps it's time to exit?", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.Log.Warnf("Client returned code %d", resp.StatusCode)
		return
	}
	p.Log.Debug("Checkpoint")
}
