// Package podproxy implements the in-pod forwarder (spec.md section 4.5):
// a SOCKSv5 server with the Tor RESOLVE/RESOLVE_PTR extension, and a DNS
// repeater that lets the local outbound methods resolve cluster names.
package podproxy

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
)

// SOCKS command codes: CONNECT is the standard RFC1928 command; RESOLVE
// and RESOLVE_PTR are the Tor socks extension torsocks relies on.
const (
	cmdConnect    = 1
	cmdResolve    = 0xF0
	cmdResolvePTR = 0xF1

	atypIPv4   = 1
	atypDomain = 3
	atypIPv6   = 4
)

// Reply codes written in the SOCKS response (RFC1928 section 6).
const (
	replyOK             = 0
	replyGeneralFailure = 1
	replyHostUnreachable = 4
	replyRefused        = 5
	replyUnsupported    = 7
)

// SOCKSServer listens for SOCKSv5 connections and proxies CONNECT
// requests, answering RESOLVE/RESOLVE_PTR requests directly.
type SOCKSServer struct {
	Log *logrus.Logger

	listener net.Listener
}

// ListenSOCKS starts a SOCKSv5 server on 127.0.0.1:port.
func ListenSOCKS(port int, log *logrus.Logger) (*SOCKSServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:"+portString(port))
	if err != nil {
		return nil, err
	}
	s := &SOCKSServer{Log: log, listener: ln}
	go s.acceptLoop()
	return s, nil
}

// Port returns the bound port.
func (s *SOCKSServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting new connections.
func (s *SOCKSServer) Close() error {
	return s.listener.Close()
}

func (s *SOCKSServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *SOCKSServer) handle(conn net.Conn) {
	defer conn.Close()

	if err := socksHandshake(conn); err != nil {
		s.Log.Debugf("socks handshake: %v", err)
		return
	}

	cmd, host, port, err := socksReadRequest(conn)
	if err != nil {
		s.Log.Debugf("socks request: %v", err)
		return
	}

	switch cmd {
	case cmdConnect:
		s.handleConnect(conn, host, port)
	case cmdResolve:
		s.handleResolve(conn, host)
	case cmdResolvePTR:
		s.handleResolvePTR(conn, host)
	default:
		writeResponse(conn, replyUnsupported, net.IPv4zero, 0)
	}
}

// socksHandshake consumes the version/method-selection exchange,
// unconditionally accepting NO_AUTH (the proxy pod trusts anything that
// can reach its SOCKS port, same as the original).
func socksHandshake(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	nmethods := int(header[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if _, err := io.ReadFull(conn, methods); err != nil {
			return err
		}
	}
	_, err := conn.Write([]byte{5, 0})
	return err
}

func socksReadRequest(conn net.Conn) (cmd int, host string, port int, err error) {
	head := make([]byte, 4)
	if _, err = io.ReadFull(conn, head); err != nil {
		return
	}
	cmd = int(head[1])
	atyp := int(head[3])

	switch atyp {
	case atypIPv4:
		addr := make([]byte, 6)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return
		}
		host = net.IP(addr[:4]).String()
		port = int(binary.BigEndian.Uint16(addr[4:6]))
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err = io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		rest := make([]byte, int(lenBuf[0])+2)
		if _, err = io.ReadFull(conn, rest); err != nil {
			return
		}
		host = string(rest[:len(rest)-2])
		port = int(binary.BigEndian.Uint16(rest[len(rest)-2:]))
	default:
		writeResponse(conn, replyUnsupported, net.IPv4zero, 0)
		err = errUnsupportedAddressType
		return
	}
	return
}

var errUnsupportedAddressType = &socksError{"unsupported SOCKS address type (only IPv4 CONNECT and domain names are supported)"}

type socksError struct{ msg string }

func (e *socksError) Error() string { return e.msg }

func (s *SOCKSServer) handleConnect(conn net.Conn, host string, port int) {
	dest, err := net.Dial("tcp", net.JoinHostPort(host, portString(port)))
	if err != nil {
		writeResponse(conn, classifyDialError(err), net.IPv4zero, 0)
		return
	}
	defer dest.Close()

	local, _ := dest.LocalAddr().(*net.TCPAddr)
	ip := net.IPv4zero
	boundPort := 0
	if local != nil {
		ip = local.IP
		boundPort = local.Port
	}
	writeResponse(conn, replyOK, ip, boundPort)

	relay(conn, dest)
}

func (s *SOCKSServer) handleResolve(conn net.Conn, host string) {
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		conn.Write([]byte{5, replyHostUnreachable, 0, 0})
		return
	}
	var v4 net.IP
	for _, ip := range ips {
		if v := ip.To4(); v != nil {
			v4 = v
			break
		}
	}
	if v4 == nil {
		conn.Write([]byte{5, replyHostUnreachable, 0, 0})
		return
	}
	resp := append([]byte{5, 0, 0, 1}, v4...)
	conn.Write(resp)
}

func (s *SOCKSServer) handleResolvePTR(conn net.Conn, host string) {
	names, err := net.LookupAddr(host)
	if err != nil || len(names) == 0 {
		conn.Write([]byte{5, replyGeneralFailure, 0, 0})
		return
	}
	name := names[0]
	resp := append([]byte{5, 0, 0, 3, byte(len(name))}, []byte(name)...)
	conn.Write(resp)
}

// classifyDialError maps Go dial errors onto the original's error_code
// mapping (DNSLookupError -> 4, ConnectionRefusedError -> 5, else 1).
func classifyDialError(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return replyHostUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return replyRefused
	}
	return replyGeneralFailure
}

func writeResponse(conn net.Conn, code byte, ip net.IP, port int) {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	buf := make([]byte, 0, 10)
	buf = append(buf, 5, code, 0, 1)
	buf = append(buf, v4...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	buf = append(buf, portBytes...)
	conn.Write(buf)
}

// relay pumps bytes in both directions until either side closes.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

func portString(port int) string {
	return strconv.Itoa(port)
}
