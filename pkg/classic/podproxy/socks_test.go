package podproxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func dialSOCKS(t *testing.T, srv *SOCKSServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+portString(srv.Port()))
	require.NoError(t, err)
	// handshake: version 5, 1 method, NO_AUTH
	_, err = conn.Write([]byte{5, 1, 0})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0}, reply)
	return conn
}

func TestResolveReturnsInetAtonBytes(t *testing.T) {
	log := logrus.New()
	srv, err := ListenSOCKS(0, log)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialSOCKS(t, srv)
	defer conn.Close()

	host := "localhost"
	req := []byte{5, cmdResolve, 0, atypDomain, byte(len(host))}
	req = append(req, []byte(host)...)
	req = append(req, 0, 0) // port, unused by RESOLVE
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 8)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, byte(5), resp[0])
	require.Equal(t, byte(0), resp[1])
	require.Equal(t, byte(0), resp[2])
	require.Equal(t, byte(1), resp[3])
}

func TestConnectWithIPv6AddressTypeIsRejected(t *testing.T) {
	log := logrus.New()
	srv, err := ListenSOCKS(0, log)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialSOCKS(t, srv)
	defer conn.Close()

	req := []byte{5, cmdConnect, 0, atypIPv6}
	req = append(req, make([]byte, 18)...) // 16-byte addr + 2-byte port
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 10)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{5, replyUnsupported, 0, 1, 0, 0, 0, 0, 0, 0}, resp)
}

func TestConnectRelaysBytesBothWays(t *testing.T) {
	log := logrus.New()
	srv, err := ListenSOCKS(0, log)
	require.NoError(t, err)
	defer srv.Close()

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		c, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	conn := dialSOCKS(t, srv)
	defer conn.Close()

	addr := echoLn.Addr().(*net.TCPAddr)
	req := []byte{5, cmdConnect, 0, atypIPv4}
	req = append(req, addr.IP.To4()...)
	portBuf := []byte{byte(addr.Port >> 8), byte(addr.Port)}
	req = append(req, portBuf...)
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 10)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, byte(0), resp[1])

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	echoBuf := make([]byte, 5)
	_, err = io.ReadFull(conn, echoBuf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(echoBuf))
}
