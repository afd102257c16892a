package beacon

import (
	"bytes"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestServerAnswersHeadWith200(t *testing.T) {
	srv, err := Listen(0)
	require.NoError(t, err)
	defer srv.Close()

	url := "http://127.0.0.1:" + strconv.Itoa(srv.Port()) + "/"
	resp, err := http.Head(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPollerDetectsDeadServer(t *testing.T) {
	srv, err := Listen(0)
	require.NoError(t, err)
	url := "http://127.0.0.1:" + strconv.Itoa(srv.Port()) + "/"
	require.NoError(t, srv.Close())

	log := logrus.New()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	p := NewPoller(url, log)
	p.poll()
	time.Sleep(10 * time.Millisecond)
	// poll() reports a failed HEAD against the closed listener in the log.
	require.Contains(t, buf.String(), "Failed to contact Telepresence client")
}
