package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, func() error) {
	t.Helper()
	s := NewServer(ServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 5*time.Millisecond)
	return s, func() error {
		cancel()
		return <-done
	}
}

func port(t *testing.T, s *Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port(t, s))) + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// The registry is process-wide, so the disabled server is covered first.
func TestServer(t *testing.T) {
	require.False(t, IsEnabled())
	s, stop := startServer(t)
	status, _ := get(t, s, "/metrics")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)
	require.NoError(t, stop())
	require.NoError(t, s.Stop(context.Background()))

	InitRegistry()
	InitRegistry()
	require.True(t, IsEnabled())
	s, stop = startServer(t)
	status, body = get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
	require.NoError(t, stop())
}

func TestServerPortInUse(t *testing.T) {
	s, stop := startServer(t)
	defer func() { _ = stop() }()

	other := NewServer(ServerConfig{Port: port(t, s)})
	assert.Error(t, other.Start(context.Background()))
}
