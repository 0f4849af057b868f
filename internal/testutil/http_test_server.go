package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

// IPv4Server is a test HTTP server pinned to the IPv4 loopback, so tests
// behave the same on hosts where the IPv6 loopback is unavailable.
type IPv4Server struct {
	URL      string
	server   *http.Server
	client   *http.Client
	trans    *http.Transport
	listener net.Listener
}

// NewIPv4Server starts the server on 127.0.0.1 with an ephemeral port.
// Call Close when done.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	trans := &http.Transport{}
	s := &IPv4Server{
		URL:      "http://" + ln.Addr().String(),
		server:   &http.Server{Handler: handler},
		client:   &http.Client{Transport: trans},
		trans:    trans,
		listener: ln,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	return s
}

// Client returns an HTTP client bound to the server's transport.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts the server down and releases idle connections.
func (s *IPv4Server) Close() {
	_ = s.server.Shutdown(context.Background())
	s.trans.CloseIdleConnections()
}
