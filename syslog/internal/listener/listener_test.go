package listener

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/admission"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

type received struct {
	raw    string
	origin admission.Origin
}

type collector struct {
	mu   sync.Mutex
	msgs []received
}

func (c *collector) Handle(_ context.Context, raw []byte, origin admission.Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, received{raw: string(raw), origin: origin})
}

func (c *collector) snapshot() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.msgs...)
}

func startServer(t *testing.T, cfg Config) (*Server, *collector) {
	t.Helper()
	c := &collector{}
	s := New(cfg, c, nil)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s, c
}

func TestServer_UDP(t *testing.T) {
	s, c := startServer(t, Config{UDPAddr: "127.0.0.1:0", UDPWorkers: 2, MaxMessageSize: 64})

	conn, err := net.Dial("udp", s.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("<13>hello over udp"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("<13>" + strings.Repeat("x", 200)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	msgs := c.snapshot()

	var small, big received
	for _, m := range msgs {
		if strings.Contains(m.raw, "hello") {
			small = m
		} else {
			big = m
		}
	}
	assert.Equal(t, "<13>hello over udp", small.raw)
	assert.Equal(t, "127.0.0.1", small.origin.IP.String())
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, small.origin.Port)
	assert.Equal(t, s.UDPAddr().(*net.UDPAddr).Port, small.origin.ListenerPort)
	assert.Equal(t, models.TransportUDP, small.origin.Transport)

	// Oversized datagrams arrive as max+1 bytes so admission can reject them.
	assert.Len(t, big.raw, 65)
}

func TestServer_TCP(t *testing.T) {
	s, c := startServer(t, Config{TCPAddr: "127.0.0.1:0", MaxMessageSize: 1024})

	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprint(conn, "<13>one\n13 <13>two\nsplit<13>three\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 3*time.Second, 10*time.Millisecond)
	msgs := c.snapshot()
	assert.Equal(t, "<13>one", msgs[0].raw)
	assert.Equal(t, "<13>two\nsplit", msgs[1].raw)
	assert.Equal(t, "<13>three", msgs[2].raw)
	assert.Equal(t, models.TransportTCP, msgs[0].origin.Transport)
	assert.Equal(t, s.TCPAddr().(*net.TCPAddr).Port, msgs[0].origin.ListenerPort)
}

func TestServer_MaxConnections(t *testing.T) {
	s, c := startServer(t, Config{TCPAddr: "127.0.0.1:0", MaxConnections: 1})

	first, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = fmt.Fprint(first, "<13>first\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 && len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err, "connection over the limit should be closed by the server")
	assert.Equal(t, 1, s.ActiveConnections())
}

func TestServer_IdleTimeout(t *testing.T) {
	s, _ := startServer(t, Config{TCPAddr: "127.0.0.1:0", IdleTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.ActiveConnections() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestServer_CloseStopsAccepting(t *testing.T) {
	c := &collector{}
	s := New(Config{TCPAddr: "127.0.0.1:0", UDPAddr: "127.0.0.1:0"}, c, nil)
	require.NoError(t, s.Listen())
	addr := s.TCPAddr().String()

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_ListenRequiresAddress(t *testing.T) {
	s := New(Config{}, HandlerFunc(func(context.Context, []byte, admission.Origin) {}), nil)
	assert.Error(t, s.Listen())
}
