package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/config"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = "memory"
	cfg.Server.UDPAddr = "127.0.0.1:0"
	cfg.Server.TCPAddr = "127.0.0.1:0"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Retention.FlushInterval = 20 * time.Millisecond
	cfg.Retention.ShutdownGrace = 2 * time.Second
	cfg.Sources.FlushInterval = 20 * time.Millisecond
	cfg.Forwarder.ReloadInterval = time.Hour
	return cfg
}

func startService(t *testing.T, cfg *config.Config) (*Service, context.CancelFunc, <-chan error) {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	return svc, cancel, done
}

func stopService(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_UDPToAPI(t *testing.T) {
	svc, cancel, done := startService(t, testConfig(t))
	defer stopService(t, cancel, done)

	conn, err := net.Dial("udp", svc.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("<34>Oct 11 22:14:15 core-fw sshd[42]: failed login password=hunter2"))
	require.NoError(t, err)

	var body struct {
		Events []*models.Event `json:"events"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + svc.APIAddr() + "/api/v1/events?hostname=core-fw")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil && len(body.Events) == 1
	}, 5*time.Second, 20*time.Millisecond)

	ev := body.Events[0]
	assert.Equal(t, "sshd", ev.AppName)
	assert.True(t, ev.Redacted)
	assert.NotContains(t, ev.Message, "hunter2")
	assert.Equal(t, svc.UDPAddr().(*net.UDPAddr).Port, ev.ListenerPort)

	require.Eventually(t, func() bool {
		stats, err := svc.Repository().SourceStats(context.Background())
		return err == nil && len(stats) == 1 && stats[0].EventsReceived == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(1), svc.Metrics().Totals().Persisted)
}

func TestService_SurvivesTruncatedHeaders(t *testing.T) {
	svc, cancel, done := startService(t, testConfig(t))
	defer stopService(t, cancel, done)

	conn, err := net.Dial("udp", svc.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	for _, raw := range []string{"<34>Oct 11 22:14:19=", "<34>Oct 11 22:14:15 host app[", "<165>1 2003-10-11T22:14:15.003Z host app 1 ID [x"} {
		_, err = conn.Write([]byte(raw))
		require.NoError(t, err)
	}
	_, err = conn.Write([]byte("<13>Oct 11 22:14:20 edge-2 app: still listening"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := svc.Repository().QueryRecent(context.Background(), models.EventQuery{
			Limit:    10,
			Criteria: models.FilterCriteria{Hostname: "edge-2"},
		})
		return err == nil && len(events) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return svc.Metrics().Totals().Received == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestService_BootstrapTagAndForward(t *testing.T) {
	receiver, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()
	lines := make(chan string, 4)
	go func() {
		c, err := receiver.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	port := receiver.Addr().(*net.TCPAddr).Port
	doc := fmt.Sprintf(`
filters:
  - name: forward-errors
    action: forward
    criteria:
      severities: [0, 1, 2, 3]
  - name: auth
    action: tag
    tag: auth
    criteria:
      message: "re:log(in|out)"
targets:
  - name: collector
    host: 127.0.0.1
    port: %d
    protocol: tcp
    criteria:
      severities: [3]
`, port)
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg := testConfig(t)
	cfg.BootstrapFile = path
	cfg.Forwarder.TLSDefault = false
	svc, cancel, done := startService(t, cfg)
	defer stopService(t, cancel, done)

	conn, err := net.Dial("tcp", svc.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprint(conn, "<11>Oct 11 22:14:15 vpn-1 authd: user login rejected\n<14>Oct 11 22:14:16 vpn-1 authd: user logout\n")
	require.NoError(t, err)

	select {
	case line := <-lines:
		assert.Contains(t, line, "<11>1 ")
		assert.Contains(t, line, "user login rejected")
	case <-time.After(5 * time.Second):
		t.Fatal("forward target received nothing")
	}

	require.Eventually(t, func() bool {
		events, err := svc.Repository().QueryRecent(context.Background(), models.EventQuery{Limit: 10})
		if err != nil || len(events) != 2 {
			return false
		}
		for _, ev := range events {
			if !ev.HasTag("auth") {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case line := <-lines:
		t.Fatalf("severity 6 event was forwarded: %q", line)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewService_BadBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filters:\n  - {name: x, action: explode}\n"), 0o600))
	cfg := testConfig(t)
	cfg.BootstrapFile = path
	_, err := NewService(context.Background(), cfg, nil)
	assert.Error(t, err)
}
