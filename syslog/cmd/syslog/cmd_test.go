package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "loadgen", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	migrate, _, err := root.Find([]string{"migrate", "up"})
	require.NoError(t, err)
	assert.Equal(t, "up", migrate.Name())
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "syslog "+version+"\n", out.String())
}

func TestLoadgenCommand(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"loadgen", "--addr", pc.LocalAddr().String(), "--count", "3", "--rate", "0", "--seed", "5"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "sent 3 messages"), out.String())

	buf := make([]byte, 2048)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('<'), buf[0])
	assert.Greater(t, n, 10)
}

func TestLoadgenCommand_BadFormat(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"loadgen", "--format", "cef"})
	assert.Error(t, root.Execute())
}
