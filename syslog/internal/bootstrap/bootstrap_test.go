package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

const sample = `
sources:
  - name: core-fw
    ip_address: 10.0.0.1
    device_type: cisco_asa
filters:
  - name: drop-debug
    action: drop
    criteria:
      severities: [7]
  - name: vpn
    action: tag
    tag: vpn
    criteria:
      hostname: "re:^vpn-\\d+$"
    active: false
targets:
  - name: siem
    host: siem.example.internal
    port: 6514
    protocol: tls
    framing: octet
    retry_count: 3
    retry_delay: 2s
    criteria:
      severities: [0, 1, 2, 3]
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, f.Sources, 1)
	require.Len(t, f.Filters, 2)
	require.Len(t, f.Targets, 1)

	src := f.Sources[0].model()
	assert.Equal(t, 514, src.Port)
	assert.Equal(t, models.TransportUDP, src.Protocol)
	assert.True(t, src.IsActive)
	assert.Equal(t, "cisco_asa", models.Deref(src.DeviceType))

	assert.False(t, f.Filters[1].model().IsActive)

	tgt := f.Targets[0].model()
	assert.Equal(t, 2*time.Second, tgt.RetryDelay)
	assert.True(t, tgt.TLSVerify)
	assert.Equal(t, models.FramingOctet, tgt.Framing)
	assert.Equal(t, []int{0, 1, 2, 3}, tgt.Criteria.Severities)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "filters:\n  - name: x\n    action: drop\n    colour: red\n"},
		{"bad action", "filters:\n  - name: x\n    action: explode\n"},
		{"bad regex", "filters:\n  - name: x\n    action: drop\n    criteria:\n      message: \"(\"\n"},
		{"duplicate filter", "filters:\n  - {name: x, action: drop}\n  - {name: x, action: tag}\n"},
		{"udp with tls", "targets:\n  - {name: t, host: h, port: 514, protocol: udp, tls_enabled: true}\n"},
		{"source without ip", "sources:\n  - {name: s}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Filters)
}

func TestApply_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	f, err := Load(path)
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	sum, err := Apply(ctx, repo, f)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sources: 1, Filters: 2, Targets: 1}, sum)

	first, err := repo.Target("siem")
	require.NoError(t, err)

	_, err = Apply(ctx, repo, f)
	require.NoError(t, err)

	again, err := repo.Target("siem")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	sources, err := repo.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)

	filters, err := repo.ListActiveFilters(ctx)
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "drop-debug", filters[0].Name)
}
