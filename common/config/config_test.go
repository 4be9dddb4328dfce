package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "syslog", User: "u", Password: "p@ss", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p%40ss@db:5432/syslog?sslmode=disable", p.ConnString())
}

func TestNewViper_EnvOverride(t *testing.T) {
	t.Setenv("TESTSVC_DATABASE_POSTGRES_HOST", "pg.internal")
	v := NewViper("TESTSVC")
	assert.Equal(t, "pg.internal", v.GetString("database.postgres.host"))
	assert.Equal(t, 5432, v.GetInt("database.postgres.port"))
}

func TestReadOptional(t *testing.T) {
	v := NewViper("TESTSVC")
	require.NoError(t, ReadOptional(v, "", "does-not-exist", t.TempDir()))

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	require.NoError(t, ReadOptional(v, path, ""))
	assert.Equal(t, "debug", v.GetString("logging.level"))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("logging: [\n"), 0o600))
	assert.Error(t, ReadOptional(NewViper("TESTSVC"), bad, ""))
}
