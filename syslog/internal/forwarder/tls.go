package forwarder

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

// LoadCAPool reads a PEM bundle. An empty path returns nil, which makes
// crypto/tls use the system roots.
func LoadCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", path)
	}
	return pool, nil
}

// caCache loads per-target CA bundles once.
type caCache struct {
	mu    sync.Mutex
	pools map[string]*x509.CertPool
}

func (c *caCache) get(path string) (*x509.CertPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pool, ok := c.pools[path]; ok {
		return pool, nil
	}
	pool, err := LoadCAPool(path)
	if err != nil {
		return nil, err
	}
	if c.pools == nil {
		c.pools = make(map[string]*x509.CertPool)
	}
	c.pools[path] = pool
	return pool, nil
}

func clientTLSConfig(serverName string, roots *x509.CertPool, verify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            roots,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify, //nolint:gosec
	}
}
