package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// QueryInt reads an integer query parameter, clamped to [min, max].
// Missing parameters return def. Malformed ones return an error.
func QueryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n, nil
}

// QueryInts reads a comma separated integer list, e.g. severity=0,1,2.
func QueryInts(r *http.Request, name string) ([]int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %q", name, p)
		}
		out = append(out, n)
	}
	return out, nil
}
