// Package bootstrap seeds static sources, filters and forward targets from a
// YAML file at startup. Entries are upserted by name, so applying the same
// file twice changes nothing.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/match"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

// File is the bootstrap document.
type File struct {
	Sources []Source `yaml:"sources"`
	Filters []Filter `yaml:"filters"`
	Targets []Target `yaml:"targets"`
}

type Source struct {
	Name       string `yaml:"name"`
	IPAddress  string `yaml:"ip_address"`
	Port       int    `yaml:"port"`
	Protocol   string `yaml:"protocol"`
	Hostname   string `yaml:"hostname"`
	DeviceType string `yaml:"device_type"`
	Active     *bool  `yaml:"active"`
}

type Filter struct {
	Name     string                `yaml:"name"`
	Action   string                `yaml:"action"`
	Tag      string                `yaml:"tag"`
	Criteria models.FilterCriteria `yaml:"criteria"`
	Active   *bool                 `yaml:"active"`
}

type Target struct {
	Name       string                `yaml:"name"`
	Host       string                `yaml:"host"`
	Port       int                   `yaml:"port"`
	Protocol   string                `yaml:"protocol"`
	TLSEnabled bool                  `yaml:"tls_enabled"`
	TLSVerify  *bool                 `yaml:"tls_verify"`
	CACertRef  string                `yaml:"ca_cert_ref"`
	Framing    string                `yaml:"framing"`
	Criteria   models.FilterCriteria `yaml:"criteria"`
	RetryCount int                   `yaml:"retry_count"`
	RetryDelay time.Duration         `yaml:"retry_delay"`
	Active     *bool                 `yaml:"active"`
}

// Repositories is what Apply writes to.
type Repositories interface {
	repository.SourceRepository
	repository.FilterRepository
	repository.TargetRepository
}

// Summary counts applied entries.
type Summary struct {
	Sources int
	Filters int
	Targets int
}

// Load reads and validates a bootstrap file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a bootstrap document. Unknown keys are errors.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func active(b *bool) bool {
	return b == nil || *b
}

// Validate checks every entry, including criteria regexes.
func (f *File) Validate() error {
	seen := map[string]bool{}
	for i, s := range f.Sources {
		m := s.model()
		if m.Name == "" || m.IPAddress == "" {
			return fmt.Errorf("sources[%d]: name and ip_address are required", i)
		}
		if !m.Protocol.Valid() {
			return fmt.Errorf("source %q: invalid protocol %q", s.Name, s.Protocol)
		}
	}
	for _, flt := range f.Filters {
		m := flt.model()
		if err := m.Validate(); err != nil {
			return err
		}
		if _, err := match.Compile(m.Criteria); err != nil {
			return fmt.Errorf("filter %q: %w", m.Name, err)
		}
		if seen["filter:"+m.Name] {
			return fmt.Errorf("filter %q: duplicate name", m.Name)
		}
		seen["filter:"+m.Name] = true
	}
	for _, tgt := range f.Targets {
		m := tgt.model()
		if err := m.Validate(); err != nil {
			return err
		}
		if _, err := match.Compile(m.Criteria); err != nil {
			return fmt.Errorf("target %q: %w", m.Name, err)
		}
		if seen["target:"+m.Name] {
			return fmt.Errorf("target %q: duplicate name", m.Name)
		}
		seen["target:"+m.Name] = true
	}
	return nil
}

func (s Source) model() *models.Source {
	protocol := models.Transport(s.Protocol)
	if protocol == "" {
		protocol = models.TransportUDP
	}
	port := s.Port
	if port == 0 {
		port = 514
	}
	src := &models.Source{
		Name:      s.Name,
		IPAddress: s.IPAddress,
		Port:      port,
		Protocol:  protocol,
		Hostname:  s.Hostname,
		IsActive:  active(s.Active),
	}
	if s.DeviceType != "" {
		src.DeviceType = models.String(s.DeviceType)
	}
	return src
}

func (f Filter) model() *models.Filter {
	return &models.Filter{
		Name:     f.Name,
		Action:   models.Action(f.Action),
		Tag:      f.Tag,
		Criteria: f.Criteria,
		IsActive: active(f.Active),
	}
}

func (t Target) model() *models.Target {
	verify := true
	if t.TLSVerify != nil {
		verify = *t.TLSVerify
	}
	framing := models.Framing(t.Framing)
	if framing == "" {
		framing = models.FramingLF
	}
	return &models.Target{
		Name:       t.Name,
		Host:       t.Host,
		Port:       t.Port,
		Protocol:   models.Transport(t.Protocol),
		TLSEnabled: t.TLSEnabled,
		TLSVerify:  verify,
		CACertRef:  t.CACertRef,
		Framing:    framing,
		Criteria:   t.Criteria,
		RetryCount: t.RetryCount,
		RetryDelay: t.RetryDelay,
		IsActive:   active(t.Active),
	}
}

// Apply upserts every entry by name.
func Apply(ctx context.Context, repos Repositories, f *File) (Summary, error) {
	var sum Summary
	for _, s := range f.Sources {
		if err := repos.UpsertSource(ctx, s.model()); err != nil {
			return sum, fmt.Errorf("failed to upsert source %q: %w", s.Name, err)
		}
		sum.Sources++
	}
	for _, flt := range f.Filters {
		if err := repos.UpsertFilter(ctx, flt.model()); err != nil {
			return sum, fmt.Errorf("failed to upsert filter %q: %w", flt.Name, err)
		}
		sum.Filters++
	}
	for _, t := range f.Targets {
		if err := repos.UpsertTarget(ctx, t.model()); err != nil {
			return sum, fmt.Errorf("failed to upsert target %q: %w", t.Name, err)
		}
		sum.Targets++
	}
	return sum, nil
}
