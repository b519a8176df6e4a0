// Package catalog maintains the versioned registry of third-party
// services the classifier recognizes: cookie signatures, request hosts,
// script URLs, consent requirements and blocking recipes. The catalog
// is a YAML file that can be hot-reloaded without restarting the
// scanner; scans always work against an immutable snapshot.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"konform/internal/errs"
	"konform/internal/logging"
	"konform/internal/report"
)

// File is the on-disk catalog document.
type File struct {
	Version  int       `yaml:"version"`
	Updated  string    `yaml:"updated"`
	Services []Service `yaml:"services"`
}

// Service describes one recognizable third-party service.
type Service struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Category        report.ServiceCategory `yaml:"category"`
	RequiresConsent bool                   `yaml:"requires_consent"`
	TransferNonEU   bool                   `yaml:"transfer_non_eu"`
	LegalBasis      string                 `yaml:"legal_basis"`
	RiskEuroBase    int                    `yaml:"risk_euro_base"`
	Match           Match                  `yaml:"match"`
	Recipe          *Recipe                `yaml:"recipe"`
}

// Match lists the observation patterns that identify a service.
// Cookie names match exactly, or by prefix when the pattern ends in
// "*". Hosts match by domain suffix, case-insensitively. Script
// sources match by substring.
type Match struct {
	Cookies          []string `yaml:"cookies"`
	RequestHosts     []string `yaml:"request_hosts"`
	ScriptSrcs       []string `yaml:"script_srcs"`
	LocalStorageKeys []string `yaml:"localstorage_keys"`
}

// Empty reports whether no pattern is configured at all.
func (m Match) Empty() bool {
	return len(m.Cookies) == 0 && len(m.RequestHosts) == 0 &&
		len(m.ScriptSrcs) == 0 && len(m.LocalStorageKeys) == 0
}

// Recipe describes how the service can be gated behind consent.
type Recipe struct {
	Kind       string            `yaml:"kind"` // script_rewrite | cookie_gate | iframe_facade | none
	Notes      string            `yaml:"notes"`
	Attributes map[string]string `yaml:"attributes"`
}

var recipeKinds = map[string]bool{
	"script_rewrite": true,
	"cookie_gate":    true,
	"iframe_facade":  true,
	"none":           true,
}

// =============================================================================
// PARSING AND VALIDATION
// =============================================================================

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Snapshot, error) {
	const op = "catalog.Parse"

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, errs.Errorf(errs.InvalidInput, op, "decoding catalog: %v", err)
	}

	if f.Version != 1 {
		return nil, errs.Errorf(errs.InvalidInput, op, "unsupported catalog version %d", f.Version)
	}

	seen := make(map[string]bool, len(f.Services))
	for i := range f.Services {
		svc := &f.Services[i]
		if svc.ID == "" {
			return nil, errs.Errorf(errs.InvalidInput, op, "service %d has no id", i)
		}
		if seen[svc.ID] {
			return nil, errs.Errorf(errs.InvalidInput, op, "duplicate service id %q", svc.ID)
		}
		seen[svc.ID] = true
		if !svc.Category.Valid() {
			return nil, errs.Errorf(errs.InvalidInput, op, "service %q: unknown category %q", svc.ID, svc.Category)
		}
		if svc.Match.Empty() {
			return nil, errs.Errorf(errs.InvalidInput, op, "service %q has no match patterns", svc.ID)
		}
		if svc.RiskEuroBase < 0 {
			return nil, errs.Errorf(errs.InvalidInput, op, "service %q: negative risk", svc.ID)
		}
		if svc.Recipe != nil && !recipeKinds[svc.Recipe.Kind] {
			return nil, errs.Errorf(errs.InvalidInput, op, "service %q: unknown recipe kind %q", svc.ID, svc.Recipe.Kind)
		}
	}

	snap := &Snapshot{
		Version:  f.Version,
		Updated:  f.Updated,
		services: f.Services,
		byID:     make(map[string]int, len(f.Services)),
	}
	for i := range snap.services {
		snap.byID[snap.services[i].ID] = i
	}
	return snap, nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable catalog view. Scans hold one for their whole
// lifetime so a mid-scan reload cannot change classification semantics.
type Snapshot struct {
	Version  int
	Updated  string
	services []Service
	byID     map[string]int
}

// Services returns all services in catalog order. Callers must not
// mutate the returned slice.
func (s *Snapshot) Services() []Service {
	return s.services
}

// Len returns the number of services.
func (s *Snapshot) Len() int { return len(s.services) }

// ByID looks a service up by its catalog identifier.
func (s *Snapshot) ByID(id string) (*Service, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.services[i], true
}

// MatchCookie finds the first service whose cookie patterns match the
// given cookie name. Exact names are case-sensitive; "foo_*" patterns
// match by prefix.
func (s *Snapshot) MatchCookie(name string) (*Service, bool) {
	for i := range s.services {
		for _, pat := range s.services[i].Match.Cookies {
			if matchCookiePattern(pat, name) {
				return &s.services[i], true
			}
		}
	}
	return nil, false
}

func matchCookiePattern(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// MatchHost finds the first service owning the given request host.
// Patterns match the host itself and any subdomain of it.
func (s *Snapshot) MatchHost(host string) (*Service, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for i := range s.services {
		for _, pat := range s.services[i].Match.RequestHosts {
			if hostMatches(pat, host) {
				return &s.services[i], true
			}
		}
	}
	return nil, false
}

func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// MatchScriptSrc finds the first service whose script URL fragments
// appear in the given src attribute.
func (s *Snapshot) MatchScriptSrc(src string) (*Service, bool) {
	lower := strings.ToLower(src)
	for i := range s.services {
		for _, pat := range s.services[i].Match.ScriptSrcs {
			if strings.Contains(lower, strings.ToLower(pat)) {
				return &s.services[i], true
			}
		}
	}
	return nil, false
}

// MatchLocalStorage finds the first service claiming the given
// localStorage key.
func (s *Snapshot) MatchLocalStorage(key string) (*Service, bool) {
	for i := range s.services {
		for _, pat := range s.services[i].Match.LocalStorageKeys {
			if matchCookiePattern(pat, key) {
				return &s.services[i], true
			}
		}
	}
	return nil, false
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the current snapshot and swaps it atomically on reload.
// A failed reload keeps the last good snapshot.
type Manager struct {
	mu   sync.RWMutex
	path string
	snap *Snapshot
}

// NewManager loads the catalog from path, or the embedded default when
// path is empty. A missing or invalid file is a startup error: running
// with no service knowledge would silently blind the cookie pillar.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}

	if path == "" {
		snap, err := Default()
		if err != nil {
			return nil, err
		}
		m.snap = snap
		logging.Info(logging.CategoryCatalog, "loaded embedded catalog: %d services (updated %s)", snap.Len(), snap.Updated)
		return m, nil
	}

	snap, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	m.snap = snap
	logging.Info(logging.CategoryCatalog, "loaded catalog %s: %d services (updated %s)", path, snap.Len(), snap.Updated)
	return m, nil
}

func loadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Errorf(errs.InvalidInput, "catalog.Load", "reading %s: %v", path, err)
	}
	return Parse(data)
}

// Snapshot returns the current immutable catalog view.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Path returns the configured catalog path ("" for the embedded one).
func (m *Manager) Path() string { return m.path }

// Reload re-reads the catalog file. On error the previous snapshot
// stays active and the error is returned for logging.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil // embedded catalog never changes
	}
	snap, err := loadFile(m.path)
	if err != nil {
		logging.Error(logging.CategoryCatalog, "reload rejected, keeping %d services: %v", m.Snapshot().Len(), err)
		return fmt.Errorf("reloading catalog: %w", err)
	}

	m.mu.Lock()
	old := m.snap
	m.snap = snap
	m.mu.Unlock()

	logging.Info(logging.CategoryCatalog, "catalog reloaded: %d -> %d services (updated %s)", old.Len(), snap.Len(), snap.Updated)
	return nil
}
