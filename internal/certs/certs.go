// Package certs manages the trusted CA certificates under local/root_certs.
// A certificate's identity is derived solely from its PEM file: common name,
// issuer organisation, and validity window.
package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

// Store errors.
var (
	ErrNotPEM    = errors.New("file is not a PEM certificate")
	ErrDuplicate = errors.New("certificate with that common name already exists")
	ErrNotFound  = errors.New("certificate not found")
)

// Store loads and persists trusted CA certificates.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	certs map[string]models.Certificate // keyed by common name
}

// NewStore creates a store over the root-certs directory and loads every PEM
// file found there. Unparseable files are skipped with a warning.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root certs directory: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: log.With().Str("component", "certs").Logger(),
		certs:  make(map[string]models.Certificate),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certs directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read certificate")
			continue
		}
		cert, err := parse(data, entry.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping non-certificate file")
			continue
		}
		s.certs[cert.Name] = cert
	}

	s.logger.Info().Int("count", len(s.certs)).Msg("Root certificates loaded")
	return s, nil
}

// parse derives a certificate record from PEM bytes.
func parse(data []byte, filename string) (models.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return models.Certificate{}, ErrNotPEM
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return models.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	name := parsed.Subject.CommonName
	if name == "" {
		name = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	organisation := ""
	if len(parsed.Issuer.Organization) > 0 {
		organisation = parsed.Issuer.Organization[0]
	}
	return models.Certificate{
		Name:         name,
		Organisation: organisation,
		Filename:     filename,
		NotBefore:    parsed.NotBefore,
		NotAfter:     parsed.NotAfter,
	}, nil
}

// Add validates PEM bytes and persists them under the given filename.
// Duplicate common names are rejected.
func (s *Store) Add(filename string, data []byte) (models.Certificate, error) {
	cert, err := parse(data, filename)
	if err != nil {
		return models.Certificate{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.certs[cert.Name]; exists {
		return models.Certificate{}, fmt.Errorf("%w: %q", ErrDuplicate, cert.Name)
	}
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0644); err != nil {
		return models.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	s.certs[cert.Name] = cert
	s.logger.Info().Str("name", cert.Name).Str("file", filename).Msg("Root certificate added")
	return cert, nil
}

// Delete removes a certificate by common name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[name]
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(s.dir, cert.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove certificate: %w", err)
	}
	delete(s.certs, name)
	s.logger.Info().Str("name", name).Msg("Root certificate deleted")
	return nil
}

// List returns every loaded certificate, ordered by common name.
func (s *Store) List() []models.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		out = append(out, cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dir returns the on-disk root-certs directory, mounted read-only into the
// test-module containers.
func (s *Store) Dir() string {
	return s.dir
}
