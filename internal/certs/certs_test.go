package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSigned builds a self-signed CA PEM for a common name
func selfSigned(t *testing.T, commonName, org string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// TestAddAndList tests loading certificate identity from PEM
func TestAddAndList(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "root_certs"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	cert, err := store.Add("test_ca.pem", selfSigned(t, "Test CA", "Acme Org"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if cert.Name != "Test CA" {
		t.Errorf("Common name = %q", cert.Name)
	}
	if cert.Organisation != "Acme Org" {
		t.Errorf("Issuer organisation = %q", cert.Organisation)
	}
	if !cert.NotAfter.After(cert.NotBefore) {
		t.Error("Validity window is inverted")
	}

	if _, err := os.Stat(filepath.Join(store.dir, "test_ca.pem")); err != nil {
		t.Errorf("PEM file not persisted: %v", err)
	}
	if got := store.List(); len(got) != 1 || got[0].Name != "Test CA" {
		t.Errorf("List = %+v", got)
	}
}

// TestDuplicateCommonName tests rejection of a second cert with the same CN
func TestDuplicateCommonName(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "root_certs"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Add("one.pem", selfSigned(t, "Test CA", "Org")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	_, err = store.Add("two.pem", selfSigned(t, "Test CA", "Org"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Duplicate CN returned %v, expected ErrDuplicate", err)
	}
}

// TestAddRejectsNonPEM tests the PEM guard
func TestAddRejectsNonPEM(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "root_certs"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Add("junk.pem", []byte("not a certificate")); !errors.Is(err, ErrNotPEM) {
		t.Errorf("Non-PEM returned %v, expected ErrNotPEM", err)
	}
}

// TestReloadFromDisk tests that a fresh store sees persisted certificates
// and skips junk files
func TestReloadFromDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "root_certs")
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Add("test_ca.pem", selfSigned(t, "Test CA", "Org")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("junk"), 0644); err != nil {
		t.Fatalf("Failed to seed junk file: %v", err)
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := reloaded.List(); len(got) != 1 || got[0].Name != "Test CA" {
		t.Errorf("Reloaded list = %+v", got)
	}
}

// TestDelete tests removal by common name
func TestDelete(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "root_certs"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Add("test_ca.pem", selfSigned(t, "Test CA", "Org")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := store.Delete("Test CA"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.dir, "test_ca.pem")); !os.IsNotExist(err) {
		t.Error("PEM file survived deletion")
	}
	if err := store.Delete("Test CA"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second delete returned %v, expected ErrNotFound", err)
	}
}
