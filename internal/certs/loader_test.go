package certs

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func TestLoader_MissingPair(t *testing.T) {
	l := NewLoader(t.TempDir())
	if _, err := l.GetCertificate(nil); err == nil {
		t.Fatal("expected error with no certificate on disk")
	}
}

func TestLoader_LoadsAfterSave(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)
	if _, err := l.GetCertificate(nil); err == nil {
		t.Fatal("expected error before Save")
	}

	if err := Save(dir, selfSigned(t)); err != nil {
		t.Fatal(err)
	}
	c, err := l.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	again, _ := l.GetCertificate(nil)
	if c != again {
		t.Fatal("unchanged pair should be served from cache")
	}
}

func TestLoader_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, selfSigned(t)); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(dir)
	first, err := l.GetCertificate(nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := Save(dir, selfSigned(t)); err != nil {
		t.Fatal(err)
	}
	certPath, _ := Paths(dir)
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(certPath, future, future); err != nil {
		t.Fatal(err)
	}

	second, err := l.GetCertificate(nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Fatal("replaced certificate was not reloaded")
	}
}

func TestLoader_TLSConfig(t *testing.T) {
	cfg := NewLoader(t.TempDir()).TLSConfig()
	if cfg.GetCertificate == nil {
		t.Fatal("GetCertificate not wired")
	}
}
