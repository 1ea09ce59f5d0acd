// Package certs persists the TLS certificate the coordinator issues to the
// node. Both files are replaced atomically so a reader never sees a
// certificate paired with the wrong key.
package certs

import (
	"crypto/tls"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const (
	CertFile = "cert.pem"
	KeyFile  = "key.pem"
)

// Pair is PEM-encoded certificate material.
type Pair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Validate checks that the pair parses as an X.509 certificate and a
// matching private key.
func (p Pair) Validate() error {
	if len(p.CertPEM) == 0 || len(p.KeyPEM) == 0 {
		return xerrors.New("certificate and key are both required")
	}
	if _, err := tls.X509KeyPair(p.CertPEM, p.KeyPEM); err != nil {
		return xerrors.Wrap(err, "parse certificate pair")
	}
	return nil
}

// Paths returns where the pair lives under dir.
func Paths(dir string) (certPath, keyPath string) {
	return filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile)
}

// Save validates p and writes it under dir. The key is written 0600.
func Save(dir string, p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Wrapf(err, "create cert dir %s", dir)
	}
	certPath, keyPath := Paths(dir)
	if err := writeAtomic(keyPath, p.KeyPEM, 0o600); err != nil {
		return err
	}
	return writeAtomic(certPath, p.CertPEM, 0o644)
}

// Exists reports whether a loadable pair is present under dir.
func Exists(dir string) bool {
	_, err := Load(dir)
	return err == nil
}

// Load reads and validates the pair under dir.
func Load(dir string) (Pair, error) {
	certPath, keyPath := Paths(dir)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return Pair{}, xerrors.Wrapf(err, "read %s", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return Pair{}, xerrors.Wrapf(err, "read %s", keyPath)
	}
	p := Pair{CertPEM: certPEM, KeyPEM: keyPEM}
	if err := p.Validate(); err != nil {
		return Pair{}, err
	}
	return p, nil
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return xerrors.Wrapf(err, "create temp for %s", path)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrapf(err, "chmod %s", tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrapf(err, "write %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrapf(err, "sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrapf(err, "close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return xerrors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

// IsMissing reports whether err from Load means no pair was saved yet.
func IsMissing(err error) bool { return errors.Is(err, fs.ErrNotExist) }
