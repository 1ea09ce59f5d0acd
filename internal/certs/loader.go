package certs

import (
	"crypto/tls"
	"os"
	"sync"
	"time"

	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// Loader serves the pair under Dir to a tls.Config and reloads it when
// cert.pem changes on disk.
type Loader struct {
	Dir string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func NewLoader(dir string) *Loader { return &Loader{Dir: dir} }

// GetCertificate satisfies tls.Config.GetCertificate.
func (l *Loader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return l.current()
}

func (l *Loader) current() (*tls.Certificate, error) {
	certPath, keyPath := Paths(l.Dir)
	info, err := os.Stat(certPath)
	if err != nil {
		return nil, xerrors.Wrapf(err, "stat %s", certPath)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cert != nil && info.ModTime().Equal(l.modTime) {
		return l.cert, nil
	}
	c, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, xerrors.Wrap(err, "load certificate pair")
	}
	l.cert = &c
	l.modTime = info.ModTime()
	return l.cert, nil
}

// TLSConfig returns a server config backed by l.
func (l *Loader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: l.GetCertificate,
	}
}
