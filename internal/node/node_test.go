package node

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/openbmclapi-cluster/internal/certs"
	"github.com/keithlinneman/openbmclapi-cluster/internal/session"
)

// node test helpers

type certReply struct {
	cert *session.Certificate
	err  error
}

// fakeSession replays certificate replies in order; the last one repeats.
type fakeSession struct {
	events  chan session.Event
	replies []certReply

	mu       sync.Mutex
	requests int
}

func newFakeSession(replies ...certReply) *fakeSession {
	return &fakeSession{events: make(chan session.Event, 8), replies: replies}
}

func (f *fakeSession) Events() <-chan session.Event { return f.events }
func (f *fakeSession) State() session.State         { return session.Authenticated }

func (f *fakeSession) RequestCertificate(ctx context.Context) (*session.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.requests
	f.requests++
	if len(f.replies) == 0 {
		return nil, session.ErrAckTimeout
	}
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i].cert, f.replies[i].err
}

func (f *fakeSession) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type countingTrigger struct{ n atomic.Int64 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type certMetrics struct {
	mu      sync.Mutex
	results []string
}

func (m *certMetrics) IncCertRequest(result string) {
	m.mu.Lock()
	m.results = append(m.results, result)
	m.mu.Unlock()
}

func testCert(t *testing.T) *session.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "node.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, _ := x509.MarshalPKCS8PrivateKey(key)
	return &session.Certificate{
		Cert: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		Key:  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
	}
}

func runAsync(n *Node, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

// Run

func TestRun_FatalEventEndsRun(t *testing.T) {
	tests := []session.Event{
		{Kind: session.EventDisconnect, Name: "server disconnect"},
		{Kind: session.EventError, Name: "transport", Err: errors.New("read: connection reset")},
	}
	for _, ev := range tests {
		t.Run(ev.Name, func(t *testing.T) {
			s := newFakeSession()
			n := New(Options{Session: s, BYOC: true})
			done := runAsync(n, context.Background())

			s.events <- session.Event{Kind: session.EventMessage, Name: "message"}
			s.events <- session.Event{Kind: session.EventPush, Name: "warden-error"}
			s.events <- ev

			err := waitRun(t, done)
			var fe *session.FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("Run = %v, want FatalError", err)
			}
			if ev.Err != nil && !errors.Is(err, ev.Err) {
				t.Fatalf("FatalError should wrap the transport error, got %v", err)
			}
		})
	}
}

func TestRun_ClosedEventsIsFatal(t *testing.T) {
	s := newFakeSession()
	n := New(Options{Session: s, BYOC: true})
	done := runAsync(n, context.Background())

	close(s.events)
	var fe *session.FatalError
	if err := waitRun(t, done); !errors.As(err, &fe) {
		t.Fatalf("Run = %v, want FatalError", err)
	}
}

func TestRun_CancelReturnsNil(t *testing.T) {
	s := newFakeSession()
	n := New(Options{Session: s, BYOC: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(n, ctx)

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}

func TestRun_TriggersInitialSync(t *testing.T) {
	trig := &countingTrigger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(New(Options{Session: newFakeSession(), Sync: trig, BYOC: true}), ctx)
	cancel()
	waitRun(t, done)
	if trig.n.Load() != 1 {
		t.Fatalf("triggers = %d, want 1", trig.n.Load())
	}
}

func TestRun_ProvisionsCertificateWhenNotBYOC(t *testing.T) {
	dir := t.TempDir()
	s := newFakeSession(certReply{cert: testCert(t)})
	n := New(Options{Session: s, CertDir: dir, CertBackoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(n, ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !n.CertificateReady() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	waitRun(t, done)

	if !n.CertificateReady() || !certs.Exists(dir) {
		t.Fatal("certificate not provisioned")
	}
}

func TestRun_BYOCSkipsProvisioning(t *testing.T) {
	s := newFakeSession(certReply{cert: testCert(t)})
	n := New(Options{Session: s, CertDir: t.TempDir(), BYOC: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(n, ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	waitRun(t, done)

	if s.requestCount() != 0 {
		t.Fatalf("requests = %d, want 0 with BYOC", s.requestCount())
	}
}

func TestNew_ExistingCertificateIsReady(t *testing.T) {
	dir := t.TempDir()
	c := testCert(t)
	if err := certs.Save(dir, certs.Pair{CertPEM: []byte(c.Cert), KeyPEM: []byte(c.Key)}); err != nil {
		t.Fatal(err)
	}
	s := newFakeSession()
	n := New(Options{Session: s, CertDir: dir})
	if !n.CertificateReady() {
		t.Fatal("existing certificate not detected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(n, ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	waitRun(t, done)
	if s.requestCount() != 0 {
		t.Fatal("certificate requested although one exists")
	}
}

// ProvisionCertificate

func TestProvisionCertificate_RetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	m := &certMetrics{}
	s := newFakeSession(
		certReply{err: session.ErrAckTimeout},
		certReply{cert: &session.Certificate{Cert: "garbage", Key: "garbage"}},
		certReply{cert: testCert(t)},
	)
	n := New(Options{Session: s, CertDir: dir, CertBackoff: time.Millisecond, Metrics: m})

	if err := n.ProvisionCertificate(context.Background()); err != nil {
		t.Fatalf("ProvisionCertificate: %v", err)
	}
	if s.requestCount() != 3 {
		t.Fatalf("requests = %d, want 3", s.requestCount())
	}
	want := []string{"error", "invalid", "ok"}
	if len(m.results) != len(want) {
		t.Fatalf("metrics = %v, want %v", m.results, want)
	}
	for i := range want {
		if m.results[i] != want[i] {
			t.Fatalf("metrics = %v, want %v", m.results, want)
		}
	}
}

func TestProvisionCertificate_GivesUp(t *testing.T) {
	dir := t.TempDir()
	s := newFakeSession(certReply{err: session.ErrAckTimeout})
	n := New(Options{Session: s, CertDir: dir, CertBackoff: time.Millisecond})

	err := n.ProvisionCertificate(context.Background())
	if !errors.Is(err, session.ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	if s.requestCount() != DefaultCertAttempts {
		t.Fatalf("requests = %d, want %d", s.requestCount(), DefaultCertAttempts)
	}
	if n.CertificateReady() || certs.Exists(dir) {
		t.Fatal("nothing should be persisted on failure")
	}
}

func TestProvisionCertificate_ClosedSessionStopsRetrying(t *testing.T) {
	s := newFakeSession(certReply{err: session.ErrClosed})
	n := New(Options{Session: s, CertDir: t.TempDir(), CertBackoff: time.Millisecond})

	if err := n.ProvisionCertificate(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if s.requestCount() != 1 {
		t.Fatalf("requests = %d, want 1", s.requestCount())
	}
}

func TestProvisionCertificate_NoDir(t *testing.T) {
	n := New(Options{Session: newFakeSession()})
	if err := n.ProvisionCertificate(context.Background()); err == nil {
		t.Fatal("expected error without cert dir")
	}
}
