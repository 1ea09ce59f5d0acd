// Package node composes the running cluster node. It owns the dispatch
// loop over coordinator session events, kicks off syncs once the session
// is authenticated and provisions the node certificate when the operator
// does not bring their own.
package node

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keithlinneman/openbmclapi-cluster/internal/certs"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/session"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const (
	DefaultCertAttempts = 3
	defaultCertBackoff  = 2 * time.Second
)

// Session is the part of *session.Session the node drives.
type Session interface {
	Events() <-chan session.Event
	State() session.State
	RequestCertificate(ctx context.Context) (*session.Certificate, error)
}

// SyncTrigger requests a sync pass; satisfied by *syncer.Runner.
type SyncTrigger interface {
	Trigger()
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncCertRequest(result string)
}

type Options struct {
	Logger  log.Logger
	Session Session
	Sync    SyncTrigger

	// CertDir holds cert.pem and key.pem
	CertDir string
	// BYOC means the operator supplies the certificate; none is requested
	BYOC bool

	CertAttempts uint
	CertBackoff  time.Duration

	Metrics Metrics
}

type Node struct {
	opts   Options
	logger log.Logger

	certReady atomic.Bool
}

// New returns a Node. Call Run to start dispatching.
func New(opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.CertAttempts == 0 {
		opts.CertAttempts = DefaultCertAttempts
	}
	if opts.CertBackoff <= 0 {
		opts.CertBackoff = defaultCertBackoff
	}
	n := &Node{opts: opts, logger: opts.Logger.With("component", "node")}
	if opts.CertDir != "" && certs.Exists(opts.CertDir) {
		n.certReady.Store(true)
	}
	return n
}

// CertificateReady reports whether a valid certificate is on disk.
func (n *Node) CertificateReady() bool { return n.certReady.Load() }

// SessionState reports the coordinator session state.
func (n *Node) SessionState() session.State { return n.opts.Session.State() }

// Run dispatches session events until ctx ends or the session fails.
// A session failure is returned as *session.FatalError; a cancelled ctx
// returns nil.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if n.opts.Sync != nil {
		n.opts.Sync.Trigger()
	}

	if !n.opts.BYOC && !n.certReady.Load() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.ProvisionCertificate(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error(ctx, err, "certificate provisioning failed, continuing without certificate",
					"cert_dir", n.opts.CertDir,
				)
			}
		}()
	}

	events := n.opts.Session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &session.FatalError{Reason: "session ended without a disconnect event"}
			}
			if ev.Fatal() {
				return ev.AsFatal()
			}
			n.dispatch(ctx, ev)
		}
	}
}

func (n *Node) dispatch(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventMessage:
		n.logger.Debug(ctx, "coordinator message", "args", argsString(ev))
	default:
		n.logger.Info(ctx, "coordinator push event", "event", ev.Name, "args", argsString(ev))
	}
}

// ProvisionCertificate requests a certificate over the session and saves
// it, retrying up to CertAttempts times. Failure is not fatal to the node.
func (n *Node) ProvisionCertificate(ctx context.Context) error {
	if n.opts.CertDir == "" {
		return xerrors.New("no cert dir configured")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.opts.CertBackoff

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		cert, err := n.opts.Session.RequestCertificate(ctx)
		if err != nil {
			n.observe("error")
			n.logger.Warn(ctx, "certificate request failed", "attempt", attempt, "error", err.Error())
			if ctx.Err() != nil || errors.Is(err, session.ErrClosed) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if err := certs.Save(n.opts.CertDir, certs.Pair{CertPEM: []byte(cert.Cert), KeyPEM: []byte(cert.Key)}); err != nil {
			n.observe("invalid")
			n.logger.Warn(ctx, "coordinator certificate rejected", "attempt", attempt, "error", err.Error())
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(n.opts.CertAttempts),
	); err != nil {
		return xerrors.Wrapf(err, "provision certificate after %d attempts", attempt)
	}

	n.observe("ok")
	n.certReady.Store(true)
	certPath, _ := certs.Paths(n.opts.CertDir)
	n.logger.Info(ctx, "certificate provisioned", "path", certPath)
	return nil
}

func (n *Node) observe(result string) {
	if n.opts.Metrics != nil {
		n.opts.Metrics.IncCertRequest(result)
	}
}

func argsString(ev session.Event) string {
	parts := make([]string, len(ev.Args))
	for i, a := range ev.Args {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}
