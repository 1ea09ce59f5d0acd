package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// Probe is evaluated on every request. A non-nil error is the reason the
// check fails and is returned to the caller verbatim.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	err := xerrors.New(orDefault(reason, "unhealthy"))
	return func(context.Context) error { return err }
}

// All passes when every non-nil probe passes. Probes run in order and the
// first failure wins.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness once Set. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate; reason is what readiness reports.
func (g *ShutdownGate) Set(reason string) {
	r := orDefault(reason, "draining")
	g.reason.Store(&r)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

// Draining reports whether the gate is closed.
func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
