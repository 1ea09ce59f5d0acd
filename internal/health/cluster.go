package health

import (
	"context"

	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// Condition fails with reason while ok reports false. ok is evaluated on
// every check.
func Condition(ok func() bool, reason string) CheckFunc {
	reason = orDefault(reason, "not ready")
	return func(context.Context) error {
		if ok == nil || !ok() {
			return xerrors.New(reason)
		}
		return nil
	}
}

// NodeReadiness is what a cluster node must satisfy before it takes
// download traffic.
type NodeReadiness struct {
	Gate          *ShutdownGate
	Authenticated func() bool
	Synced        func() bool
}

// Probe checks the shutdown gate first, then the coordinator session, then
// that at least one sync pass has completed.
func (n NodeReadiness) Probe() CheckFunc {
	var gate Probe
	if n.Gate != nil {
		gate = n.Gate.Probe()
	}
	return All(
		gate,
		Condition(n.Authenticated, "coordinator session not authenticated"),
		Condition(n.Synced, "no sync pass completed"),
	)
}
