// Package health answers the liveness and readiness endpoints of both
// listeners.
//
// A node is ready for download traffic only while it is not draining, its
// coordinator session is authenticated and at least one sync pass has
// finished. [NodeReadiness] composes those checks; [ShutdownGate] is the
// drain switch flipped on SIGTERM.
package health
