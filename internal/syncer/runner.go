// internal/syncer/runner.go
//
// Runner drives periodic sync passes. Passes only run while the control
// session is authenticated; a failed manifest fetch backs the ticker off
// exponentially and a long run of them marks the node stale.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
)

const (
	// DefaultSyncInterval is how often the runner re-syncs the manifest.
	DefaultSyncInterval = 10 * time.Minute

	// maxRunnerBackoff caps exponential backoff on consecutive manifest errors.
	maxRunnerBackoff = 30 * time.Minute
)

// passResult describes what happened during a single tick.
type passResult int

const (
	passOK            passResult = iota // manifest fetched and reconcile completed
	passNotReady                        // session not authenticated, nothing attempted
	passBusy                            // another pass is still running
	passManifestError                   // manifest fetch or decode failed, caller should back off
	passInterrupted                     // ctx ended the pass
)

func (r passResult) String() string {
	switch r {
	case passOK:
		return "ok"
	case passNotReady:
		return "not_ready"
	case passBusy:
		return "busy"
	case passManifestError:
		return "manifest_error"
	case passInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Syncer is what the Runner needs from a Synchronizer.
type Syncer interface {
	SyncOnce(ctx context.Context) (Report, error)
}

type RunnerOptions struct {
	Logger   log.Logger
	Syncer   Syncer
	Interval time.Duration

	// Ready gates every pass; nil means always ready.
	Ready func() bool

	// OnPass is called after each completed pass, on the runner goroutine.
	OnPass func(Report)

	Metrics Metrics

	// StaleThreshold is how long without a successful manifest fetch before
	// the runner reports staleness. Zero defaults to one hour.
	StaleThreshold time.Duration
}

type Runner struct {
	syncer   Syncer
	logger   log.Logger
	interval time.Duration
	ready    func() bool
	onPass   func(Report)
	metrics  Metrics
	trigger  chan struct{}

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	passCount int64
}

// NewRunner creates a sync runner. Call Run to start the loop.
func NewRunner(opts *RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = time.Hour
	}
	return &Runner{
		syncer:         opts.Syncer,
		logger:         opts.Logger.With("component", "sync_runner"),
		interval:       interval,
		ready:          ready,
		onPass:         opts.OnPass,
		metrics:        opts.Metrics,
		trigger:        make(chan struct{}, 1),
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Trigger asks for a pass as soon as the runner is free. Calls made while
// a trigger is already pending are coalesced.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run starts the loop. Blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info(ctx, "sync runner starting", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "sync runner stopping",
				"reason", ctx.Err(),
				"passes", r.passCount,
			)
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}

		result := r.runOnce(ctx)

		if result == passManifestError {
			r.consecutiveErrs++
			d := r.backoffDuration()
			r.logger.Warn(ctx, "sync runner: backing off",
				"consecutive_errors", r.consecutiveErrs,
				"next_pass_in", d.String(),
			)
			ticker.Reset(d)
		} else if result == passOK && r.consecutiveErrs > 0 {
			r.logger.Info(ctx, "sync runner: recovered, resuming normal interval",
				"had_consecutive_errors", r.consecutiveErrs,
			)
			r.consecutiveErrs = 0
			ticker.Reset(r.interval)
		}

		r.checkStale(ctx, result)
	}
}

// runOnce performs a single gated pass.
func (r *Runner) runOnce(ctx context.Context) passResult {
	if !r.ready() {
		r.logger.Debug(ctx, "sync runner: session not authenticated, skipping pass")
		return passNotReady
	}

	r.passCount++
	start := time.Now()
	rep, err := r.syncer.SyncOnce(ctx)
	result := classify(ctx, err)
	if r.metrics != nil {
		r.metrics.ObserveSyncPass(result.String(), time.Since(start).Seconds())
	}

	switch result {
	case passBusy:
		r.logger.Info(ctx, "sync runner: previous pass still running")
		return result
	case passInterrupted:
		return result
	case passManifestError:
		r.logger.Error(ctx, err, "sync runner: manifest fetch failed")
		return result
	}

	now := time.Now()
	r.lastSuccessAt = now
	if r.metrics != nil {
		r.metrics.SetSyncLastSuccess(float64(now.Unix()))
	}

	if r.onPass != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error(ctx, fmt.Errorf("OnPass panic: %v", p),
						"sync runner: OnPass callback panicked, continuing",
					)
				}
			}()
			r.onPass(rep)
		}()
	}
	return passOK
}

func classify(ctx context.Context, err error) passResult {
	switch {
	case err == nil:
		return passOK
	case errors.Is(err, ErrPassInProgress):
		return passBusy
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return passInterrupted
	}
	return passManifestError
}

// checkStale emits one error on the transition into staleness and one
// info on recovery.
func (r *Runner) checkStale(ctx context.Context, result passResult) {
	if result == passOK {
		if r.staleLogged {
			r.logger.Info(ctx, "sync runner: staleness recovered")
			r.staleLogged = false
			if r.metrics != nil {
				r.metrics.SetSyncStale(false)
			}
		}
		return
	}
	if result != passManifestError || r.staleLogged {
		return
	}
	if since := time.Since(r.lastSuccessAt); since > r.staleThreshold {
		r.logger.Error(ctx, fmt.Errorf("last successful manifest fetch was %s ago", since.Truncate(time.Second)),
			"sync runner: manifest is stale, files added upstream are not being mirrored",
		)
		r.staleLogged = true
		if r.metrics != nil {
			r.metrics.SetSyncStale(true)
		}
	}
}

// backoffDuration computes exponential backoff capped at maxRunnerBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc. The multiplier
// is compared before converting so a long outage cannot overflow.
func (r *Runner) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(r.consecutiveErrs))
	if r.interval <= 0 || mult >= float64(maxRunnerBackoff)/float64(r.interval) {
		return maxRunnerBackoff
	}
	return time.Duration(float64(r.interval) * mult)
}
