// Package syncer keeps the content store in line with the coordinator's
// manifest. A pass snapshots which hashes are missing, then fetches them
// through a bounded worker pool with per-file retries. At most one fetch
// per hash is in flight at any time.
package syncer

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/openbmclapi-cluster/internal/coordinator"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/store"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const (
	DefaultWorkers  = 10
	DefaultMaxTries = 3

	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second

	// DefaultFlightTimeout bounds a shared download, retries included.
	// Callers stop waiting on their own contexts; the flight ends here.
	DefaultFlightTimeout = 15 * time.Minute
)

// ErrPassInProgress is returned by Reconcile when another pass is running.
var ErrPassInProgress = errors.New("syncer: reconcile pass already in progress")

// ManifestSource fetches the authoritative file list.
type ManifestSource interface {
	FetchManifest(ctx context.Context) ([]coordinator.Entry, error)
}

// FileSource opens the bytes for one manifest entry. Errors implementing
// Permanent() bool that report true stop retries against that source.
type FileSource interface {
	Name() string
	Open(ctx context.Context, e coordinator.Entry) (io.ReadCloser, error)
}

// Metrics is implemented by the metrics package to observe sync behavior.
type Metrics interface {
	ObserveSyncPass(result string, seconds float64)
	AddSyncFiles(outcome string, n int)
	IncFileFetch(source, result string)
	AddFetchedBytes(n int64)
	SetManifestEntries(n int)
	SetSyncLastSuccess(unixSeconds float64)
	SetSyncStale(stale bool)
}

// Report summarizes one reconcile pass.
type Report struct {
	Fetched    int       `json:"fetched"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Manifest   int       `json:"manifest_entries"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Options struct {
	Logger   log.Logger
	Manifest ManifestSource

	// Sources are tried in order for every missing file
	Sources []FileSource
	Store   *store.Store

	Workers        int
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FlightTimeout  time.Duration

	Metrics Metrics
}

type Synchronizer struct {
	manifest ManifestSource
	sources  []FileSource
	store    *store.Store
	logger   log.Logger
	metrics  Metrics

	workers        int
	maxTries       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	flightTimeout  time.Duration

	inflight singleflight.Group
	// verified size per hash when it disagrees with the manifest
	verifiedSize sync.Map
	running  atomic.Bool

	lastReport   atomic.Pointer[Report]
	manifestSize atomic.Int64
}

var tracer = otel.Tracer("github.com/keithlinneman/openbmclapi-cluster/internal/syncer")

// New validates opts and returns a Synchronizer.
func New(opts Options) (*Synchronizer, error) {
	if opts.Store == nil {
		return nil, xerrors.New("Store is required")
	}
	if len(opts.Sources) == 0 {
		return nil, xerrors.New("at least one file source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = DefaultFlightTimeout
	}
	return &Synchronizer{
		manifest:       opts.Manifest,
		sources:        opts.Sources,
		store:          opts.Store,
		logger:         opts.Logger.With("component", "syncer"),
		metrics:        opts.Metrics,
		workers:        opts.Workers,
		maxTries:       opts.MaxTries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		flightTimeout:  opts.FlightTimeout,
	}, nil
}

// FetchManifest pulls the manifest from the configured source.
func (s *Synchronizer) FetchManifest(ctx context.Context) ([]coordinator.Entry, error) {
	if s.manifest == nil {
		return nil, xerrors.New("no manifest source configured")
	}
	entries, err := s.manifest.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	s.manifestSize.Store(int64(len(entries)))
	if s.metrics != nil {
		s.metrics.SetManifestEntries(len(entries))
	}
	return entries, nil
}

// SyncOnce fetches the manifest and reconciles against it.
func (s *Synchronizer) SyncOnce(ctx context.Context) (Report, error) {
	entries, err := s.FetchManifest(ctx)
	if err != nil {
		return Report{}, err
	}
	return s.Reconcile(ctx, entries)
}

// Reconcile fetches every manifest entry that is absent from the store or
// present with a different size. The missing set is decided once, up front.
// Individual file failures are counted, not returned; the error is non-nil
// only when the pass could not run or ctx ended it early.
func (s *Synchronizer) Reconcile(ctx context.Context, manifest []coordinator.Entry) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	ctx, span := tracer.Start(ctx, "syncer.Reconcile")
	defer span.End()

	rep := Report{Manifest: len(manifest), StartedAt: time.Now().UTC()}
	missing := s.snapshotMissing(manifest, &rep)

	s.logger.Info(ctx, "reconcile pass starting",
		"manifest_entries", len(manifest),
		"missing", len(missing),
		"skipped", rep.Skipped,
	)

	var fetched, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	scheduled := 0
	for _, e := range missing {
		if ctx.Err() != nil {
			break
		}
		scheduled++
		g.Go(func() error {
			if _, err := s.FetchAndVerify(ctx, e); err != nil {
				failed.Add(1)
				s.logger.Warn(ctx, "file sync failed",
					"path", e.Path,
					"hash", e.Hash,
					"error", err.Error(),
				)
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	g.Wait()

	rep.Fetched = int(fetched.Load())
	// entries never scheduled because ctx ended count as failed
	rep.Failed = int(failed.Load()) + len(missing) - scheduled
	rep.FinishedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.Int("sync.manifest_entries", rep.Manifest),
		attribute.Int("sync.fetched", rep.Fetched),
		attribute.Int("sync.failed", rep.Failed),
		attribute.Int("sync.skipped", rep.Skipped),
	)
	if s.metrics != nil {
		s.metrics.AddSyncFiles("fetched", rep.Fetched)
		s.metrics.AddSyncFiles("failed", rep.Failed)
		s.metrics.AddSyncFiles("skipped", rep.Skipped)
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return rep, xerrors.Wrap(err, "reconcile interrupted")
	}

	s.lastReport.Store(&rep)
	s.logger.Info(ctx, "reconcile pass finished",
		"fetched", rep.Fetched,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"duration", rep.FinishedAt.Sub(rep.StartedAt).String(),
	)
	return rep, nil
}

// snapshotMissing decides the pass's work list. Entries sharing a hash
// are fetched once and the rest count as skipped.
func (s *Synchronizer) snapshotMissing(manifest []coordinator.Entry, rep *Report) []coordinator.Entry {
	var missing []coordinator.Entry
	queued := make(map[string]struct{})
	for _, e := range manifest {
		key := strings.ToLower(e.Hash)
		if _, dup := queued[key]; dup {
			rep.Skipped++
			continue
		}
		if s.satisfied(e) {
			rep.Skipped++
			continue
		}
		queued[key] = struct{}{}
		missing = append(missing, e)
	}
	return missing
}

// satisfied reports whether the store already holds e. A file whose bytes
// verified against the hash but whose size differs from the manifest is
// accepted at its verified size, so it is downloaded once, not every pass.
func (s *Synchronizer) satisfied(e coordinator.Entry) bool {
	cf, err := s.store.Stat(e.Hash)
	if err != nil {
		return false
	}
	if cf.SizeBytes == e.Size {
		return true
	}
	v, ok := s.verifiedSize.Load(strings.ToLower(e.Hash))
	return ok && v.(int64) == cf.SizeBytes
}

// FetchAndVerify makes e's hash present in the store. Concurrent calls for
// the same hash share one download. The download runs detached from any
// single caller, so a caller giving up only ends its own wait.
func (s *Synchronizer) FetchAndVerify(ctx context.Context, e coordinator.Entry) (*store.CachedFile, error) {
	ch := s.inflight.DoChan(strings.ToLower(e.Hash), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightTimeout)
		defer cancel()
		return s.fetch(fctx, e)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.CachedFile), nil
	}
}

func (s *Synchronizer) fetch(ctx context.Context, e coordinator.Entry) (*store.CachedFile, error) {
	// a call that lost the race to an earlier flight finds the file here
	if s.satisfied(e) {
		return s.store.Stat(e.Hash)
	}

	var lastErr error
	for _, src := range s.sources {
		cf, err := s.fetchFrom(ctx, src, e)
		if err == nil {
			s.observeFetch(src.Name(), "ok")
			if cf.SizeBytes != e.Size {
				s.verifiedSize.Store(strings.ToLower(e.Hash), cf.SizeBytes)
				s.logger.Warn(ctx, "verified file size differs from manifest",
					"hash", e.Hash,
					"size", cf.SizeBytes,
					"manifest_size", e.Size,
				)
			}
			return cf, nil
		}
		s.observeFetch(src.Name(), "error")
		lastErr = xerrors.Wrapf(err, "fetch %s from %s", e.Hash, src.Name())
		if ctx.Err() != nil {
			break
		}
		s.logger.Debug(ctx, "file source failed, trying next",
			"source", src.Name(),
			"hash", e.Hash,
			"error", err.Error(),
		)
	}
	return nil, lastErr
}

func (s *Synchronizer) fetchFrom(ctx context.Context, src FileSource, e coordinator.Entry) (*store.CachedFile, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff

	op := func() (*store.CachedFile, error) {
		cf, err := s.download(ctx, src, e)
		if err != nil && (isPermanent(err) || ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return cf, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries),
	)
}

// download streams one attempt into a temp file and commits it.
func (s *Synchronizer) download(ctx context.Context, src FileSource, e coordinator.Entry) (*store.CachedFile, error) {
	rc, err := src.Open(ctx, e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := s.store.TempFile()
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, xerrors.Wrapf(err, "download %s", e.Hash)
	}
	if s.metrics != nil {
		s.metrics.AddFetchedBytes(n)
	}

	return s.store.Put(tmpPath, e.Hash)
}

func (s *Synchronizer) observeFetch(source, result string) {
	if s.metrics != nil {
		s.metrics.IncFileFetch(source, result)
	}
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// LastReport returns the most recent completed pass, if any.
func (s *Synchronizer) LastReport() (Report, bool) {
	r := s.lastReport.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// ManifestSize is the entry count of the last fetched manifest.
func (s *Synchronizer) ManifestSize() int { return int(s.manifestSize.Load()) }

// Synced reports whether at least one pass has completed.
func (s *Synchronizer) Synced() bool { return s.lastReport.Load() != nil }
