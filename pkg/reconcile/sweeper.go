// Package reconcile finds and removes objects that no metadata references.
//
// Uploads write the object before committing metadata, so a failed commit
// or a failed purge delete leaves an orphan behind. The sweep is what
// eventually brings the two stores back into agreement. It reads metadata
// but never writes it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/portrait/pkg/assetkey"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/objectstore"
	"github.com/platinummonkey/portrait/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/portrait/pkg/reconcile")

const (
	// DefaultGraceWindow protects objects whose upload may still be committing
	DefaultGraceWindow = 5 * time.Minute
	// DefaultWorkers bounds concurrent deletes during cleanup
	DefaultWorkers = 8
)

// ReferenceSource is the read side of the metadata store
type ReferenceSource interface {
	// ReferencedURLs yields every asset URL held by an active pointer or
	// a history record
	ReferencedURLs(ctx context.Context) iter.Seq2[string, error]
	GetPasswordHash(ctx context.Context, userID string) (string, error)
}

// Config collects the sweeper's collaborators
type Config struct {
	References  ReferenceSource
	Objects     objectstore.Store
	Endpoint    assetkey.Endpoint
	Codec       assetkey.Codec
	GraceWindow time.Duration
	Workers     int
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

// Sweeper runs orphan analysis and gated cleanup
type Sweeper struct {
	refs     ReferenceSource
	objects  objectstore.Store
	endpoint assetkey.Endpoint
	codec    assetkey.Codec
	grace    time.Duration
	workers  int
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewSweeper builds a Sweeper, filling zero values with defaults. A
// negative GraceWindow disables grace protection.
func NewSweeper(cfg Config) *Sweeper {
	s := &Sweeper{
		refs:     cfg.References,
		objects:  cfg.Objects,
		endpoint: cfg.Endpoint,
		codec:    cfg.Codec,
		grace:    cfg.GraceWindow,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if s.codec == (assetkey.Codec{}) {
		s.codec = assetkey.NewCodec("", "")
	}
	if s.grace == 0 {
		s.grace = DefaultGraceWindow
	}
	if s.grace < 0 {
		s.grace = 0
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Report is the result of Analyze. GraceProtected counts orphans that are
// too young for cleanup to remove; they are still included in OrphanKeys.
type Report struct {
	OrphanKeys           []string  `json:"orphan_keys"`
	TotalOrphanBytes     int64     `json:"total_orphan_bytes"`
	ReferencedCount      int       `json:"referenced_count"`
	ListedCount          int       `json:"listed_count"`
	GraceProtected       int       `json:"grace_protected"`
	UnresolvedReferences []string  `json:"unresolved_references"`
	DiscoveredPrefixes   []string  `json:"discovered_prefixes"`
	ScannedAt            time.Time `json:"scanned_at"`
}

// CleanupResult summarizes a cleanup run
type CleanupResult struct {
	Found        int `json:"found"`
	Deleted      int `json:"deleted"`
	Errors       int `json:"errors"`
	Skipped      int `json:"skipped"`
	NotAttempted int `json:"not_attempted"`
}

// scan is one pass over both stores. It is never cached.
type scan struct {
	referenced map[string]struct{}
	unresolved []string
	orphans    []objectstore.Entry
	listed     int
}

func (s *Sweeper) scan(ctx context.Context, op string) (*scan, error) {
	sc := &scan{referenced: make(map[string]struct{})}

	for url, err := range s.refs.ReferencedURLs(ctx) {
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read references: %w", op, err)
		}
		key, err := s.endpoint.ObjectKeyFromURL(url, s.codec)
		if err != nil {
			sc.unresolved = append(sc.unresolved, url)
			continue
		}
		sc.referenced[key.String()] = struct{}{}
	}

	for entry, err := range s.objects.List(ctx, s.codec.Prefix, true) {
		if err != nil {
			return nil, model.E(op, model.ErrStorageReadFailed, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsPrefix() {
			continue
		}
		sc.listed++
		if _, ok := sc.referenced[entry.Key]; !ok {
			sc.orphans = append(sc.orphans, entry)
		}
	}

	sort.Slice(sc.orphans, func(i, j int) bool { return sc.orphans[i].Key < sc.orphans[j].Key })
	sort.Strings(sc.unresolved)
	return sc, nil
}

func (s *Sweeper) protected(e objectstore.Entry, now time.Time) bool {
	return s.grace > 0 && e.LastModified.After(now.Add(-s.grace))
}

// Analyze reports orphaned objects and the bytes they occupy. It
// changes nothing.
func (s *Sweeper) Analyze(ctx context.Context) (*Report, error) {
	const op = "reconcile.Analyze"
	start := time.Now()
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	sc, err := s.scan(ctx, op)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := s.now()
	report := &Report{
		OrphanKeys:           make([]string, 0, len(sc.orphans)),
		ReferencedCount:      len(sc.referenced),
		ListedCount:          sc.listed,
		UnresolvedReferences: sc.unresolved,
		ScannedAt:            now,
	}
	for _, o := range sc.orphans {
		report.OrphanKeys = append(report.OrphanKeys, o.Key)
		report.TotalOrphanBytes += o.Size
		if s.protected(o, now) {
			report.GraceProtected++
		}
	}

	prefixes, err := s.discoverPrefixes(ctx)
	if err != nil {
		return nil, model.E(op, model.ErrStorageReadFailed, err)
	}
	report.DiscoveredPrefixes = prefixes

	span.SetAttributes(
		attribute.Int("sweep.orphans", len(report.OrphanKeys)),
		attribute.Int64("sweep.orphan_bytes", report.TotalOrphanBytes),
	)
	s.metrics.RecordAnalysis(len(report.OrphanKeys), report.TotalOrphanBytes, time.Since(start))

	if len(report.UnresolvedReferences) > 0 {
		s.logger.WithField("count", len(report.UnresolvedReferences)).
			Warn("stored references could not be decoded into object keys")
	}
	return report, nil
}

// discoverPrefixes lists the folder-like prefixes at the bucket root
func (s *Sweeper) discoverPrefixes(ctx context.Context) ([]string, error) {
	var prefixes []string
	for entry, err := range s.objects.List(ctx, "", false) {
		if err != nil {
			return nil, err
		}
		if entry.IsPrefix() {
			prefixes = append(prefixes, entry.CommonPrefix)
		}
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

// Cleanup re-verifies the requester's password, rescans both stores and
// deletes orphans older than the grace window. It refuses to delete
// anything while any stored reference fails to decode.
func (s *Sweeper) Cleanup(ctx context.Context, requesterID, password string) (*CleanupResult, error) {
	const op = "reconcile.Cleanup"
	start := time.Now()
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("requester.id", requesterID)))
	defer span.End()
	defer func() { s.metrics.RecordCleanup(time.Since(start)) }()

	logger := observability.FromContextOr(ctx, s.logger).WithField("requester", requesterID)

	if err := s.authorize(ctx, requesterID, password); err != nil {
		logger.WithError(err).Warn("cleanup authorization failed")
		return nil, err
	}

	sc, err := s.scan(ctx, op)
	if err != nil {
		return nil, err
	}
	if len(sc.unresolved) > 0 {
		logger.WithField("unresolved", len(sc.unresolved)).Warn("cleanup aborted on undecodable references")
		return nil, model.E(op, model.ErrUnresolvedReferences,
			fmt.Errorf("%d stored references could not be decoded", len(sc.unresolved)))
	}

	result := &CleanupResult{Found: len(sc.orphans)}
	now := s.now()
	targets := make([]objectstore.Entry, 0, len(sc.orphans))
	for _, o := range sc.orphans {
		if s.protected(o, now) {
			result.Skipped++
			continue
		}
		targets = append(targets, o)
	}

	var deleted, failed, attempted atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, o := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			attempted.Add(1)
			if err := s.objects.Remove(ctx, o.Key); err != nil {
				failed.Add(1)
				s.metrics.RecordSweepDeletion(observability.ResultError)
				logger.WithField("object_key", o.Key).WithError(err).Warn("failed to delete orphan")
				return nil
			}
			deleted.Add(1)
			s.metrics.RecordSweepDeletion(observability.ResultSuccess)
			return nil
		})
	}
	_ = g.Wait()

	result.Deleted = int(deleted.Load())
	result.Errors = int(failed.Load())
	result.NotAttempted = len(targets) - int(attempted.Load())

	logger.WithFields(map[string]any{
		"found":         result.Found,
		"deleted":       result.Deleted,
		"errors":        result.Errors,
		"skipped":       result.Skipped,
		"not_attempted": result.NotAttempted,
	}).Info("cleanup finished")

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Sweeper) authorize(ctx context.Context, requesterID, password string) error {
	const op = "reconcile.Cleanup"
	hash, err := s.refs.GetPasswordHash(ctx, requesterID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.E(op, model.ErrUnauthorized, errors.New("unknown requester"))
		}
		return fmt.Errorf("%s: failed to load credentials: %w", op, err)
	}
	if hash == "" {
		return model.E(op, model.ErrUnauthorized, errors.New("requester has no password"))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return model.E(op, model.ErrUnauthorized, errors.New("password mismatch"))
	}
	return nil
}
