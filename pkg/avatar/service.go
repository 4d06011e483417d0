// Package avatar implements the upload pipeline and the detach operation.
//
// An upload writes the processed image to the object store first and then
// records it in one metadata transaction. If that transaction fails, the
// object is left behind as an orphan for the reconciliation sweep.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/portrait/pkg/assetkey"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/objectstore"
	"github.com/platinummonkey/portrait/pkg/observability"
	"github.com/platinummonkey/portrait/pkg/retention"
	"github.com/platinummonkey/portrait/pkg/transform"
	"github.com/platinummonkey/portrait/pkg/userlock"
)

var tracer = otel.Tracer("github.com/platinummonkey/portrait/pkg/avatar")

// RateLimit caps uploads per user within a sliding window.
// A non-positive Max disables the limit.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// DefaultRateLimit allows two uploads per day
func DefaultRateLimit() RateLimit {
	return RateLimit{Max: 2, Window: 24 * time.Hour}
}

// Config collects the service's collaborators
type Config struct {
	Metadata    Metadata
	Objects     objectstore.Store
	Codec       assetkey.Codec
	Endpoint    assetkey.Endpoint
	Transformer transform.Transformer
	Policy      retention.Policy
	Locker      userlock.Locker
	RateLimit   RateLimit
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

// Service runs avatar uploads and detaches
type Service struct {
	meta        Metadata
	objects     objectstore.Store
	codec       assetkey.Codec
	endpoint    assetkey.Endpoint
	transformer transform.Transformer
	policy      retention.Policy
	locker      userlock.Locker
	rateLimit   RateLimit
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService builds a Service. Locker defaults to an in-process lock,
// Logger to a no-op logger and Now to time.Now.
func NewService(cfg Config) *Service {
	s := &Service{
		meta:        cfg.Metadata,
		objects:     cfg.Objects,
		codec:       cfg.Codec,
		endpoint:    cfg.Endpoint,
		transformer: cfg.Transformer,
		policy:      cfg.Policy,
		locker:      cfg.Locker,
		rateLimit:   cfg.RateLimit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if s.codec == (assetkey.Codec{}) {
		s.codec = assetkey.NewCodec("", "")
	}
	if s.locker == nil {
		s.locker = userlock.NewLocal()
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// UploadRequest is one avatar upload
type UploadRequest struct {
	UserID        string
	Data          []byte
	RequesterRole model.Role
}

// UploadResult describes a committed upload
type UploadResult struct {
	AssetURL string              `json:"asset_url"`
	Record   model.HistoryRecord `json:"record"`
	Purged   int                 `json:"purged"`
	// PurgeFailures lists object keys (or unmanaged URLs) of purged records
	// whose objects could not be deleted; the sweep reclaims them
	PurgeFailures []string `json:"purge_failures"`
}

// PurgeErr returns a model.ErrPartialPurgeFailure error when any purged
// object survived, nil otherwise
func (r *UploadResult) PurgeErr() error {
	if len(r.PurgeFailures) == 0 {
		return nil
	}
	return model.E("avatar.Upload", model.ErrPartialPurgeFailure,
		fmt.Errorf("%d purged objects not deleted", len(r.PurgeFailures)))
}

// Upload validates, compresses and stores a new avatar for req.UserID,
// makes it active and enforces retention on the user's history
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "avatar.Upload", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("upload.size", len(req.Data)),
	))
	defer span.End()

	result, err := s.upload(ctx, req)
	s.metrics.RecordUpload(uploadResultLabel(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("upload.purged", result.Purged))
	return result, nil
}

func (s *Service) upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	const op = "avatar.Upload"
	logger := observability.FromContextOr(ctx, s.logger).WithField("target_user", req.UserID)

	if !assetkey.ValidUserID(req.UserID) {
		return nil, model.E(op, model.ErrInvalidAsset, fmt.Errorf("user id %q cannot be stored", req.UserID))
	}

	unlock, err := s.locker.Lock(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire upload lock: %w", err)
	}
	defer unlock()

	now := s.now()

	limited := !req.RequesterRole.IsAdmin() && s.rateLimit.Max > 0
	if limited {
		recent, err := s.meta.CountRecentHistory(ctx, req.UserID, s.rateLimit.Window)
		if err != nil {
			return nil, model.E(op, model.ErrMetadataTransactionFailed, err)
		}
		if err := s.checkRate(op, recent); err != nil {
			return nil, err
		}
	}

	out, err := s.transformer.Process(req.Data)
	if err != nil {
		if errors.Is(err, model.ErrInvalidAsset) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to process image: %w", err)
	}

	key, err := s.codec.Generate(req.UserID, now)
	if err != nil {
		return nil, model.E(op, model.ErrInvalidAsset, err)
	}
	objectKey := key.String()

	if err := s.objects.EnsureBucket(ctx); err != nil {
		return nil, model.E(op, model.ErrStorageWriteFailed, err)
	}
	if err := s.objects.Put(ctx, objectKey, out.Data, out.ContentType); err != nil {
		return nil, model.E(op, model.ErrStorageWriteFailed, err)
	}

	url := s.endpoint.URL(objectKey)
	var (
		record model.HistoryRecord
		purged []model.HistoryRecord
	)
	err = s.meta.InTx(ctx, func(tx Tx) error {
		if err := tx.LockUser(ctx, req.UserID); err != nil {
			return err
		}
		if limited {
			recent, err := tx.CountRecentHistory(ctx, req.UserID, s.rateLimit.Window)
			if err != nil {
				return err
			}
			if err := s.checkRate(op, recent); err != nil {
				return err
			}
		}
		count, err := tx.CountHistory(ctx, req.UserID)
		if err != nil {
			return err
		}
		record, err = tx.InsertHistory(ctx, req.UserID, url, count == 0)
		if err != nil {
			return err
		}
		if err := tx.SetActiveAsset(ctx, req.UserID, &url); err != nil {
			return err
		}
		purged, err = tx.ListPurgeCandidates(ctx, req.UserID, s.policy)
		if err != nil {
			return err
		}
		for _, r := range purged {
			if err := tx.DeleteHistory(ctx, r.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, model.ErrRateLimited) {
		// lost the race to a concurrent upload; the object was never referenced
		if rmErr := s.objects.Remove(context.WithoutCancel(ctx), objectKey); rmErr != nil {
			logger.WithField("object_key", objectKey).WithError(rmErr).
				Warn("failed to remove rate limited upload, object left for reconciliation")
		}
		return nil, err
	}
	if err != nil {
		logger.WithField("object_key", objectKey).WithError(err).
			Warn("metadata transaction failed, uploaded object left for reconciliation")
		kind := model.ErrMetadataTransactionFailed
		if errors.Is(err, model.ErrNotFound) {
			kind = model.ErrNotFound
		}
		return nil, model.E(op, kind, err)
	}

	// committed; a disconnecting client must not cut purge deletes short
	failures := s.purgeObjects(context.WithoutCancel(ctx), logger, purged)
	s.metrics.RecordPurge(len(purged), len(failures))

	logger.WithFields(map[string]any{
		"object_key":  objectKey,
		"is_original": record.IsOriginal,
		"purged":      len(purged),
	}).Info("avatar uploaded")

	return &UploadResult{
		AssetURL:      url,
		Record:        record,
		Purged:        len(purged),
		PurgeFailures: failures,
	}, nil
}

func (s *Service) checkRate(op string, recent int) error {
	if recent >= s.rateLimit.Max {
		return model.E(op, model.ErrRateLimited,
			fmt.Errorf("%d uploads within %s", recent, s.rateLimit.Window))
	}
	return nil
}

// purgeObjects deletes the objects behind purged records. Failures are
// logged and returned; they never fail the upload.
func (s *Service) purgeObjects(ctx context.Context, logger *observability.Logger, purged []model.HistoryRecord) []string {
	var failures []string
	for _, r := range purged {
		key, err := s.endpoint.ObjectKeyFromURL(r.AssetURL, s.codec)
		if err != nil {
			logger.WithField("asset_url", r.AssetURL).WithError(err).
				Warn("purged record references an unmanaged url")
			failures = append(failures, r.AssetURL)
			continue
		}
		if err := s.objects.Remove(ctx, key.String()); err != nil {
			logger.WithField("object_key", key.String()).
				WithError(model.E("avatar.Upload", model.ErrPartialPurgeFailure, err)).
				Warn("failed to delete purged object")
			failures = append(failures, key.String())
		}
	}
	return failures
}

// Detach clears the user's active avatar. History and stored objects are
// untouched, so the previous versions stay referenced.
func (s *Service) Detach(ctx context.Context, userID string) error {
	const op = "avatar.Detach"

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to acquire upload lock: %w", err)
	}
	defer unlock()

	if err := s.meta.SetActiveAsset(ctx, userID, nil); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return model.E(op, model.ErrMetadataTransactionFailed, err)
	}
	observability.FromContextOr(ctx, s.logger).WithField("target_user", userID).Info("avatar detached")
	return nil
}

// History lists the user's stored versions, newest first
func (s *Service) History(ctx context.Context, userID string) ([]model.HistoryRecord, error) {
	if _, err := s.meta.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	records, err := s.meta.ListHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return records, nil
}

// Current returns the user with their active asset URL
func (s *Service) Current(ctx context.Context, userID string) (*model.User, error) {
	return s.meta.GetUser(ctx, userID)
}

func uploadResultLabel(err error) string {
	switch model.KindOf(err) {
	case nil:
		if err != nil {
			return observability.ResultError
		}
		return observability.ResultSuccess
	case model.ErrRateLimited:
		return observability.ResultRateLimited
	case model.ErrInvalidAsset:
		return observability.ResultInvalid
	case model.ErrStorageWriteFailed:
		return observability.ResultStorage
	default:
		return observability.ResultMetadata
	}
}
