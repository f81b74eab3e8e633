package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox/payloads"
	pkgpagination "github.com/fitstream-app/fitstream-backend/pkg/pagination"
)

type catalogRepository interface {
	FindAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	CreateVariantTx(tx *gorm.DB, variant *models.AssetVariant) error
	ListVariants(ctx context.Context, assetID uuid.UUID) ([]models.AssetVariant, error)
	ListVariantsTx(tx *gorm.DB, assetID uuid.UUID) ([]models.AssetVariant, error)
	FindVariant(ctx context.Context, assetID uuid.UUID, quality enums.Quality) (*models.AssetVariant, error)
	MarkPublishedTx(tx *gorm.DB, assetID uuid.UUID) (bool, error)
	ListAssets(ctx context.Context, params pkgpagination.Params) ([]models.Asset, error)
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// assetCache is the invalidation collaborator. The catalog only signals; the
// cache owns its own eviction.
type assetCache interface {
	InvalidateAsset(ctx context.Context, assetID string) error
	IncrPlayCount(ctx context.Context, assetID string) (int64, error)
}

// RecordSuccessInput carries the output descriptor of a completed job.
type RecordSuccessInput struct {
	AssetID    uuid.UUID
	JobID      uuid.UUID
	Quality    enums.Quality
	Path       string
	SizeBytes  int64
	Resolution string
	Bitrate    int64
}

// Entry is one catalog read: the asset plus its available variants.
type Entry struct {
	Asset    *models.Asset
	Variants []models.AssetVariant
}

// ListResult is one page of assets.
type ListResult struct {
	Assets     []models.Asset
	NextCursor string
}

// PlayInfo tells a client what to play. When the requested quality has no
// rendition yet the URL points at the source file.
type PlayInfo struct {
	URL       string
	Quality   string
	Available []string
}

// Service is the asset catalog: the single writer-of-record for published
// quality variants.
type Service interface {
	RecordSuccess(ctx context.Context, input RecordSuccessInput) error
	IsAvailable(ctx context.Context, assetID uuid.UUID, quality enums.Quality) (bool, error)
	GetEntry(ctx context.Context, assetID uuid.UUID) (*Entry, error)
	PlayURL(ctx context.Context, assetID uuid.UUID, quality enums.Quality) (*PlayInfo, error)
	ListAssets(ctx context.Context, params pkgpagination.Params) (*ListResult, error)
}

type service struct {
	repo          catalogRepository
	outbox        eventEmitter
	tx            txRunner
	cache         assetCache
	log           *logger.Logger
	qualities     []enums.Quality
	publishPolicy string
	mediaBaseURL  string
	producer      string
}

// NewService builds the catalog service. The cache may be nil; invalidation
// and play counting become no-ops.
func NewService(repo catalogRepository, emitter eventEmitter, tx txRunner, cache assetCache, log *logger.Logger, cfg config.PipelineConfig, mediaBaseURL, producer string) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	qualities := make([]enums.Quality, 0, len(cfg.Qualities))
	for _, raw := range cfg.Qualities {
		quality, err := enums.ParseQuality(raw)
		if err != nil {
			return nil, err
		}
		qualities = append(qualities, quality)
	}
	if len(qualities) == 0 {
		return nil, fmt.Errorf("at least one quality required")
	}
	return &service{
		repo:          repo,
		outbox:        emitter,
		tx:            tx,
		cache:         cache,
		log:           log,
		qualities:     qualities,
		publishPolicy: cfg.PublishPolicy,
		mediaBaseURL:  strings.TrimRight(mediaBaseURL, "/"),
		producer:      producer,
	}, nil
}

// RecordSuccess appends the quality entry, queues the variant event, and
// applies the publish policy, all in one transaction. Cache invalidation is
// signaled after commit, fire-and-forget.
func (s *service) RecordSuccess(ctx context.Context, input RecordSuccessInput) error {
	ctx = s.log.WithAssetID(ctx, input.AssetID.String())

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		variant := &models.AssetVariant{
			AssetID:    input.AssetID,
			Quality:    string(input.Quality),
			Path:       input.Path,
			SizeBytes:  input.SizeBytes,
			Resolution: input.Resolution,
			Bitrate:    input.Bitrate,
		}
		if err := s.repo.CreateVariantTx(tx, variant); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAssetVariantReady,
			AggregateType: enums.AggregateAsset,
			AggregateID:   input.AssetID,
			Producer:      s.producer,
			Data: payloads.AssetVariantReadyEvent{
				AssetID:    input.AssetID,
				JobID:      input.JobID,
				Quality:    input.Quality,
				Path:       input.Path,
				SizeBytes:  input.SizeBytes,
				Resolution: input.Resolution,
				Bitrate:    int(input.Bitrate),
			},
			Version: 1,
		}); err != nil {
			return err
		}

		variants, err := s.repo.ListVariantsTx(tx, input.AssetID)
		if err != nil {
			return err
		}
		if !s.publishSatisfied(variants) {
			return nil
		}
		flipped, err := s.repo.MarkPublishedTx(tx, input.AssetID)
		if err != nil {
			return err
		}
		if !flipped {
			return nil
		}
		available := make([]enums.Quality, 0, len(variants))
		for _, v := range variants {
			available = append(available, enums.Quality(v.Quality))
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAssetPublished,
			AggregateType: enums.AggregateAsset,
			AggregateID:   input.AssetID,
			Producer:      s.producer,
			Data: payloads.AssetPublishedEvent{
				AssetID:     input.AssetID,
				Qualities:   available,
				PublishedAt: time.Now().UTC(),
			},
			Version: 1,
		})
	})
	if err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.InvalidateAsset(ctx, input.AssetID.String()); err != nil {
			s.log.Warn(ctx, "asset cache invalidation failed")
		}
	}
	s.log.Info(ctx, "quality variant recorded")
	return nil
}

func (s *service) publishSatisfied(variants []models.AssetVariant) bool {
	if s.publishPolicy == config.PublishPolicyAll {
		present := make(map[string]bool, len(variants))
		for _, v := range variants {
			present[v.Quality] = true
		}
		for _, quality := range s.qualities {
			if !present[string(quality)] {
				return false
			}
		}
		return true
	}
	return len(variants) > 0
}

// IsAvailable answers only from variant rows; a quality whose job has not
// reached the success terminal has no row and reads as unavailable.
func (s *service) IsAvailable(ctx context.Context, assetID uuid.UUID, quality enums.Quality) (bool, error) {
	_, err := s.repo.FindVariant(ctx, assetID, quality)
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *service) GetEntry(ctx context.Context, assetID uuid.UUID) (*Entry, error) {
	asset, err := s.repo.FindAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	variants, err := s.repo.ListVariants(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return &Entry{Asset: asset, Variants: variants}, nil
}

// PlayURL resolves the playback location for the requested quality, serving
// the source file when no rendition exists yet, and bumps the play counter.
// Counting is best effort and never fails the request.
func (s *service) PlayURL(ctx context.Context, assetID uuid.UUID, quality enums.Quality) (*PlayInfo, error) {
	asset, err := s.repo.FindAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	variants, err := s.repo.ListVariants(ctx, assetID)
	if err != nil {
		return nil, err
	}

	info := &PlayInfo{
		Quality: "source",
		URL:     fmt.Sprintf("%s/%s/source%s", s.mediaBaseURL, assetID, path.Ext(asset.SourcePath)),
	}
	for _, variant := range variants {
		info.Available = append(info.Available, variant.Quality)
		if variant.Quality == quality.String() {
			info.Quality = variant.Quality
			info.URL = fmt.Sprintf("%s/%s/%s.mp4", s.mediaBaseURL, assetID, variant.Quality)
		}
	}

	if s.cache != nil {
		if _, err := s.cache.IncrPlayCount(ctx, assetID.String()); err != nil {
			s.log.Warn(s.log.WithAssetID(ctx, assetID.String()), "play counter bump failed")
		}
	}
	return info, nil
}

func (s *service) ListAssets(ctx context.Context, params pkgpagination.Params) (*ListResult, error) {
	assets, err := s.repo.ListAssets(ctx, params)
	if err != nil {
		return nil, err
	}
	limit := pkgpagination.NormalizeLimit(params.Limit)
	result := &ListResult{Assets: assets}
	if len(assets) > limit {
		result.Assets = assets[:limit]
		last := result.Assets[limit-1]
		result.NextCursor = pkgpagination.EncodeCursor(pkgpagination.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}
	return result, nil
}
