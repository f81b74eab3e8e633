package catalog

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
	pkgpagination "github.com/fitstream-app/fitstream-backend/pkg/pagination"
)

type fakeCache struct {
	invalidated []string
	plays       map[string]int64
}

func (f *fakeCache) InvalidateAsset(_ context.Context, assetID string) error {
	f.invalidated = append(f.invalidated, assetID)
	return nil
}

func (f *fakeCache) IncrPlayCount(_ context.Context, assetID string) (int64, error) {
	if f.plays == nil {
		f.plays = make(map[string]int64)
	}
	f.plays[assetID]++
	return f.plays[assetID], nil
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:catalog_test?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.Asset{}, &models.AssetVariant{}, &models.OutboxEvent{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		for _, table := range []string{"outbox_events", "asset_variants", "assets"} {
			conn.Exec("DELETE FROM " + table)
		}
	})
	return conn
}

func newTestService(t *testing.T, conn *gorm.DB, policy string) (Service, *fakeCache) {
	t.Helper()
	log := logger.New(logger.Options{Output: io.Discard})
	cache := &fakeCache{}
	svc, err := NewService(
		NewRepository(conn),
		outbox.NewService(outbox.NewRepository(conn), log),
		gormTxRunner{db: conn},
		cache,
		log,
		config.PipelineConfig{Qualities: []string{"sd", "hd"}, PublishPolicy: policy},
		"/media",
		"fitstream-worker-test",
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, cache
}

func seedAsset(t *testing.T, conn *gorm.DB) *models.Asset {
	t.Helper()
	asset := &models.Asset{
		ID:           uuid.New(),
		UploadTaskID: uuid.New(),
		Title:        "session.mp4",
		SourcePath:   "/media/src/session.mp4",
		SizeBytes:    1 << 20,
		DurationS:    90,
		Resolution:   "1920x1080",
		Bitrate:      6_000_000,
		Format:       "mp4",
	}
	if err := conn.Create(asset).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return asset
}

func successInput(assetID uuid.UUID, quality enums.Quality) RecordSuccessInput {
	return RecordSuccessInput{
		AssetID:    assetID,
		JobID:      uuid.New(),
		Quality:    quality,
		Path:       fmt.Sprintf("/media/%s/%s.mp4", assetID, quality),
		SizeBytes:  2048,
		Resolution: "1280x720",
		Bitrate:    2_500_000,
	}
}

func eventCount(t *testing.T, conn *gorm.DB, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count)
	return count
}

func TestRecordSuccessPublishesOnFirstVariantWithAnyPolicy(t *testing.T) {
	conn := newTestDB(t)
	svc, cache := newTestService(t, conn, config.PublishPolicyAny)
	asset := seedAsset(t, conn)
	ctx := t.Context()

	if err := svc.RecordSuccess(ctx, successInput(asset.ID, enums.QualityHD)); err != nil {
		t.Fatalf("record success: %v", err)
	}

	var reloaded models.Asset
	conn.First(&reloaded, "id = ?", asset.ID)
	if !reloaded.Published {
		t.Fatalf("any policy must publish on the first variant")
	}
	if got := eventCount(t, conn, enums.EventAssetVariantReady); got != 1 {
		t.Fatalf("expected one variant_ready event, got %d", got)
	}
	if got := eventCount(t, conn, enums.EventAssetPublished); got != 1 {
		t.Fatalf("expected one asset_published event, got %d", got)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != asset.ID.String() {
		t.Fatalf("cache invalidation not signaled: %v", cache.invalidated)
	}

	// second variant emits variant_ready but never a second publish
	if err := svc.RecordSuccess(ctx, successInput(asset.ID, enums.QualitySD)); err != nil {
		t.Fatalf("record second success: %v", err)
	}
	if got := eventCount(t, conn, enums.EventAssetVariantReady); got != 2 {
		t.Fatalf("expected two variant_ready events, got %d", got)
	}
	if got := eventCount(t, conn, enums.EventAssetPublished); got != 1 {
		t.Fatalf("asset_published must fire exactly once, got %d", got)
	}
}

func TestRecordSuccessAllPolicyWaitsForEveryQuality(t *testing.T) {
	conn := newTestDB(t)
	svc, _ := newTestService(t, conn, config.PublishPolicyAll)
	asset := seedAsset(t, conn)
	ctx := t.Context()

	if err := svc.RecordSuccess(ctx, successInput(asset.ID, enums.QualityHD)); err != nil {
		t.Fatalf("record success: %v", err)
	}
	var reloaded models.Asset
	conn.First(&reloaded, "id = ?", asset.ID)
	if reloaded.Published {
		t.Fatalf("all policy must not publish with a quality missing")
	}

	if err := svc.RecordSuccess(ctx, successInput(asset.ID, enums.QualitySD)); err != nil {
		t.Fatalf("record success: %v", err)
	}
	conn.First(&reloaded, "id = ?", asset.ID)
	if !reloaded.Published {
		t.Fatalf("all qualities present, asset must be published")
	}
}

func TestRecordSuccessIsIdempotent(t *testing.T) {
	conn := newTestDB(t)
	svc, _ := newTestService(t, conn, config.PublishPolicyAny)
	asset := seedAsset(t, conn)
	ctx := t.Context()

	input := successInput(asset.ID, enums.QualityHD)
	if err := svc.RecordSuccess(ctx, input); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := svc.RecordSuccess(ctx, input); err != nil {
		t.Fatalf("repeat record success: %v", err)
	}

	var count int64
	conn.Model(&models.AssetVariant{}).Where("asset_id = ?", asset.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected one variant row, got %d", count)
	}
}

func TestIsAvailableAnswersFromVariantRowsOnly(t *testing.T) {
	conn := newTestDB(t)
	svc, _ := newTestService(t, conn, config.PublishPolicyAny)
	asset := seedAsset(t, conn)
	ctx := t.Context()

	available, err := svc.IsAvailable(ctx, asset.ID, enums.QualityHD)
	if err != nil {
		t.Fatalf("is available: %v", err)
	}
	if available {
		t.Fatalf("quality without a variant row must read unavailable")
	}

	if err := svc.RecordSuccess(ctx, successInput(asset.ID, enums.QualityHD)); err != nil {
		t.Fatalf("record success: %v", err)
	}
	available, err = svc.IsAvailable(ctx, asset.ID, enums.QualityHD)
	if err != nil || !available {
		t.Fatalf("recorded quality must be available: %v", err)
	}
}

func TestPlayURLBumpsCounter(t *testing.T) {
	conn := newTestDB(t)
	svc, cache := newTestService(t, conn, config.PublishPolicyAny)
	asset := seedAsset(t, conn)
	ctx := t.Context()

	if _, err := svc.PlayURL(ctx, uuid.New(), enums.QualityHD); err == nil {
		t.Fatalf("expected not found for unknown asset")
	} else if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found code, got %v", err)
	}

	info, err := svc.PlayURL(ctx, asset.ID, enums.QualityHD)
	if err != nil {
		t.Fatalf("play url before transcode: %v", err)
	}
	if info.Quality != "source" {
		t.Fatalf("expected source fallback, got %q", info.Quality)
	}
	wantSource := fmt.Sprintf("/media/%s/source.mp4", asset.ID)
	if info.URL != wantSource {
		t.Fatalf("url %s, want %s", info.URL, wantSource)
	}
	if len(info.Available) != 0 {
		t.Fatalf("unexpected available qualities: %v", info.Available)
	}

	if err := svc.RecordSuccess(ctx, successInput(asset.ID, enums.QualityHD)); err != nil {
		t.Fatalf("record success: %v", err)
	}
	info, err = svc.PlayURL(ctx, asset.ID, enums.QualityHD)
	if err != nil {
		t.Fatalf("play url: %v", err)
	}
	want := fmt.Sprintf("/media/%s/hd.mp4", asset.ID)
	if info.URL != want || info.Quality != "hd" {
		t.Fatalf("info %+v, want url %s quality hd", info, want)
	}
	if len(info.Available) != 1 || info.Available[0] != "hd" {
		t.Fatalf("unexpected available qualities: %v", info.Available)
	}
	if cache.plays[asset.ID.String()] != 2 {
		t.Fatalf("play counter = %d, want 2", cache.plays[asset.ID.String()])
	}
}

func TestListAssetsPaginates(t *testing.T) {
	conn := newTestDB(t)
	svc, _ := newTestService(t, conn, config.PublishPolicyAny)
	ctx := t.Context()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		asset := &models.Asset{
			ID:           uuid.New(),
			UploadTaskID: uuid.New(),
			Title:        fmt.Sprintf("session-%d.mp4", i),
			SourcePath:   "/media/src/x.mp4",
			SizeBytes:    1,
			DurationS:    1,
			Resolution:   "1x1",
			Bitrate:      1,
			Format:       "mp4",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := conn.Create(asset).Error; err != nil {
			t.Fatalf("seed asset %d: %v", i, err)
		}
	}

	first, err := svc.ListAssets(ctx, pkgpagination.Params{Limit: 3})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(first.Assets) != 3 || first.NextCursor == "" {
		t.Fatalf("expected full page with cursor, got %d items", len(first.Assets))
	}
	if first.Assets[0].Title != "session-4.mp4" {
		t.Fatalf("expected newest first, got %s", first.Assets[0].Title)
	}

	second, err := svc.ListAssets(ctx, pkgpagination.Params{Limit: 3, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Assets) != 2 || second.NextCursor != "" {
		t.Fatalf("expected final page of 2, got %d with cursor %q", len(second.Assets), second.NextCursor)
	}
}
