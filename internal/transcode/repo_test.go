package transcode

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:transcode_test?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.Asset{}, &models.TranscodeJob{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		conn.Exec("DELETE FROM transcode_jobs")
		conn.Exec("DELETE FROM assets")
	})
	return conn
}

func seedAsset(t *testing.T, conn *gorm.DB) *models.Asset {
	t.Helper()
	asset := &models.Asset{
		ID:           uuid.New(),
		UploadTaskID: uuid.New(),
		Title:        "workout.mp4",
		SourcePath:   "/media/src/workout.mp4",
		SizeBytes:    1 << 20,
		DurationS:    120,
		Resolution:   "1920x1080",
		Bitrate:      6_000_000,
		Format:       "mp4",
	}
	if err := conn.Create(asset).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return asset
}

func fanOut(t *testing.T, conn *gorm.DB, repo *Repository, asset *models.Asset, qualities ...enums.Quality) []models.TranscodeJob {
	t.Helper()
	var jobs []models.TranscodeJob
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		jobs, err = repo.CreateFanOutTx(tx, asset, qualities)
		return err
	})
	if err != nil {
		t.Fatalf("fan-out failed: %v", err)
	}
	return jobs
}

func TestFanOutCreatesOneJobPerQuality(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)

	jobs := fanOut(t, conn, repo, asset, enums.QualitySD, enums.QualityHD, enums.QualityFHD)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.Status != enums.JobStatusQueued {
			t.Fatalf("job %s not queued", job.Quality)
		}
		if job.InputPath != asset.SourcePath {
			t.Fatalf("job input must be the asset source")
		}
	}

	// second fan-out is a no-op, not a duplicate
	again := fanOut(t, conn, repo, asset, enums.QualitySD, enums.QualityHD, enums.QualityFHD)
	if len(again) != 0 {
		t.Fatalf("expected no new jobs on repeated fan-out, got %d", len(again))
	}

	var count int64
	conn.Model(&models.TranscodeJob{}).Where("asset_id = ?", asset.ID).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 persisted jobs, got %d", count)
	}
}

func TestClaimChargesOneAttemptAndIsExclusive(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)

	ctx := context.Background()
	job, err := repo.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a claimable job")
	}
	if job.Status != enums.JobStatusProcessing || job.AttemptCount != 1 {
		t.Fatalf("unexpected claimed state %s attempts=%d", job.Status, job.AttemptCount)
	}
	if job.HeartbeatAt == nil || job.StartedAt == nil {
		t.Fatalf("claim must stamp heartbeat and start time")
	}

	second, err := repo.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if second != nil {
		t.Fatalf("processing job must not be claimable again")
	}
}

func TestClaimHonorsNextAttemptAt(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	jobs := fanOut(t, conn, repo, asset, enums.QualityHD)

	future := time.Now().UTC().Add(time.Hour)
	conn.Model(&models.TranscodeJob{}).Where("id = ?", jobs[0].ID).Update("next_attempt_at", future)

	job, err := repo.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if job != nil {
		t.Fatalf("job with future next_attempt_at must not be claimed")
	}
}

func TestRetryBudgetSucceedsOnThirdAttempt(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)
	ctx := context.Background()

	const maxAttempts = 3
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := repo.ClaimNext(ctx)
		if err != nil || job == nil {
			t.Fatalf("claim %d failed: %v", attempt, err)
		}
		if job.AttemptCount != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, job.AttemptCount)
		}
		terminal, err := repo.MarkFailed(ctx, job.ID, "codec exited with failure", true, maxAttempts, 0)
		if err != nil {
			t.Fatalf("mark failed errored: %v", err)
		}
		if terminal {
			t.Fatalf("attempt %d must not be terminal", attempt)
		}
	}

	job, err := repo.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("third claim failed: %v", err)
	}
	if job.AttemptCount != 3 {
		t.Fatalf("expected attempt 3, got %d", job.AttemptCount)
	}
	if err := repo.MarkCompleted(ctx, job.ID, &Output{
		Path:       "/media/out/hd.mp4",
		SizeBytes:  2048,
		Resolution: "1280x720",
		Bitrate:    2_500_000,
	}); err != nil {
		t.Fatalf("mark completed errored: %v", err)
	}

	final, err := repo.FindByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if final.Status != enums.JobStatusCompleted || final.AttemptCount != 3 || final.Progress != 100 {
		t.Fatalf("unexpected final state %+v", final)
	}
	if final.OutputPath == nil || *final.OutputPath != "/media/out/hd.mp4" {
		t.Fatalf("output descriptor not recorded")
	}
}

func TestRetryBudgetExhaustionIsTerminal(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)
	ctx := context.Background()

	const maxAttempts = 3
	var lastTerminal bool
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job, err := repo.ClaimNext(ctx)
		if err != nil || job == nil {
			t.Fatalf("claim %d failed: %v", attempt, err)
		}
		lastTerminal, err = repo.MarkFailed(ctx, job.ID, "codec exited with failure", true, maxAttempts, 0)
		if err != nil {
			t.Fatalf("mark failed errored: %v", err)
		}
	}
	if !lastTerminal {
		t.Fatalf("third failure must be terminal")
	}

	job, err := repo.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if job != nil {
		t.Fatalf("terminal job must never be requeued automatically")
	}
}

func TestNonRetryableFailureIsImmediatelyTerminal(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)
	ctx := context.Background()

	job, err := repo.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim failed: %v", err)
	}
	terminal, err := repo.MarkFailed(ctx, job.ID, string(pkgerrors.CodeCancelled), false, 3, 0)
	if err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}
	if !terminal {
		t.Fatalf("non-retryable failure must be terminal on first attempt")
	}
}

func TestResubmitResetsBudget(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)
	ctx := context.Background()

	job, _ := repo.ClaimNext(ctx)
	if _, err := repo.MarkFailed(ctx, job.ID, "codec exited with failure", true, 1, 0); err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}

	if err := repo.Resubmit(ctx, job.ID); err != nil {
		t.Fatalf("resubmit errored: %v", err)
	}
	reopened, err := repo.FindByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reopened.Status != enums.JobStatusQueued || reopened.AttemptCount != 0 || reopened.LastError != nil {
		t.Fatalf("resubmit must reset the attempt chain, got %+v", reopened)
	}

	// resubmitting a queued job is a state conflict
	if err := repo.Resubmit(ctx, job.ID); err == nil {
		t.Fatalf("expected state conflict for non-failed job")
	}
}

func TestCancelQueuedAndProcessing(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	jobs := fanOut(t, conn, repo, asset, enums.QualitySD, enums.QualityHD)
	ctx := context.Background()

	// queued job fails immediately
	if err := repo.RequestCancel(ctx, jobs[0].ID); err != nil {
		t.Fatalf("cancel queued errored: %v", err)
	}
	canceled, _ := repo.FindByID(ctx, jobs[0].ID)
	if canceled.Status != enums.JobStatusFailed || canceled.LastError == nil || *canceled.LastError != string(pkgerrors.CodeCancelled) {
		t.Fatalf("queued cancel must fail terminally with reason, got %+v", canceled)
	}

	// processing job is only flagged; the executor observes it on heartbeat
	claimed, err := repo.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := repo.RequestCancel(ctx, claimed.ID); err != nil {
		t.Fatalf("cancel processing errored: %v", err)
	}
	cancelRequested, err := repo.Heartbeat(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("heartbeat errored: %v", err)
	}
	if !cancelRequested {
		t.Fatalf("heartbeat must surface the cancel flag")
	}

	// terminal job cannot be canceled again
	if _, err := repo.MarkFailed(ctx, claimed.ID, string(pkgerrors.CodeCancelled), false, 3, 0); err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}
	if err := repo.RequestCancel(ctx, claimed.ID); err == nil {
		t.Fatalf("expected state conflict canceling a terminal job")
	}
}

func TestProgressIsMonotoneWhileProcessing(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)
	ctx := context.Background()

	job, _ := repo.ClaimNext(ctx)
	for _, pct := range []int{10, 40, 30, 70} {
		if err := repo.UpdateProgress(ctx, job.ID, pct); err != nil {
			t.Fatalf("update progress errored: %v", err)
		}
	}
	current, _ := repo.FindByID(ctx, job.ID)
	if current.Progress != 70 {
		t.Fatalf("expected monotone progress 70, got %d", current.Progress)
	}
}

func TestListStaleProcessing(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	asset := seedAsset(t, conn)
	fanOut(t, conn, repo, asset, enums.QualityHD)
	ctx := context.Background()

	job, _ := repo.ClaimNext(ctx)

	stale, err := repo.ListStaleProcessing(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale errored: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh heartbeat must not be stale")
	}

	past := time.Now().UTC().Add(-10 * time.Minute)
	conn.Model(&models.TranscodeJob{}).Where("id = ?", job.ID).Update("heartbeat_at", past)

	stale, err = repo.ListStaleProcessing(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale errored: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != job.ID {
		t.Fatalf("expected the stale job, got %d rows", len(stale))
	}
}
