package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/ffmpeg"
)

// CodecRunner abstracts the external ffmpeg invocation so tests can fake
// codec behavior. Run must close the progress channel before returning.
type CodecRunner interface {
	Run(ctx context.Context, args []string, progress chan<- ffmpeg.Progress) error
}

// FFmpegRunner executes the real ffmpeg binary.
type FFmpegRunner struct{}

// Run implements CodecRunner.
func (FFmpegRunner) Run(ctx context.Context, args []string, progress chan<- ffmpeg.Progress) error {
	return ffmpeg.Run(ctx, args, progress)
}

// Output describes a finished rendition.
type Output struct {
	Path       string
	SizeBytes  int64
	Resolution string
	Bitrate    int64
}

// Transcoder turns one claimed TranscodeJob into a rendition file. It owns
// nothing but the codec invocation; scheduling and persistence stay with the
// dispatcher.
type Transcoder struct {
	runner   CodecRunner
	mediaDir string
}

// NewTranscoder wires a transcoder over the given runner and output root.
func NewTranscoder(runner CodecRunner, mediaDir string) (*Transcoder, error) {
	if runner == nil {
		return nil, errors.New("codec runner is required")
	}
	if mediaDir == "" {
		return nil, errors.New("media dir is required")
	}
	return &Transcoder{runner: runner, mediaDir: mediaDir}, nil
}

// OutputPath returns the rendition location for a job.
func (t *Transcoder) OutputPath(job *models.TranscodeJob) string {
	return filepath.Join(t.mediaDir, job.AssetID.String(), fmt.Sprintf("%s.mp4", job.Quality))
}

// Execute runs the codec for the job and classifies the outcome. onProgress
// receives 0-100 percentages; the caller owns persistence and is the only
// consumer. A retry never resumes partial output: ffmpeg -y truncates the
// target before writing.
func (t *Transcoder) Execute(ctx context.Context, job *models.TranscodeJob, onProgress func(int)) (*Output, error) {
	outputPath := t.OutputPath(job)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTranscodeFailed, err, "create output dir")
	}

	preset := PresetFor(job.Quality)
	args := BuildArgs(job.InputPath, outputPath, preset)

	updates := make(chan ffmpeg.Progress, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		last := 0
		for update := range updates {
			pct := update.Percent(float64(job.InputDurationS))
			// progress is monotone while processing
			if pct > last {
				last = pct
				if onProgress != nil {
					onProgress(pct)
				}
			}
		}
	}()

	runErr := t.runner.Run(ctx, args, updates)
	<-drained

	if runErr != nil {
		_ = os.Remove(outputPath)
		switch {
		case errors.Is(runErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, pkgerrors.Wrap(pkgerrors.CodeTimeout, runErr, "codec exceeded job deadline")
		case errors.Is(runErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			return nil, pkgerrors.Wrap(pkgerrors.CodeCancelled, runErr, "codec canceled")
		default:
			return nil, pkgerrors.Wrap(pkgerrors.CodeTranscodeFailed, runErr, "codec exited with failure")
		}
	}

	info, statErr := os.Stat(outputPath)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(outputPath)
		return nil, pkgerrors.New(pkgerrors.CodeTranscodeFailed, "codec produced no output")
	}

	return &Output{
		Path:       outputPath,
		SizeBytes:  info.Size(),
		Resolution: preset.Resolution,
		Bitrate:    preset.Bitrate,
	}, nil
}
