package transcode

import (
	"fmt"

	"github.com/fitstream-app/fitstream-backend/pkg/enums"
)

// Preset names the codec profile for one delivery quality.
type Preset struct {
	Quality    enums.Quality
	Resolution string // WxH passed to the scale filter
	Bitrate    int64  // target video bitrate, bits per second
	Speed      string // libx264 preset
}

const audioBitrate = "128k"

var presetsByQuality = map[enums.Quality]Preset{
	enums.QualitySD:  {Quality: enums.QualitySD, Resolution: "640x360", Bitrate: 800_000, Speed: "medium"},
	enums.QualityHD:  {Quality: enums.QualityHD, Resolution: "1280x720", Bitrate: 2_500_000, Speed: "medium"},
	enums.QualityFHD: {Quality: enums.QualityFHD, Resolution: "1920x1080", Bitrate: 5_000_000, Speed: "slow"},
	enums.Quality4K:  {Quality: enums.Quality4K, Resolution: "3840x2160", Bitrate: 15_000_000, Speed: "slow"},
}

// PresetFor returns the codec profile for a quality, defaulting to HD for
// unknown labels.
func PresetFor(quality enums.Quality) Preset {
	if preset, ok := presetsByQuality[quality]; ok {
		return preset
	}
	return presetsByQuality[enums.QualityHD]
}

// BuildArgs renders the ffmpeg command line for one transcode. Progress
// blocks are written to stdout so the runner can parse them.
func BuildArgs(inputPath, outputPath string, preset Preset) []string {
	return []string{
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=%s", preset.Resolution),
		"-b:v", fmt.Sprintf("%d", preset.Bitrate),
		"-preset", preset.Speed,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		outputPath,
	}
}
