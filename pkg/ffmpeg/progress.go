package ffmpeg

import (
	"bufio"
	"strconv"
	"strings"
)

// Progress is one update block from ffmpeg's -progress output.
type Progress struct {
	Frame     int64
	FPS       float64
	Bitrate   string // e.g. "1234.5kbits/s"
	TotalSize int64  // current output size in bytes
	OutTimeUS int64  // output timestamp in microseconds
	Speed     string // e.g. "2.5x"
	Progress  string // "continue" or "end"
}

// OutTimeSeconds returns the output time in seconds.
func (p Progress) OutTimeSeconds() float64 {
	return float64(p.OutTimeUS) / 1_000_000
}

// Percent maps the output timestamp to 0-100 against the source duration.
func (p Progress) Percent(durationS float64) int {
	if durationS <= 0 {
		return 0
	}
	pct := int(p.OutTimeSeconds() / durationS * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressParser accumulates key=value lines into Progress blocks.
type ProgressParser struct {
	current Progress
}

// NewProgressParser creates a new progress parser.
func NewProgressParser() *ProgressParser {
	return &ProgressParser{}
}

// ParseLine parses a line and updates internal state. Returns true when a
// complete block is ready (on the "progress=" line).
func (p *ProgressParser) ParseLine(line string) bool {
	line = strings.TrimSpace(line)
	idx := strings.Index(line, "=")
	if idx == -1 {
		return false
	}
	key, value := line[:idx], line[idx+1:]

	switch key {
	case "frame":
		p.current.Frame, _ = strconv.ParseInt(value, 10, 64)
	case "fps":
		p.current.FPS, _ = strconv.ParseFloat(value, 64)
	case "bitrate":
		p.current.Bitrate = value
	case "total_size":
		p.current.TotalSize, _ = strconv.ParseInt(value, 10, 64)
	case "out_time_us":
		p.current.OutTimeUS, _ = strconv.ParseInt(value, 10, 64)
	case "speed":
		p.current.Speed = value
	case "progress":
		p.current.Progress = value
		return true
	}

	return false
}

// Current returns the current progress state.
func (p *ProgressParser) Current() Progress {
	return p.current
}

// ParseProgressOutput reads -progress output and sends completed blocks to
// the channel until the stream ends.
func ParseProgressOutput(scanner *bufio.Scanner, progress chan<- Progress) {
	parser := NewProgressParser()

	for scanner.Scan() {
		if parser.ParseLine(scanner.Text()) {
			progress <- parser.Current()
			if parser.Current().Progress == "end" {
				break
			}
		}
	}
}
