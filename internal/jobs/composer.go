package jobs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/screensplit/server/internal/domain/videosplit"
)

const (
	renderHeight = 720
	renderWidth  = 1280
	stderrTail   = 6
)

// ComposeRequest describes one side-by-side render.
type ComposeRequest struct {
	BeforePath string
	AfterPath  string
	OutputPath string
	Layout     videosplit.Layout
}

// Composer renders two videos into a single comparison video. progress
// receives increasing percentages while the render runs.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest, progress func(percent int)) error
}

// FFmpegComposer shells out to an ffmpeg binary.
type FFmpegComposer struct {
	Path   string
	Logger *slog.Logger
}

func NewFFmpegComposer(path string, logger *slog.Logger) *FFmpegComposer {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegComposer{Path: path, Logger: logger}
}

func (c *FFmpegComposer) Compose(ctx context.Context, req ComposeRequest, progress func(percent int)) error {
	args := ffmpegArgs(req)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if c.Logger != nil {
		c.Logger.Debug("starting ffmpeg", "args", strings.Join(args, " "))
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	tracker := &ffmpegProgress{}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanFFmpegLines)
	for scanner.Scan() {
		if pct, ok := tracker.feed(scanner.Text()); ok && progress != nil {
			progress(pct)
		}
	}
	_, _ = io.Copy(io.Discard, stderr)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
		}
		if tail := tracker.tail(); tail != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, tail)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// ffmpegArgs scales both inputs to a shared edge, stacks them and encodes
// a web friendly H.264 stream that stops with the shorter input.
func ffmpegArgs(req ComposeRequest) []string {
	var filter string
	if req.Layout == videosplit.LayoutVertical {
		filter = fmt.Sprintf("[0:v]scale=%d:-2,setsar=1[b];[1:v]scale=%d:-2,setsar=1[a];[b][a]vstack=inputs=2[v]", renderWidth, renderWidth)
	} else {
		filter = fmt.Sprintf("[0:v]scale=-2:%d,setsar=1[b];[1:v]scale=-2:%d,setsar=1[a];[b][a]hstack=inputs=2[v]", renderHeight, renderHeight)
	}
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", req.BeforePath,
		"-i", req.AfterPath,
		"-filter_complex", filter,
		"-map", "[v]",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-shortest",
		req.OutputPath,
	}
}

// ffmpegProgress derives a percentage from the "Duration:" header lines and
// the "time=" field of ffmpeg's stats output.
type ffmpegProgress struct {
	total time.Duration
	last  int
	lines []string
}

func (p *ffmpegProgress) feed(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}

	if _, rest, ok := strings.Cut(line, "Duration: "); ok {
		value, _, _ := strings.Cut(rest, ",")
		if d, ok := parseClock(value); ok && d > 0 && (p.total == 0 || d < p.total) {
			p.total = d
		}
		return 0, false
	}

	_, rest, ok := strings.Cut(line, "time=")
	if !ok {
		p.remember(line)
		return 0, false
	}
	if p.total == 0 {
		return 0, false
	}
	value, _, _ := strings.Cut(rest, " ")
	elapsed, ok := parseClock(value)
	if !ok {
		return 0, false
	}
	pct := min(int(elapsed*100/p.total), 99)
	if pct <= p.last {
		return 0, false
	}
	p.last = pct
	return pct, true
}

func (p *ffmpegProgress) remember(line string) {
	p.lines = append(p.lines, line)
	if len(p.lines) > stderrTail {
		p.lines = p.lines[len(p.lines)-stderrTail:]
	}
}

func (p *ffmpegProgress) tail() string {
	return strings.Join(p.lines, "; ")
}

// parseClock parses HH:MM:SS.ss.
func parseClock(value string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds*float64(time.Second))
	return d, true
}

// scanFFmpegLines splits on \n and on the bare \r ffmpeg uses to redraw stats.
func scanFFmpegLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
