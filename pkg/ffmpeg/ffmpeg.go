package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"dropproof/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ffmpeg", fx.Provide(NewProber))

type FFProbeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

type ProbeResult struct {
	Duration time.Duration
	Width    int
	Height   int
	Size     int64
}

// Prober reads media metadata and grabs still frames from a (presigned) URL.
type Prober interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
	Frame(ctx context.Context, url string, at time.Duration) ([]byte, error)
}

type prober struct {
	ffmpeg  string
	ffprobe string
}

func NewProber(cfg *config.Config) Prober {
	return &prober{ffmpeg: cfg.Media.FFmpegPath, ffprobe: cfg.Media.FFprobePath}
}

func (p *prober) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-loglevel", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,width,height,duration:format=duration,size",
		"-of", "json",
		url,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe error: %w", err)
	}

	return ParseProbeOutput(out)
}

// ParseProbeOutput turns ffprobe JSON into a ProbeResult. The container duration wins
// over the stream duration when both are present.
func ParseProbeOutput(out []byte) (*ProbeResult, error) {
	var result FFProbeOutput
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}

	if len(result.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}

	raw := result.Format.Duration
	if raw == "" {
		raw = result.Streams[0].Duration
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("unreadable duration %q: %w", raw, err)
	}

	size, _ := strconv.ParseInt(result.Format.Size, 10, 64)

	return &ProbeResult{
		Duration: time.Duration(seconds * float64(time.Second)),
		Width:    result.Streams[0].Width,
		Height:   result.Streams[0].Height,
		Size:     size,
	}, nil
}

// Frame extracts a single PNG frame at offset at.
func (p *prober) Frame(ctx context.Context, url string, at time.Duration) ([]byte, error) {
	args := []string{
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", url,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}

	zap.L().Debug("ffmpeg: extracting frame", zap.Strings("args", args))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.ffmpeg, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame")
	}
	return stdout.Bytes(), nil
}
