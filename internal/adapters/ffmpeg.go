package adapters

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/standardbeagle/mediastate/internal/logging"
	"go.uber.org/zap"
)

// FFMpegConverter produces a stereo AAC companion file named
// "<stem>.stereo.<ext>" alongside the original. Re-invocation on the same
// input is safe: an existing, non-empty companion is treated as already
// converted without re-running ffmpeg.
type FFMpegConverter struct {
	Command string // defaults to "ffmpeg"
}

func (c *FFMpegConverter) command() string {
	if c.Command == "" {
		return "ffmpeg"
	}
	return c.Command
}

func companionPathFor(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem + ".stereo" + ext
}

func (c *FFMpegConverter) Convert(ctx context.Context, path string, policy ConvertPolicy) (ConvertResult, error) {
	companion := companionPathFor(path)

	if info, err := os.Stat(companion); err == nil && info.Size() > 0 {
		return ConvertResult{Outcome: ConversionConverted, CompanionPath: companion}, nil
	}

	cmd := exec.CommandContext(ctx, c.command(),
		"-y", "-i", path,
		"-map", "0:v", "-map", "0:a:0",
		"-c:v", "copy",
		"-c:a", "aac", "-ac", "2",
		companion,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return ConvertResult{Outcome: ConversionFailed, Detail: "conversion timed out"}, nil
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		logging.For("adapters.ffmpeg").Warn("conversion failed", zap.String("path", path), zap.String("detail", detail))
		return ConvertResult{Outcome: ConversionFailed, Detail: detail}, nil
	}

	return ConvertResult{Outcome: ConversionConverted, CompanionPath: companion}, nil
}
