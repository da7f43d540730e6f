package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/standardbeagle/mediastate/internal/logging"
	"go.uber.org/zap"
)

// FFProbeIntegrityChecker runs ffprobe against a file and treats a clean
// exit with a parseable format block as Complete. A non-zero exit or
// unparseable output is reported as Incomplete rather than Error, since
// both conditions are the common signature of a file still being written.
type FFProbeIntegrityChecker struct {
	Command string // defaults to "ffprobe"
}

func (c *FFProbeIntegrityChecker) command() string {
	if c.Command == "" {
		return "ffprobe"
	}
	return c.Command
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

func (c *FFProbeIntegrityChecker) Check(ctx context.Context, path string, quickMode bool) (CheckResult, error) {
	args := []string{"-v", "error", "-print_format", "json", "-show_format"}
	if !quickMode {
		args = append(args, "-count_packets", "-show_streams")
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, c.command(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return CheckResult{Verdict: IntegrityError, Detail: "integrity check timed out"}, nil
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		logging.For("adapters.ffprobe").Debug("non-zero exit", zap.String("path", path), zap.String("detail", detail))
		return CheckResult{Verdict: IntegrityIncomplete, Detail: detail}, nil
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return CheckResult{Verdict: IntegrityIncomplete, Detail: "unparseable ffprobe output"}, nil
	}
	if parsed.Format.Duration == "" {
		return CheckResult{Verdict: IntegrityIncomplete, Detail: "no duration reported"}, nil
	}
	return CheckResult{Verdict: IntegrityComplete}, nil
}

// FFProbeAudioProbe extracts audio stream descriptors via ffprobe.
type FFProbeAudioProbe struct {
	Command string // defaults to "ffprobe"
}

func (p *FFProbeAudioProbe) command() string {
	if p.Command == "" {
		return "ffprobe"
	}
	return p.Command
}

type ffprobeStreams struct {
	Streams []struct {
		CodecType     string            `json:"codec_type"`
		Channels      int               `json:"channels"`
		Disposition   map[string]int    `json:"disposition"`
		Tags          map[string]string `json:"tags"`
	} `json:"streams"`
}

func (p *FFProbeAudioProbe) Probe(ctx context.Context, path string) ([]Track, error) {
	cmd := exec.CommandContext(ctx, p.command(),
		"-v", "error", "-print_format", "json", "-show_streams", "-select_streams", "a", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe audio probe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var parsed ffprobeStreams
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return nil, errors.New("unparseable ffprobe stream output")
	}

	tracks := make([]Track, 0, len(parsed.Streams))
	for _, s := range parsed.Streams {
		if s.CodecType != "audio" {
			continue
		}
		tracks = append(tracks, Track{
			Language:  s.Tags["language"],
			Channels:  s.Channels,
			IsDefault: s.Disposition["default"] == 1,
		})
	}
	return tracks, nil
}
