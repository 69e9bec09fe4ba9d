// Package split cuts a media file into N contiguous parts with ffmpeg.
//
// The cut is a codec copy: each part starts at i*duration/N and runs for
// duration/N seconds, except the last part which runs to the end of the
// source. Failures are classified so callers can distinguish an unusable
// source (ErrDurationUnavailable) from an external tool failure
// (*ToolError) carrying the tool's diagnostic output.
package split

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrDurationUnavailable indicates the source duration could not be
// determined or was not positive.
var ErrDurationUnavailable = errors.New("unable to determine media duration")

// maxDiagnosticLen caps the stderr diagnostic captured into a ToolError
// so oversized tool output never ends up in persisted records.
const maxDiagnosticLen = 512

// ToolError indicates an external tool exited non-zero.
type ToolError struct {
	Tool       string
	ExitCode   int
	Diagnostic string
	Err        error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Diagnostic)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Splitter produces N contiguous sub-clips from a source file.
//
// On success it returns the ordered list of output filenames (base names,
// created inside outputDir). On failure it returns ErrDurationUnavailable,
// a *ToolError, or an unclassified error.
type Splitter interface {
	Split(ctx context.Context, sourcePath, outputDir string, parts int) ([]string, error)
}

// FFmpegSplitter implements Splitter with ffprobe and ffmpeg.
type FFmpegSplitter struct {
	ffprobePath string
	ffmpegPath  string
	runner      commandRunner
}

// NewFFmpegSplitter constructs the production splitter using the ffprobe
// and ffmpeg binaries found on PATH.
func NewFFmpegSplitter() *FFmpegSplitter {
	return &FFmpegSplitter{
		ffprobePath: "ffprobe",
		ffmpegPath:  "ffmpeg",
		runner:      &execRunner{},
	}
}

// Duration returns the source duration in seconds as reported by ffprobe.
func (s *FFmpegSplitter) Duration(ctx context.Context, sourcePath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		sourcePath,
	}

	result, err := s.runner.Run(ctx, s.ffprobePath, args...)
	if err != nil {
		return 0, &ToolError{
			Tool:       s.ffprobePath,
			ExitCode:   result.ExitCode,
			Diagnostic: trimDiagnostic(result.Stderr),
			Err:        err,
		}
	}

	raw := strings.TrimSpace(result.Stdout)
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unparseable ffprobe output %q for %s", ErrDurationUnavailable, raw, sourcePath)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%w: invalid duration %.2f for %s", ErrDurationUnavailable, duration, sourcePath)
	}

	log.Debug().
		Str("component", "split").
		Str("source", sourcePath).
		Float64("duration_seconds", duration).
		Msg("Probed source duration")
	return duration, nil
}

// Split cuts sourcePath into parts contiguous clips inside outputDir.
//
// Parts are cut strictly in index order. Output names follow the pattern
// {stem}_part{n}{ext} where stem and ext come from the source filename.
func (s *FFmpegSplitter) Split(ctx context.Context, sourcePath, outputDir string, parts int) ([]string, error) {
	if parts < 1 {
		return nil, fmt.Errorf("part count must be positive, got %d", parts)
	}

	duration, err := s.Duration(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	partDuration := duration / float64(parts)

	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	outputs := make([]string, 0, parts)
	for index := range parts {
		start := partDuration * float64(index)
		name := fmt.Sprintf("%s_part%d%s", stem, index+1, ext)

		args := []string{
			"-y",
			"-hide_banner",
			"-loglevel", "warning",
			"-i", sourcePath,
			"-ss", fmt.Sprintf("%.2f", start),
			"-c", "copy",
		}
		// The last part runs to the end of the source so rounding never
		// drops trailing frames.
		if index < parts-1 {
			args = append(args, "-t", fmt.Sprintf("%.2f", partDuration))
		}
		args = append(args, filepath.Join(outputDir, name))

		result, err := s.runner.Run(ctx, s.ffmpegPath, args...)
		if err != nil {
			return nil, &ToolError{
				Tool:       s.ffmpegPath,
				ExitCode:   result.ExitCode,
				Diagnostic: trimDiagnostic(result.Stderr),
				Err:        err,
			}
		}

		log.Debug().
			Str("component", "split").
			Str("source", sourcePath).
			Int("part", index+1).
			Int("parts", parts).
			Msg("Cut part")
		outputs = append(outputs, name)
	}

	log.Info().
		Str("component", "split").
		Str("source", sourcePath).
		Int("parts", parts).
		Float64("part_seconds", partDuration).
		Msg("Completed splitting source")
	return outputs, nil
}

func trimDiagnostic(stderr string) string {
	diag := strings.TrimSpace(stderr)
	if len(diag) > maxDiagnosticLen {
		diag = diag[:maxDiagnosticLen]
	}
	return diag
}
