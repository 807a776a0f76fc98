// Package local acquires artifacts by running yt-dlp, ffmpeg and ffprobe on
// this host.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/port"
)

var (
	ErrEmptyPath   = errors.New("path cannot be empty")
	ErrInvalidPath = errors.New("path contains invalid characters")
)

const DefaultURLTemplate = "https://www.youtube.com/watch?v=%s"

type Config struct {
	Name        string
	YtDLP       string
	FFmpeg      string
	FFprobe     string
	OutputDir   string
	URLTemplate string
}

type Extractor struct {
	cfg    Config
	runner Runner
}

func NewExtractor(cfg Config, runner Runner) *Extractor {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.YtDLP == "" {
		cfg.YtDLP = "yt-dlp"
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.FFprobe == "" {
		cfg.FFprobe = "ffprobe"
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Extractor{cfg: cfg, runner: runner}
}

func (e *Extractor) Name() string {
	return e.cfg.Name
}

// validatePath checks that a path is safe to hand to a subprocess.
func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	return nil
}

func (e *Extractor) sourceURL(sourceKey string) string {
	return fmt.Sprintf(e.cfg.URLTemplate, sourceKey)
}

// cookieArgs uses the credential secret as a cookies file path.
func cookieArgs(cred port.Credential) []string {
	if cred.Secret == "" {
		return nil
	}
	return []string{"--cookies", cred.Secret}
}

type ytdlpInfo struct {
	Title    string  `json:"title"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
}

func (e *Extractor) ResolveMetadata(ctx context.Context, sourceKey string, cred port.Credential) (*domain.Metadata, error) {
	args := []string{"-J", "--no-warnings", "--skip-download", "--no-playlist"}
	args = append(args, cookieArgs(cred)...)
	args = append(args, e.sourceURL(sourceKey))

	out, err := e.runner.Run(ctx, e.cfg.YtDLP, args...)
	if err != nil {
		return nil, e.classify(err)
	}
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, domain.NewProviderError(domain.KindMalformed, e.cfg.Name, fmt.Errorf("parse metadata: %w", err))
	}
	return &domain.Metadata{Title: info.Title, Uploader: info.Uploader, Duration: info.Duration}, nil
}

// AcquireArtifact downloads the best audio stream and transcodes it to MP3 at
// the requested bitrate, applying the trim window if one is set.
func (e *Extractor) AcquireArtifact(ctx context.Context, req port.AcquireRequest, cred port.Credential) (*domain.Artifact, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0755); err != nil {
		return nil, domain.NewProviderError(domain.KindTransient, e.cfg.Name, fmt.Errorf("create output dir: %w", err))
	}
	srcPath := filepath.Join(e.cfg.OutputDir, req.JobID+".src")
	outPath := filepath.Join(e.cfg.OutputDir, OutputName(req))
	for _, p := range []string{srcPath, outPath} {
		if err := validatePath(p); err != nil {
			return nil, domain.NewProviderError(domain.KindMalformed, e.cfg.Name, err)
		}
	}
	defer os.Remove(srcPath) //nolint:errcheck

	args := []string{"-f", "bestaudio/best", "--no-playlist", "--no-warnings", "--no-part", "-o", srcPath}
	args = append(args, cookieArgs(cred)...)
	args = append(args, e.sourceURL(req.SourceKey))
	if _, err := e.runner.Run(ctx, e.cfg.YtDLP, args...); err != nil {
		return nil, e.classify(err)
	}

	if _, err := e.runner.Run(ctx, e.cfg.FFmpeg, transcodeArgs(srcPath, outPath, req.Quality, req.Trim)...); err != nil {
		_ = os.Remove(outPath)
		if ctx.Err() != nil {
			return nil, domain.NewProviderError(domain.KindTransient, e.cfg.Name, err)
		}
		return nil, domain.NewProviderError(domain.KindInvalidArtifact, e.cfg.Name, err)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(outPath)
		return nil, domain.NewProviderError(domain.KindInvalidArtifact, e.cfg.Name, fmt.Errorf("transcode produced no output"))
	}

	// Duration is informational; a probe failure does not fail the artifact.
	duration, _ := e.probeDuration(ctx, outPath)

	return &domain.Artifact{Ref: outPath, Size: info.Size(), Duration: duration}, nil
}

// OutputName is the deterministic file name for an artifact key.
func OutputName(req port.AcquireRequest) string {
	key := req.ArtifactKey
	if len(key) > 16 {
		key = key[:16]
	}
	return fmt.Sprintf("%s_%s_%s.mp3", req.SourceKey, req.Quality, key)
}

func transcodeArgs(in, out, quality string, trim domain.Trim) []string {
	args := []string{"-y", "-loglevel", "error", "-nostdin"}
	if !trim.IsZero() {
		args = append(args, "-ss", formatSeconds(trim.Start))
	}
	args = append(args, "-i", in)
	if !trim.IsZero() {
		args = append(args, "-t", formatSeconds(trim.Duration))
	}
	args = append(args,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-b:a", quality,
		out,
	)
	return args
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (e *Extractor) probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := e.runner.Run(ctx, e.cfg.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// classify maps yt-dlp failures onto provider error kinds from its stderr.
func (e *Extractor) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewProviderError(domain.KindTransient, e.cfg.Name, err)
	}
	var stderr string
	var ce *CommandError
	if errors.As(err, &ce) {
		stderr = strings.ToLower(ce.Stderr)
	}
	kind := domain.KindTransient
	switch {
	case strings.Contains(stderr, "sign in to confirm"),
		strings.Contains(stderr, "http error 403"),
		strings.Contains(stderr, "cookies"):
		kind = domain.KindAuth
	case strings.Contains(stderr, "http error 429"),
		strings.Contains(stderr, "too many requests"):
		kind = domain.KindQuota
	case strings.Contains(stderr, "video unavailable"),
		strings.Contains(stderr, "private video"),
		strings.Contains(stderr, "is not available"),
		strings.Contains(stderr, "has been removed"):
		kind = domain.KindUnavailable
	case errors.Is(err, os.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		kind = domain.KindUnavailable
	}
	return domain.NewProviderError(kind, e.cfg.Name, err)
}

var _ port.Provider = (*Extractor)(nil)
