package pending

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/matheus3301/wppbot/internal/apperr"
	"go.uber.org/zap"
)

// File is a downloaded artifact ready to be delivered.
type File struct {
	Name string
	Data []byte
}

// Downloader fetches a pending link in the chosen format.
type Downloader interface {
	Download(ctx context.Context, d Download, f Format) (*File, error)
}

// YtDlp shells out to the yt-dlp binary.
type YtDlp struct {
	Binary   string
	MaxBytes int64
	logger   *zap.Logger
}

// NewYtDlp creates a downloader. An empty binary means "yt-dlp" on PATH.
func NewYtDlp(binary string, maxBytes int64, logger *zap.Logger) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &YtDlp{Binary: binary, MaxBytes: maxBytes, logger: logger}
}

// Available reports whether the binary can be found.
func (y *YtDlp) Available() bool {
	_, err := exec.LookPath(y.Binary)
	return err == nil
}

// Download runs yt-dlp into a scratch directory and reads the result back.
func (y *YtDlp) Download(ctx context.Context, d Download, f Format) (*File, error) {
	bin, err := exec.LookPath(y.Binary)
	if err != nil {
		return nil, apperr.New(apperr.KindMissingDependency, "yt-dlp", err)
	}

	dir, err := os.MkdirTemp("", "wppbot-dl-*")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	args := []string{
		"--no-playlist",
		"--max-filesize", fmt.Sprintf("%d", y.MaxBytes),
		"-o", filepath.Join(dir, "%(title).80s.%(ext)s"),
	}
	switch f {
	case FormatAudio:
		args = append(args, "-x", "--audio-format", "mp3")
	default:
		args = append(args, "-f", "mp4/best[ext=mp4]/best")
	}
	args = append(args, d.SourceURL)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	y.logger.Info("downloading link", zap.String("video_id", d.VideoID), zap.String("format", string(f)))
	if err := cmd.Run(); err != nil {
		return nil, apperr.Classify("yt-dlp", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return nil, apperr.New(apperr.KindDownstream, "yt-dlp", fmt.Errorf("no output file for %s", d.VideoID))
	}
	name := entries[0].Name()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	return &File{Name: name, Data: data}, nil
}
