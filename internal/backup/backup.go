package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/store"
	"go.uber.org/zap"
)

const (
	filePrefix = "wppbot-"
	fileSuffix = ".db"
	timeLayout = "20060102T150405Z"
)

// Uploader ships a finished snapshot somewhere off the host.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// Job takes one snapshot of the app database, prunes old ones and uploads the
// new file when an Uploader is configured.
type Job struct {
	db       *store.DB
	dir      string
	keep     int
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// NewJob creates a backup job writing into dir. uploader may be nil.
func NewJob(db *store.DB, dir string, keep int, uploader Uploader, b *bus.Bus, logger *zap.Logger) *Job {
	return &Job{
		db:       db,
		dir:      dir,
		keep:     keep,
		uploader: uploader,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
}

// Run snapshots the database and returns the path written.
func (j *Job) Run(ctx context.Context) (string, error) {
	at := j.now().UTC()
	name := filePrefix + at.Format(timeLayout) + fileSuffix
	dest := filepath.Join(j.dir, name)

	if err := j.db.Snapshot(ctx, dest); err != nil {
		return "", err
	}
	if err := j.prune(); err != nil {
		j.logger.Warn("failed to prune old snapshots", zap.Error(err))
	}

	if j.uploader != nil {
		if err := j.upload(ctx, dest, name); err != nil {
			return dest, fmt.Errorf("upload %s: %w", name, err)
		}
	}

	if err := j.db.SetState(ctx, store.StateLastBackup, at.Format(time.RFC3339)); err != nil {
		j.logger.Warn("failed to record backup time", zap.Error(err))
	}
	j.logger.Info("backup completed", zap.String("path", dest), zap.Bool("uploaded", j.uploader != nil))
	j.bus.Emit(bus.KindBackupCompleted, map[string]string{"path": dest, "at": at.Format(time.RFC3339)})
	return dest, nil
}

func (j *Job) upload(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return j.uploader.Upload(ctx, key, f)
}

// prune removes the oldest snapshots beyond keep. Names sort by time.
func (j *Job) prune() error {
	snaps, err := List(j.dir)
	if err != nil {
		return err
	}
	if len(snaps) <= j.keep {
		return nil
	}
	for _, p := range snaps[:len(snaps)-j.keep] {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

// List returns snapshot paths in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, filePrefix) || !strings.HasSuffix(n, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, n))
	}
	sort.Strings(out)
	return out, nil
}

// objectKey joins the configured prefix with a snapshot file name.
func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
