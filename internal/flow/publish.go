package flow

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// PublishResult reports one PublishData run.
type PublishResult struct {
	Dir         string
	Published   int
	Missing     int
	PublishedAt time.Time
}

// Publisher copies every transmission file into a public folder, where the
// data can be collected by hand when the device cannot sync. Archives land
// in <dir>/devicezip and media in <dir>/images, mirroring the remote layout.
type Publisher struct {
	db     TransmissionStore
	files  FileStore
	clock  Clock
	logger Logger
}

func NewPublisher(db TransmissionStore, files FileStore, clock Clock, logger Logger) *Publisher {
	return &Publisher{db: db, files: files, clock: clock, logger: logger}
}

// Publish copies the files of all transmissions, whatever their status,
// into dir. Files no longer on the device are skipped and counted. If any
// copy fails, the files already published by this run are removed again.
func (p *Publisher) Publish(ctx context.Context, dir string) (PublishResult, error) {
	res := PublishResult{Dir: dir}
	ts, err := p.db.Transmissions()
	if err != nil {
		return res, err
	}

	var copied []string
	for _, t := range ts {
		if err := ctx.Err(); err != nil {
			return res, p.unpublish(copied, err)
		}
		src := TransmissionPath(p.files, t.Filename)
		_, exists, err := p.files.Stat(src)
		if err != nil {
			return res, p.unpublish(copied, fmt.Errorf("checking %s: %w", t.Filename, err))
		}
		if !exists {
			p.logger.Warn("transmission file missing, not published", "file", t.Filename, "instance", t.InstanceID)
			res.Missing++
			continue
		}
		dst := PublishedPath(dir, t.Filename)
		if err := p.files.Copy(src, dst); err != nil {
			return res, p.unpublish(copied, fmt.Errorf("publishing %s: %w", t.Filename, err))
		}
		copied = append(copied, dst)
	}

	res.Published = len(copied)
	res.PublishedAt = p.clock.Now()
	p.logger.Info("data published", "dir", dir, "files", res.Published, "missing", res.Missing)
	return res, nil
}

func (p *Publisher) unpublish(copied []string, cause error) error {
	for _, path := range copied {
		if err := p.files.Remove(path); err != nil {
			p.logger.Error("removing published file", "path", path, "error", err)
		}
	}
	p.logger.Warn("publish failed, published files removed", "removed", len(copied), "error", cause)
	return cause
}

// PublishedPath is where Publish puts filename under dir.
func PublishedPath(dir, filename string) string {
	return filepath.Join(dir, RemoteDir(filename), filepath.Base(filename))
}
