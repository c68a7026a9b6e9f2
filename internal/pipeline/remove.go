package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
)

// Remove deletes the MediaItem at the job's path, then its thumbnail folder
// and the source file if either is still present. Running it twice is
// harmless.
func (p *Pipeline) Remove(ctx context.Context, job *jobs.Job) jobs.Result {
	rel := job.Path()
	if rel == "" {
		return jobs.Failf("remove job %d has no relative path", job.ID)
	}
	log := p.log().With(job.LogAttrs()...)

	var oldID string
	var found bool
	err := p.Library.InTx(ctx, func(tx library.Tx) error {
		var err error
		oldID, found, err = tx.DeleteMediaItemByPath(ctx, rel)
		return err
	})
	if err != nil {
		return jobs.Fail(fmt.Errorf("delete media item: %w", err))
	}

	if found {
		if err := os.RemoveAll(p.thumbDir(oldID)); err != nil {
			log.Warn("failed to remove thumbnail folder", "media_item_id", oldID, "error", err)
		}
	}
	if err := os.Remove(p.absPath(rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove source file", "error", err)
	}

	log.Info("media item removed", "media_item_id", oldID, "found", found)
	return jobs.Done()
}
