package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/visual"
)

const analyzerDisabled = "visual analyzer not configured"

// Analysis runs the visual analyzer over an ingested item's stills and
// stores one record per frame. It defers itself until Ingest has produced
// the item. With no analyzer configured the job is dropped, not retried.
func (p *Pipeline) Analysis(ctx context.Context, job *jobs.Job) jobs.Result {
	rel := job.Path()
	if rel == "" {
		return jobs.Failf("analysis job %d has no relative path", job.ID)
	}
	log := p.log().With(job.LogAttrs()...)
	if p.Visual == nil {
		return jobs.Cancelled(analyzerDisabled)
	}

	if ok, err := p.sourceExists(rel); err != nil {
		return jobs.Fail(err)
	} else if !ok {
		return jobs.Cancelled("source file missing")
	}

	item, err := p.Library.MediaItemByPath(ctx, rel)
	if errors.Is(err, library.ErrNotFound) {
		return jobs.Reschedule("media item not ingested yet")
	}
	if err != nil {
		return jobs.Fail(fmt.Errorf("lookup media item: %w", err))
	}

	frames := p.Layout.AnalysisFrames(item.IsVideo)
	results := make([]library.VisualAnalysis, len(frames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.AnalysisConcurrency, 1))
	for i, f := range frames {
		g.Go(func() error {
			img := filepath.Join(p.thumbDir(item.ID), f.Name)
			va, err := p.Visual.AnalyzeImage(gctx, img, f.Marker)
			if err != nil {
				return fmt.Errorf("analyze frame %d: %w", f.Marker, err)
			}
			va.MediaItemID = item.ID
			va.FrameMarker = f.Marker
			results[i] = va
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, visual.ErrDisabled) {
			log.Warn("visual analysis skipped", "reason", analyzerDisabled)
			return jobs.Cancelled(analyzerDisabled)
		}
		return jobs.Fail(err)
	}

	var cancelReason string
	err = p.Library.InTx(ctx, func(tx library.Tx) error {
		reason, err := p.checkpoint(ctx, job)
		if err != nil {
			return err
		}
		if reason != "" {
			cancelReason = reason
			return errCancelled
		}
		return tx.ReplaceVisualAnalyses(ctx, item.ID, results)
	})
	if errors.Is(err, errCancelled) {
		return jobs.Cancelled(cancelReason)
	}
	if errors.Is(err, library.ErrNotFound) {
		// Replaced or removed since the lookup; the next attempt finds the
		// new item or cancels.
		return jobs.Reschedule("media item replaced during analysis")
	}
	if err != nil {
		return jobs.Fail(fmt.Errorf("store analyses: %w", err))
	}

	log.Info("media item analyzed", "media_item_id", item.ID, "frames", len(results))
	return jobs.Done()
}
