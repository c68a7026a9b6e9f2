package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/mediaid"
	"thirdcoast.systems/lumen/internal/mediainfo"
	"thirdcoast.systems/lumen/internal/queue"
	"thirdcoast.systems/lumen/internal/store/memory"
	"thirdcoast.systems/lumen/internal/thumbnails"
	"thirdcoast.systems/lumen/internal/visual"
)

var testLayout = thumbnails.Layout{
	Heights:          []int{120, 480},
	StillPercentages: []int{10, 50, 90},
	TranscodeHeights: []int{480},
	ImageExt:         "png",
	VideoExt:         "mp4",
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeMedia struct{}

func (fakeMedia) AnalyzeMedia(_ context.Context, abs string) (mediainfo.Metadata, error) {
	fi, err := os.Stat(abs)
	if err != nil {
		return mediainfo.Metadata{}, err
	}
	m := mediainfo.Metadata{Width: 640, Height: 480, MimeType: "image/jpeg", SizeBytes: fi.Size()}
	if filepath.Ext(abs) == ".mp4" {
		m.IsVideo = true
		m.DurationMS = 10_000
		m.MimeType = "video/mp4"
	}
	return m, nil
}

type fakeThumbs struct {
	calls atomic.Int32
	// after runs once the folder is written.
	after func()
}

func (f *fakeThumbs) Generate(_ context.Context, _, outDir string, meta mediainfo.Metadata) error {
	f.calls.Add(1)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, name := range testLayout.Expected(meta.IsVideo) {
		p := filepath.Join(outDir, name)
		var err error
		if strings.HasSuffix(name, ".png") {
			err = writePNG(p)
		} else {
			err = os.WriteFile(p, []byte("video"), 0o644)
		}
		if err != nil {
			return err
		}
	}
	if f.after != nil {
		f.after()
	}
	return nil
}

type fakeVisual struct {
	mu     sync.Mutex
	frames []string
	after  func()
}

func (f *fakeVisual) AnalyzeImage(_ context.Context, path string, marker int) (library.VisualAnalysis, error) {
	f.mu.Lock()
	f.frames = append(f.frames, filepath.Base(path))
	f.mu.Unlock()
	if f.after != nil {
		f.after()
	}
	return library.VisualAnalysis{Faces: 1, Objects: []string{"tree"}, Caption: filepath.Base(path)}, nil
}

func writePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4)))
}

type harness struct {
	ctx    context.Context
	clock  *clock
	store  *memory.Store
	enq    *queue.Enqueuer
	disp   *queue.Dispatcher
	p      *Pipeline
	thumbs *fakeThumbs
	visual *fakeVisual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(c.now))
	store.AddUser(library.User{ID: 1, Username: "ana", MediaFolder: "ana"})
	store.AddUser(library.User{ID: 2, Username: "bo", MediaFolder: "bo"})

	mediaDir := t.TempDir()
	enq := queue.NewEnqueuer(store, mediaDir, 3,
		queue.WithVideoClassifier(func(p string) bool { return filepath.Ext(p) == ".mp4" }),
		queue.WithEnqueueLogger(log),
	)
	h := &harness{
		ctx:    context.Background(),
		clock:  c,
		store:  store,
		enq:    enq,
		thumbs: &fakeThumbs{},
		visual: &fakeVisual{},
	}
	h.p = &Pipeline{
		Library:             store,
		Jobs:                store,
		Enqueuer:            enq,
		Media:               fakeMedia{},
		Thumbs:              h.thumbs,
		Cache:               thumbnails.NopCache{},
		Visual:              h.visual,
		Layout:              testLayout,
		MediaDir:            mediaDir,
		ThumbnailDir:        t.TempDir(),
		AnalysisConcurrency: 2,
		Logger:              log,
	}
	h.disp = queue.NewDispatcher(store, queue.Options{HeartbeatInterval: time.Hour, Logger: log})
	h.p.Register(h.disp)
	return h
}

func (h *harness) writeSource(t *testing.T, rel, content string) string {
	t.Helper()
	abs := h.p.absPath(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func (h *harness) liveJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	all, err := h.store.ListJobs(h.ctx, jobs.ListOptions{})
	require.NoError(t, err)
	var live []*jobs.Job
	for _, j := range all {
		if j.Status.Live() {
			live = append(live, j)
		}
	}
	return live
}

// settle runs jobs, moving the clock past backoffs, until nothing is live.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for range 100 {
		for {
			processed, err := h.disp.RunOnce(h.ctx)
			require.NoError(t, err)
			if !processed {
				break
			}
		}
		if len(h.liveJobs(t)) == 0 {
			return
		}
		h.clock.advance(time.Hour)
	}
	t.Fatal("queue did not drain")
}

func (h *harness) item(t *testing.T, rel string) *library.MediaItem {
	t.Helper()
	it, err := h.store.MediaItemByPath(h.ctx, rel)
	require.NoError(t, err)
	return it
}

func (h *harness) requireNoItem(t *testing.T, rel string) {
	t.Helper()
	_, err := h.store.MediaItemByPath(h.ctx, rel)
	require.ErrorIs(t, err, library.ErrNotFound)
}

func (h *harness) thumbFolders(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.p.ThumbnailDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func uid(id int64) *int64 { return &id }

func TestFullIngest_Photo(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/beach.jpg", "photo-bytes")

	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/beach.jpg", 1))
	h.settle(t)

	it := h.item(t, "ana/beach.jpg")
	require.False(t, it.IsVideo)
	require.Equal(t, int64(1), it.UserID)
	require.NotEmpty(t, it.ContentHash)
	require.True(t, mediaid.Valid(it.ID))
	require.True(t, testLayout.Complete(h.p.thumbDir(it.ID), false))
	require.EqualValues(t, 1, h.thumbs.calls.Load())

	analyses, err := h.store.VisualAnalyses(h.ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	require.Equal(t, 0, analyses[0].FrameMarker)
	require.Equal(t, it.ID, analyses[0].MediaItemID)
	require.Equal(t, []string{"480p.png"}, h.visual.frames)
}

func TestAnalysisBeforeIngest_Converges(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/clip.mp4", "video-bytes")

	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeAnalysis, RelativePath: "ana/clip.mp4", UserID: uid(1)})
	require.NoError(t, err)
	processed, err := h.disp.RunOnce(h.ctx)
	require.NoError(t, err)
	require.True(t, processed)

	live := h.liveJobs(t)
	require.Len(t, live, 1)
	require.Equal(t, jobs.StatusQueued, live[0].Status)
	require.Equal(t, 1, live[0].DependencyAttempts)
	require.Equal(t, 0, live[0].Attempts)

	_, err = h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeIngest, RelativePath: "ana/clip.mp4", UserID: uid(1)})
	require.NoError(t, err)
	h.settle(t)

	it := h.item(t, "ana/clip.mp4")
	require.True(t, it.IsVideo)
	analyses, err := h.store.VisualAnalyses(h.ctx, it.ID)
	require.NoError(t, err)
	var markers []int
	for _, a := range analyses {
		markers = append(markers, a.FrameMarker)
	}
	require.ElementsMatch(t, []int{10, 50, 90}, markers)
}

func TestFullIngest_WithoutAnalyzerDropsAnalysis(t *testing.T) {
	h := newHarness(t)
	h.p.Visual = visual.NewClient("", 0)
	h.writeSource(t, "ana/beach.jpg", "photo-bytes")

	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/beach.jpg", 1))
	h.settle(t)

	it := h.item(t, "ana/beach.jpg")
	require.True(t, testLayout.Complete(h.p.thumbDir(it.ID), false))
	analyses, err := h.store.VisualAnalyses(h.ctx, it.ID)
	require.NoError(t, err)
	require.Empty(t, analyses)

	failures, err := h.store.ListFailures(h.ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestIngest_CancelledWhenSourceDisappears(t *testing.T) {
	h := newHarness(t)
	abs := h.writeSource(t, "ana/gone.jpg", "photo-bytes")
	h.thumbs.after = func() { _ = os.Remove(abs) }

	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/gone.jpg", 1))
	h.settle(t)

	h.requireNoItem(t, "ana/gone.jpg")
	require.Empty(t, h.thumbFolders(t))
	failures, err := h.store.ListFailures(h.ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Empty(t, h.visual.frames)
}

func TestIngest_CancelledWhenRowCancelled(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/a.jpg", "photo-bytes")

	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeIngest, RelativePath: "ana/a.jpg", UserID: uid(1)})
	require.NoError(t, err)
	job, err := h.store.ClaimJob(h.ctx)
	require.NoError(t, err)
	require.Equal(t, jobs.TypeIngest, job.Type)

	require.NoError(t, h.enq.EnqueueRemove(h.ctx, "ana/a.jpg", nil))

	res := h.p.Ingest(h.ctx, job)
	require.Equal(t, jobs.OutcomeCancelled, res.Outcome)
	require.Equal(t, "job cancelled", res.Reason)
	h.requireNoItem(t, "ana/a.jpg")
	require.Empty(t, h.thumbFolders(t))
}

func TestIngest_MissingSourceIsCancelled(t *testing.T) {
	h := newHarness(t)

	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeIngest, RelativePath: "ana/never.jpg", UserID: uid(1)})
	require.NoError(t, err)
	job, err := h.store.ClaimJob(h.ctx)
	require.NoError(t, err)

	res := h.p.Ingest(h.ctx, job)
	require.Equal(t, jobs.OutcomeCancelled, res.Outcome)
	require.Zero(t, h.thumbs.calls.Load())
}

func TestIngest_RerunKeepsCompleteFolder(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/a.jpg", "photo-bytes")
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/a.jpg", 1))
	h.settle(t)
	first := h.item(t, "ana/a.jpg")

	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeIngest, RelativePath: "ana/a.jpg", UserID: uid(1)})
	require.NoError(t, err)
	h.settle(t)

	second := h.item(t, "ana/a.jpg")
	require.Equal(t, first.ID, second.ID)
	require.EqualValues(t, 1, h.thumbs.calls.Load())
	require.Equal(t, []string{first.ID}, h.thumbFolders(t))

	analyses, err := h.store.VisualAnalyses(h.ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, analyses, 1)
}

func TestIngest_ChangedContentReplacesFolder(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/a.jpg", "photo-bytes")
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/a.jpg", 1))
	h.settle(t)
	first := h.item(t, "ana/a.jpg")

	h.writeSource(t, "ana/a.jpg", "edited-photo-bytes")
	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeIngest, RelativePath: "ana/a.jpg", UserID: uid(1)})
	require.NoError(t, err)
	h.settle(t)

	second := h.item(t, "ana/a.jpg")
	require.NotEqual(t, first.ID, second.ID)
	require.NotEqual(t, first.ContentHash, second.ContentHash)
	require.Equal(t, []string{second.ID}, h.thumbFolders(t))
	require.EqualValues(t, 2, h.thumbs.calls.Load())
}

func TestIngest_ContentCacheSkipsGeneration(t *testing.T) {
	h := newHarness(t)
	h.p.Cache = thumbnails.NewLocalCache(t.TempDir(), h.p.Logger)
	h.writeSource(t, "ana/a.jpg", "same-bytes")
	h.writeSource(t, "bo/copy.jpg", "same-bytes")

	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/a.jpg", 1))
	h.settle(t)
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "bo/copy.jpg", 2))
	h.settle(t)

	a := h.item(t, "ana/a.jpg")
	b := h.item(t, "bo/copy.jpg")
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, a.ContentHash, b.ContentHash)
	require.True(t, testLayout.Complete(h.p.thumbDir(b.ID), false))
	require.EqualValues(t, 1, h.thumbs.calls.Load())
}

func TestIngest_AttachesPendingAlbumItem(t *testing.T) {
	h := newHarness(t)
	rel := "ana/imports/bo@remote.example/x1.jpg"
	require.NoError(t, h.store.InTx(h.ctx, func(tx library.Tx) error {
		if _, err := tx.CreateAlbum(h.ctx, &library.Album{ID: "album-1", UserID: 1, Name: "Trip"}); err != nil {
			return err
		}
		return tx.UpsertPendingAlbumItem(h.ctx, library.PendingAlbumMediaItem{
			RelativePath:       rel,
			AlbumID:            "album-1",
			RemoteUserIdentity: "bo@remote.example",
			UserID:             1,
		})
	}))
	h.writeSource(t, rel, "remote-bytes")

	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, rel, 1))
	h.settle(t)

	it := h.item(t, rel)
	members, err := h.store.AlbumMediaItems(h.ctx, "album-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, it.ID, members[0].ID)
	require.Empty(t, h.store.PendingAlbumItems())

	rid, ok := h.store.RemoteUserID(1, "bo@remote.example")
	require.True(t, ok)
	require.NotNil(t, it.RemoteUserID)
	require.Equal(t, rid, *it.RemoteUserID)
}

func TestRemove_DeletesItemAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	abs := h.writeSource(t, "ana/a.jpg", "photo-bytes")
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/a.jpg", 1))
	h.settle(t)
	it := h.item(t, "ana/a.jpg")

	require.NoError(t, h.enq.EnqueueRemove(h.ctx, "ana/a.jpg", uid(1)))
	h.settle(t)

	h.requireNoItem(t, "ana/a.jpg")
	_, err := os.Stat(h.p.thumbDir(it.ID))
	require.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(abs)
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, h.enq.EnqueueRemove(h.ctx, "ana/a.jpg", uid(1)))
	h.settle(t)
	failures, err := h.store.ListFailures(h.ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestRemove_SupersedesPendingIngest(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/a.jpg", "photo-bytes")

	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/a.jpg", 1))
	require.NoError(t, h.enq.EnqueueRemove(h.ctx, "ana/a.jpg", uid(1)))
	h.settle(t)

	h.requireNoItem(t, "ana/a.jpg")
	require.Zero(t, h.thumbs.calls.Load())
	require.Empty(t, h.visual.frames)
}

func TestAnalysis_CancelledWhenSourceDisappears(t *testing.T) {
	h := newHarness(t)
	abs := h.writeSource(t, "ana/a.jpg", "photo-bytes")
	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeIngest, RelativePath: "ana/a.jpg", UserID: uid(1)})
	require.NoError(t, err)
	h.settle(t)
	it := h.item(t, "ana/a.jpg")

	_, err = h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeAnalysis, RelativePath: "ana/a.jpg", UserID: uid(1)})
	require.NoError(t, err)
	job, err := h.store.ClaimJob(h.ctx)
	require.NoError(t, err)
	h.visual.after = func() { _ = os.Remove(abs) }

	res := h.p.Analysis(h.ctx, job)
	require.Equal(t, jobs.OutcomeCancelled, res.Outcome)
	require.Equal(t, "source file disappeared", res.Reason)
	analyses, err := h.store.VisualAnalyses(h.ctx, it.ID)
	require.NoError(t, err)
	require.Empty(t, analyses)
}

func TestScan_EnqueuesUnknownMediaOnly(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/old.jpg", "old")
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/old.jpg", 1))
	h.settle(t)

	h.writeSource(t, "ana/2024/new.jpg", "new")
	h.writeSource(t, "ana/.cache/skip.jpg", "hidden")
	h.writeSource(t, "ana/notes.txt", "text")
	h.writeSource(t, "bo/other.jpg", "other user")

	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeScan, UserID: uid(1)})
	require.NoError(t, err)
	job, err := h.store.ClaimJob(h.ctx)
	require.NoError(t, err)
	require.Equal(t, jobs.TypeScan, job.Type)

	res := h.p.Scan(h.ctx, job)
	require.Equal(t, jobs.OutcomeDone, res.Outcome)

	queued := jobs.StatusQueued
	pending, err := h.store.ListJobs(h.ctx, jobs.ListOptions{Status: &queued})
	require.NoError(t, err)
	var got []string
	for _, j := range pending {
		got = append(got, string(j.Type)+":"+j.Path())
	}
	require.ElementsMatch(t, []string{"ingest:ana/2024/new.jpg", "analysis:ana/2024/new.jpg"}, got)
}

func TestCleanDB_RemovesMissingSourcesAndOrphans(t *testing.T) {
	h := newHarness(t)
	h.writeSource(t, "ana/keep.jpg", "keep")
	lost := h.writeSource(t, "ana/lost.jpg", "lost")
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/keep.jpg", 1))
	require.NoError(t, h.enq.EnqueueFullIngest(h.ctx, "ana/lost.jpg", 1))
	h.settle(t)
	lostItem := h.item(t, "ana/lost.jpg")
	require.NoError(t, os.Remove(lost))

	stale := mediaid.New()
	fresh := mediaid.New()
	for _, name := range []string{stale, fresh, "not-an-id"} {
		require.NoError(t, os.Mkdir(filepath.Join(h.p.ThumbnailDir, name), 0o755))
	}
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(h.p.ThumbnailDir, stale), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(h.p.ThumbnailDir, "not-an-id"), old, old))

	_, err := h.enq.Enqueue(h.ctx, queue.Request{Type: jobs.TypeCleanDB})
	require.NoError(t, err)
	h.settle(t)

	h.item(t, "ana/keep.jpg")
	h.requireNoItem(t, "ana/lost.jpg")

	folders := h.thumbFolders(t)
	require.NotContains(t, folders, stale)
	require.NotContains(t, folders, lostItem.ID)
	require.Contains(t, folders, fresh)
	require.Contains(t, folders, "not-an-id")
}
