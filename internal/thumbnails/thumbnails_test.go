package thumbnails

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/lumen/internal/mediainfo"
	"thirdcoast.systems/lumen/pkg/ffmpeg"
)

var testLayout = Layout{
	Heights:          []int{240, 720},
	StillPercentages: []int{90, 10, 50},
	TranscodeHeights: []int{480},
	ImageExt:         "png",
	VideoExt:         "mp4",
}

func writePNG(t *testing.T, path string, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, h*4/3, h))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLayoutNames(t *testing.T) {
	require.Equal(t, []string{"240p.png", "720p.png"}, testLayout.Expected(false))
	require.Equal(t, []string{
		"240p.png", "720p.png",
		"90_percent.png", "10_percent.png", "50_percent.png",
		"480p.mp4",
	}, testLayout.Expected(true))

	require.Equal(t, []Frame{{Marker: 0, Name: "720p.png"}}, testLayout.AnalysisFrames(false))
	require.Len(t, testLayout.AnalysisFrames(true), 3)
	require.Equal(t, 50, testLayout.PosterPercentage())
}

func TestCompleteRejectsMissingAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	require.False(t, testLayout.Complete(dir, false))

	writePNG(t, filepath.Join(dir, "240p.png"), 24)
	require.False(t, testLayout.Complete(dir, false))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "720p.png"), []byte("garbage"), 0o644))
	require.False(t, testLayout.Complete(dir, false))

	writePNG(t, filepath.Join(dir, "720p.png"), 72)
	require.True(t, testLayout.Complete(dir, false))
	require.False(t, testLayout.Complete(dir, true))
}

type fakeFFmpeg struct {
	mu         sync.Mutex
	frames     map[string]time.Duration
	transcodes []string
}

func newTestGenerator(t *testing.T) (*FFmpegGenerator, *fakeFFmpeg) {
	f := &fakeFFmpeg{frames: map[string]time.Duration{}}
	g := NewFFmpegGenerator(testLayout, nil)
	g.extractFrame = func(ctx context.Context, input, output string, opts ffmpeg.FrameOptions) error {
		f.mu.Lock()
		f.frames[filepath.Base(output)] = opts.At
		f.mu.Unlock()
		writePNG(t, output, opts.Height/10)
		return nil
	}
	g.transcode = func(ctx context.Context, input, output string, opts ffmpeg.TranscodeOptions) error {
		f.mu.Lock()
		f.transcodes = append(f.transcodes, filepath.Base(output))
		f.mu.Unlock()
		return os.WriteFile(output, []byte("video"), 0o644)
	}
	return g, f
}

func TestGenerateVideoSet(t *testing.T) {
	g, f := newTestGenerator(t)
	out := filepath.Join(t.TempDir(), "abc")

	meta := mediainfo.Metadata{IsVideo: true, DurationMS: 10_000}
	require.NoError(t, g.Generate(t.Context(), "src.mov", out, meta))
	require.True(t, testLayout.Complete(out, true))

	require.Equal(t, time.Second, f.frames["10_percent.png"])
	require.Equal(t, 9*time.Second, f.frames["90_percent.png"])
	require.Equal(t, 5*time.Second, f.frames["720p.png"], "posters come from the middle still")
	require.Equal(t, []string{"480p.mp4"}, f.transcodes)

	// A second run keeps valid files.
	f.frames = map[string]time.Duration{}
	require.NoError(t, g.Generate(t.Context(), "src.mov", out, meta))
	require.Empty(t, f.frames)
	require.Len(t, f.transcodes, 1)
}

func TestGeneratePhotoSet(t *testing.T) {
	g, f := newTestGenerator(t)
	out := filepath.Join(t.TempDir(), "def")

	require.NoError(t, g.Generate(t.Context(), "src.jpg", out, mediainfo.Metadata{}))
	require.True(t, testLayout.Complete(out, false))
	require.Len(t, f.frames, 2)
	require.Empty(t, f.transcodes)
}

func TestSeekFor(t *testing.T) {
	require.Equal(t, time.Duration(0), seekFor(0, 50))
	require.Equal(t, 5*time.Second, seekFor(10*time.Second, 50))
	require.Equal(t, 9900*time.Millisecond, seekFor(10*time.Second, 100))
}

func TestHashFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))
	hash, size, err := HashFile(p)
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hash)
}

const testHash = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestLocalCacheRoundTrip(t *testing.T) {
	ctx := t.Context()
	cache := NewLocalCache(t.TempDir(), nil)
	names := testLayout.Expected(false)

	hit, err := cache.Fetch(ctx, testHash, t.TempDir(), names)
	require.NoError(t, err)
	require.False(t, hit)

	src := t.TempDir()
	for _, n := range names {
		writePNG(t, filepath.Join(src, n), 10)
	}
	require.NoError(t, cache.Store(ctx, testHash, src, names))
	// Last writer wins.
	require.NoError(t, cache.Store(ctx, testHash, src, names))

	dst := filepath.Join(t.TempDir(), "new")
	hit, err = cache.Fetch(ctx, testHash, dst, names)
	require.NoError(t, err)
	require.True(t, hit)
	require.True(t, testLayout.Complete(dst, false))

	_, err = cache.Fetch(ctx, "../../etc", dst, names)
	require.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3CacheRoundTrip(t *testing.T) {
	ctx := t.Context()
	fake := &fakeS3{objects: map[string][]byte{}}
	cache := NewS3Cache(fake, "thumbs", "/cache/", nil)
	names := testLayout.Expected(false)

	hit, err := cache.Fetch(ctx, testHash, t.TempDir(), names)
	require.NoError(t, err)
	require.False(t, hit)

	src := t.TempDir()
	for _, n := range names {
		writePNG(t, filepath.Join(src, n), 10)
	}
	require.NoError(t, cache.Store(ctx, testHash, src, names))
	require.Contains(t, fake.objects, "thumbs/cache/"+testHash+"/240p.png")
	require.Contains(t, fake.objects, "thumbs/cache/"+testHash+"/"+manifestName)

	dst := t.TempDir()
	hit, err = cache.Fetch(ctx, testHash, dst, names)
	require.NoError(t, err)
	require.True(t, hit)
	require.True(t, testLayout.Complete(dst, false))

	// An entry written with a different layout misses.
	hit, err = cache.Fetch(ctx, testHash, t.TempDir(), append(names, "1440p.png"))
	require.NoError(t, err)
	require.False(t, hit)
}
