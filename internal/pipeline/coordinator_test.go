package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FourTwoN/demeter-vision/internal/detection"
	"github.com/FourTwoN/demeter-vision/internal/estimation"
	"github.com/FourTwoN/demeter-vision/internal/geometry"
	"github.com/FourTwoN/demeter-vision/internal/imaging"
	"github.com/FourTwoN/demeter-vision/internal/inference"
	"github.com/FourTwoN/demeter-vision/internal/resources"
	"github.com/FourTwoN/demeter-vision/internal/segmentation"
	"github.com/FourTwoN/demeter-vision/internal/storage"
	"github.com/FourTwoN/demeter-vision/internal/store"
	"github.com/FourTwoN/demeter-vision/internal/viz"
	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// memBlob is an in-memory BlobStore for coordinator tests.
type memBlob struct {
	mu       sync.Mutex
	photos   map[string][]byte
	uploads  map[string][]byte
	fetchErr error
}

func newMemBlob() *memBlob {
	return &memBlob{
		photos:  make(map[string][]byte),
		uploads: make(map[string][]byte),
	}
}

func (m *memBlob) Fetch(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	data, ok := m.photos[sessionID]
	if !ok {
		return nil, fmt.Errorf("no photo for %s: %w", sessionID, storage.ErrStorageUnavailable)
	}
	return data, nil
}

func (m *memBlob) Upload(_ context.Context, sessionID string, kind storage.ArtifactKind, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("mem://%s/%s", sessionID, kind)
	m.uploads[ref] = data
	return ref, nil
}

type segmenterHandle struct {
	fn func(ctx context.Context, img image.Image) ([]inference.Region, error)
}

func (h *segmenterHandle) Release() {}
func (h *segmenterHandle) Segment(ctx context.Context, img image.Image) ([]inference.Region, error) {
	return h.fn(ctx, img)
}

type detectorHandle struct {
	fn func(ctx context.Context, img image.Image) ([]inference.RawDetection, error)
}

func (h *detectorHandle) Release() {}
func (h *detectorHandle) Detect(ctx context.Context, img image.Image) ([]inference.RawDetection, error) {
	return h.fn(ctx, img)
}

// harness wires a Coordinator over in-memory stores and fake models.
type harness struct {
	coord    *Coordinator
	sessions *store.MemoryStore
	blobs    *memBlob
}

func newHarness(
	t *testing.T,
	segment func(ctx context.Context, img image.Image) ([]inference.Region, error),
	detect func(ctx context.Context, img image.Image) ([]inference.RawDetection, error),
	opts Options,
) *harness {
	t.Helper()

	loader := func(_ context.Context, kind resources.Kind, _ string) (resources.Handle, error) {
		switch kind {
		case resources.KindSegmenter:
			return &segmenterHandle{fn: segment}, nil
		case resources.KindDetector:
			return &detectorHandle{fn: detect}, nil
		}
		return nil, fmt.Errorf("unexpected kind %s", kind)
	}
	cache := resources.New(loader, 0)
	t.Cleanup(cache.Clear)

	sessions := store.NewMemoryStore()
	blobs := newMemBlob()

	coord := New(
		segmentation.NewStage(cache, 0),
		detection.NewStage(cache, 0, detection.Params{
			TileSize:      640,
			TileOverlap:   0.2,
			NMSThreshold:  0.45,
			MinConfidence: 0.3,
		}),
		estimation.NewEstimator(4, 0.15, 0.10),
		viz.NewRenderer(),
		blobs,
		sessions,
		opts,
	)
	return &harness{coord: coord, sessions: sessions, blobs: blobs}
}

// putPhoto stores a blank 200x100 PNG as the session's source photo.
func (h *harness) putPhoto(t *testing.T, sessionID string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test photo: %v", err)
	}
	h.blobs.photos[sessionID] = buf.Bytes()
}

// Two direct regions over the 200x100 photo. Region A crops to 100x100,
// region B to 100x50; detectors key failure behavior off the crop height.
var (
	regionA = inference.Region{Label: "bench-a", Type: vision.SegmentDirect, BBox: geometry.BBox{X1: 0, Y1: 0, X2: 0.5, Y2: 1.0}}
	regionB = inference.Region{Label: "bench-b", Type: vision.SegmentDirect, BBox: geometry.BBox{X1: 0.5, Y1: 0, X2: 1.0, Y2: 0.5}}
)

func twoRegions(_ context.Context, _ image.Image) ([]inference.Region, error) {
	return []inference.Region{regionA, regionB}, nil
}

func oneDetection(_ context.Context, _ image.Image) ([]inference.RawDetection, error) {
	return []inference.RawDetection{{X: 10, Y: 10, Width: 4, Height: 4, Confidence: 0.9}}, nil
}

func defaultOpts() Options {
	return Options{MaxParallelSegments: 4, SegmentTimeout: 5 * time.Second}
}

func TestRunZeroSegmentsCompletes(t *testing.T) {
	h := newHarness(t,
		func(_ context.Context, _ image.Image) ([]inference.Region, error) { return nil, nil },
		oneDetection,
		defaultOpts(),
	)
	h.putPhoto(t, "sess-1")

	result, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.TotalDetected != 0 || len(result.Segments) != 0 || len(result.Failed) != 0 {
		t.Errorf("zero-segment result = %+v, want empty", result)
	}

	session, _ := h.sessions.GetSession(context.Background(), "sess-1")
	if session.Status != store.StatusCompleted {
		t.Errorf("session status = %q, want %q", session.Status, store.StatusCompleted)
	}
}

func TestRunAllSegmentsSucceed(t *testing.T) {
	h := newHarness(t, twoRegions, oneDetection, defaultOpts())
	h.putPhoto(t, "sess-1")
	ctx := context.Background()

	result, err := h.coord.Run(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.TotalDetected != 2 {
		t.Errorf("TotalDetected = %d, want 2", result.TotalDetected)
	}
	if len(result.Segments) != 2 || len(result.Failed) != 0 {
		t.Errorf("Segments = %d, Failed = %d, want 2, 0", len(result.Segments), len(result.Failed))
	}
	if len(result.Artifacts) != 2 {
		t.Errorf("Artifacts = %v, want overlay and result refs", result.Artifacts)
	}

	session, _ := h.sessions.GetSession(ctx, "sess-1")
	if session.Status != store.StatusCompleted {
		t.Errorf("session status = %q, want %q", session.Status, store.StatusCompleted)
	}

	stored, err := h.sessions.GetResult(ctx, "sess-1")
	if err != nil || stored == nil {
		t.Fatalf("GetResult() = %v, %v, want stored result", stored, err)
	}
	if stored.TotalDetected != result.TotalDetected {
		t.Errorf("stored TotalDetected = %d, want %d", stored.TotalDetected, result.TotalDetected)
	}

	tasks, _ := h.sessions.ListSegmentTasks(ctx, "sess-1")
	if len(tasks) != 2 {
		t.Fatalf("ListSegmentTasks() = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != store.TaskCompleted {
			t.Errorf("task %s status = %q, want %q", task.SegmentID, task.Status, store.TaskCompleted)
		}
	}
}

func TestRunPartialFailure(t *testing.T) {
	// Region B's 100x50 crop fails; region A succeeds.
	detect := func(_ context.Context, img image.Image) ([]inference.RawDetection, error) {
		if _, height := imaging.Dimensions(img); height == 50 {
			return nil, errors.New("model exploded")
		}
		return oneDetection(nil, nil)
	}
	h := newHarness(t, twoRegions, detect, defaultOpts())
	h.putPhoto(t, "sess-1")
	ctx := context.Background()

	result, err := h.coord.Run(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Run() error = %v; partial failure must still produce a result", err)
	}

	if len(result.Segments) != 1 {
		t.Errorf("Segments = %d, want 1", len(result.Segments))
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %d, want 1", len(result.Failed))
	}
	if !strings.Contains(result.Failed[0].Reason, "model exploded") {
		t.Errorf("failure reason = %q, want the model error surfaced", result.Failed[0].Reason)
	}
	if result.Failed[0].SegmentID == result.Segments[0].SegmentID {
		t.Error("failed segment id also listed as succeeded")
	}

	session, _ := h.sessions.GetSession(ctx, "sess-1")
	if session.Status != store.StatusPartiallyCompleted {
		t.Errorf("session status = %q, want %q", session.Status, store.StatusPartiallyCompleted)
	}
}

func TestRunAllSegmentsFailFailsSession(t *testing.T) {
	detect := func(_ context.Context, _ image.Image) ([]inference.RawDetection, error) {
		return nil, errors.New("model exploded")
	}
	h := newHarness(t, twoRegions, detect, defaultOpts())
	h.putPhoto(t, "sess-1")
	ctx := context.Background()

	_, err := h.coord.Run(ctx, "sess-1")
	if err == nil {
		t.Fatal("Run() succeeded with every segment task failed")
	}
	var sf *SessionFailure
	if !errors.As(err, &sf) {
		t.Fatalf("Run() error = %T, want *SessionFailure", err)
	}
	if !errors.Is(err, ErrAllSegmentsFailed) {
		t.Errorf("Run() error = %v, want ErrAllSegmentsFailed", err)
	}

	session, _ := h.sessions.GetSession(ctx, "sess-1")
	if session.Status != store.StatusFailed {
		t.Errorf("session status = %q, want %q", session.Status, store.StatusFailed)
	}

	tasks, _ := h.sessions.ListSegmentTasks(ctx, "sess-1")
	if len(tasks) != 2 {
		t.Fatalf("ListSegmentTasks() = %d, want 2 recorded failures", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != store.TaskFailed {
			t.Errorf("task %s status = %q, want %q", task.SegmentID, task.Status, store.TaskFailed)
		}
	}
}

func TestRunSegmentTimeoutIsPerSegment(t *testing.T) {
	// Region B's child blocks past the per-segment deadline; region A
	// succeeds. The timeout must settle as one segment failure, not a
	// session failure.
	detect := func(ctx context.Context, img image.Image) ([]inference.RawDetection, error) {
		if _, height := imaging.Dimensions(img); height == 50 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return oneDetection(nil, nil)
	}
	opts := Options{MaxParallelSegments: 4, SegmentTimeout: 50 * time.Millisecond}
	h := newHarness(t, twoRegions, detect, opts)
	h.putPhoto(t, "sess-1")

	result, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run() error = %v; one timed-out child must not fail the session", err)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %d, want 1", len(result.Failed))
	}
	if !strings.Contains(result.Failed[0].Reason, "timed out") {
		t.Errorf("failure reason = %q, want a timeout", result.Failed[0].Reason)
	}
}

func TestRunCancellationFailsSession(t *testing.T) {
	detect := func(ctx context.Context, _ image.Image) ([]inference.RawDetection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	// One worker slot: the second child is still queued when the
	// session is cancelled and must settle as cancelled without running.
	opts := Options{MaxParallelSegments: 1, SegmentTimeout: 5 * time.Second}
	h := newHarness(t, twoRegions, detect, opts)
	h.putPhoto(t, "sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := h.coord.Run(ctx, "sess-1")
	if err == nil {
		t.Fatal("Run() succeeded after cancellation")
	}
	var sf *SessionFailure
	if !errors.As(err, &sf) {
		t.Fatalf("Run() error = %T, want *SessionFailure", err)
	}

	session, _ := h.sessions.GetSession(context.Background(), "sess-1")
	if session.Status != store.StatusFailed {
		t.Errorf("session status = %q, want %q", session.Status, store.StatusFailed)
	}

	tasks, _ := h.sessions.ListSegmentTasks(context.Background(), "sess-1")
	cancelled := 0
	for _, task := range tasks {
		if task.Status == store.TaskCancelled {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Error("no segment task recorded as cancelled")
	}
}

func TestRunFetchFailureFailsSession(t *testing.T) {
	h := newHarness(t, twoRegions, oneDetection, defaultOpts())
	h.blobs.fetchErr = fmt.Errorf("bucket gone: %w", storage.ErrStorageUnavailable)

	_, err := h.coord.Run(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("Run() succeeded with storage unavailable")
	}
	if !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Errorf("Run() error = %v, want ErrStorageUnavailable", err)
	}

	session, _ := h.sessions.GetSession(context.Background(), "sess-1")
	if session == nil || session.Status != store.StatusFailed {
		t.Errorf("session = %+v, want status %q", session, store.StatusFailed)
	}
}

func TestRunUnreadablePhotoFailsSession(t *testing.T) {
	h := newHarness(t, twoRegions, oneDetection, defaultOpts())
	h.blobs.photos["sess-1"] = []byte("definitely not an image")

	_, err := h.coord.Run(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("Run() succeeded on an unreadable photo")
	}
	var sf *SessionFailure
	if !errors.As(err, &sf) {
		t.Fatalf("Run() error = %T, want *SessionFailure", err)
	}
	if sf.Stage != "decode source photo" {
		t.Errorf("failure stage = %q, want decode source photo", sf.Stage)
	}
}
