package resources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeHandle counts releases so tests can verify cleanup.
type fakeHandle struct {
	device   string
	released atomic.Int32
}

func (h *fakeHandle) Release() {
	h.released.Add(1)
}

// countingLoader returns a Loader that tracks how many loads ran.
func countingLoader(loads *atomic.Int32) Loader {
	return func(_ context.Context, _ Kind, device string) (Handle, error) {
		loads.Add(1)
		return &fakeHandle{device: device}, nil
	}
}

func TestGetLoadsOncePerKey(t *testing.T) {
	var loads atomic.Int32
	c := New(countingLoader(&loads), 2)

	h1, err := c.Get(context.Background(), KindDetector, 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	h2, err := c.Get(context.Background(), KindDetector, 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if h1 != h2 {
		t.Error("second Get() returned a different handle")
	}
	if n := loads.Load(); n != 1 {
		t.Errorf("loader ran %d times, want 1", n)
	}
}

func TestGetConcurrentSameKey(t *testing.T) {
	var loads atomic.Int32
	c := New(countingLoader(&loads), 1)

	const callers = 50
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			h, err := c.Get(context.Background(), KindDetector, 3)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	close(start)
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Fatalf("loader ran %d times under 50 concurrent callers, want 1", n)
	}
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
}

func TestGetDistinctKeysLoadSeparately(t *testing.T) {
	var loads atomic.Int32
	c := New(countingLoader(&loads), 2)

	hd, _ := c.Get(context.Background(), KindDetector, 0)
	hs, _ := c.Get(context.Background(), KindSegmenter, 0)
	hw, _ := c.Get(context.Background(), KindDetector, 1)

	if hd == hs || hd == hw {
		t.Error("distinct keys shared a handle")
	}
	if n := loads.Load(); n != 3 {
		t.Errorf("loader ran %d times, want 3", n)
	}
}

func TestDeviceAssignment(t *testing.T) {
	c := New(countingLoader(new(atomic.Int32)), 2)
	if d := c.DeviceFor(0); d != "cuda:0" {
		t.Errorf("DeviceFor(0) = %q, want cuda:0", d)
	}
	if d := c.DeviceFor(3); d != "cuda:1" {
		t.Errorf("DeviceFor(3) = %q, want cuda:1", d)
	}

	cpu := New(countingLoader(new(atomic.Int32)), 0)
	if d := cpu.DeviceFor(7); d != "cpu" {
		t.Errorf("DeviceFor(7) with no devices = %q, want cpu", d)
	}
}

func TestGetInvalidKey(t *testing.T) {
	c := New(countingLoader(new(atomic.Int32)), 1)

	if _, err := c.Get(context.Background(), Kind("oracle"), 0); !errors.Is(err, ErrInvalidCacheKey) {
		t.Errorf("unknown kind: err = %v, want ErrInvalidCacheKey", err)
	}
	if _, err := c.Get(context.Background(), KindDetector, -1); !errors.Is(err, ErrInvalidCacheKey) {
		t.Errorf("negative worker: err = %v, want ErrInvalidCacheKey", err)
	}
}

func TestGetRetriesAfterLoadFailure(t *testing.T) {
	var calls atomic.Int32
	loadErr := errors.New("device out of memory")
	loader := func(_ context.Context, _ Kind, device string) (Handle, error) {
		if calls.Add(1) == 1 {
			return nil, loadErr
		}
		return &fakeHandle{device: device}, nil
	}
	c := New(loader, 1)

	if _, err := c.Get(context.Background(), KindDetector, 0); !errors.Is(err, loadErr) {
		t.Fatalf("first Get() error = %v, want load failure", err)
	}
	h, err := c.Get(context.Background(), KindDetector, 0)
	if err != nil {
		t.Fatalf("retry Get() error = %v", err)
	}
	if h == nil {
		t.Fatal("retry Get() returned nil handle")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("loader ran %d times, want 2", n)
	}
}

func TestClearReleasesHandles(t *testing.T) {
	var loads atomic.Int32
	c := New(countingLoader(&loads), 1)

	h1, _ := c.Get(context.Background(), KindDetector, 0)
	h2, _ := c.Get(context.Background(), KindSegmenter, 0)
	c.Clear()

	if n := h1.(*fakeHandle).released.Load(); n != 1 {
		t.Errorf("detector handle released %d times, want 1", n)
	}
	if n := h2.(*fakeHandle).released.Load(); n != 1 {
		t.Errorf("segmenter handle released %d times, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}

	// A post-clear Get loads fresh.
	h3, err := c.Get(context.Background(), KindDetector, 0)
	if err != nil {
		t.Fatalf("Get() after Clear error = %v", err)
	}
	if h3 == h1 {
		t.Error("Get() after Clear returned the released handle")
	}
}

func TestClearConcurrentWithGet(t *testing.T) {
	var loads atomic.Int32
	c := New(countingLoader(&loads), 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				c.Clear()
				return
			}
			if _, err := c.Get(context.Background(), KindDetector, i%3); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Whatever interleaving happened, the cache must still work.
	if _, err := c.Get(context.Background(), KindDetector, 0); err != nil {
		t.Fatalf("Get() after churn error = %v", err)
	}
}
