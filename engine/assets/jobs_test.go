package assets

import (
	"errors"
	"sync"
	"testing"

	"github.com/spaghettifunk/lumen/engine/renderer"
)

// queueHandoff collects continuations so a test can run them as the frame
// thread would.
type queueHandoff struct {
	mu    sync.Mutex
	queue []renderer.Continuation
	err   error
}

func (h *queueHandoff) Enqueue(fn renderer.Continuation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.queue = append(h.queue, fn)
	return nil
}

// drain runs every queued continuation and returns their errors.
func (h *queueHandoff) drain() []error {
	h.mu.Lock()
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()
	var errs []error
	for _, fn := range queue {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func TestNewJobSystemArguments(t *testing.T) {
	h := &queueHandoff{}
	if _, err := NewJobSystem(0, 1, h); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("zero workers: %v", err)
	}
	if _, err := NewJobSystem(1, -1, h); !errors.Is(err, ErrNegativeChannelSize) {
		t.Errorf("negative channel: %v", err)
	}
	if _, err := NewJobSystem(1, 1, nil); err == nil {
		t.Error("nil handoff accepted")
	}
}

func TestJobSystemHandsCompletionsOff(t *testing.T) {
	h := &queueHandoff{}
	js, err := NewJobSystem(4, 8, h)
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}

	var mu sync.Mutex
	var completed, failed int
	for i := 0; i < 20; i++ {
		err := js.Submit(JobTask{
			Name: "job",
			Run: func() (interface{}, error) {
				if i%5 == 0 {
					return nil, errors.New("boom")
				}
				return i, nil
			},
			OnComplete: func(result interface{}) error {
				mu.Lock()
				defer mu.Unlock()
				if result.(int) != i {
					t.Errorf("job %d got result %v", i, result)
				}
				completed++
				return nil
			},
			OnFailure: func(error) {
				mu.Lock()
				defer mu.Unlock()
				failed++
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if completed+failed != 0 {
		t.Fatal("completions ran on the workers")
	}
	if errs := h.drain(); len(errs) != 0 {
		t.Fatalf("continuations failed: %v", errs)
	}
	if completed != 16 || failed != 4 {
		t.Fatalf("completed=%d failed=%d, want 16 and 4", completed, failed)
	}
}

func TestJobCompletionErrorIsReported(t *testing.T) {
	h := &queueHandoff{}
	js, err := NewJobSystem(1, 1, h)
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	sentinel := errors.New("upload failed")
	_ = js.Submit(JobTask{
		Name:       "upload",
		Run:        func() (interface{}, error) { return nil, nil },
		OnComplete: func(interface{}) error { return sentinel },
	})
	_ = js.Shutdown()
	errs := h.drain()
	if len(errs) != 1 || !errors.Is(errs[0], sentinel) {
		t.Fatalf("got %v, want the completion error", errs)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(1, 0, &queueHandoff{})
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	run := func() (interface{}, error) { return nil, nil }
	if err := js.Submit(JobTask{Run: run}); !errors.Is(err, ErrJobSystemClosed) {
		t.Errorf("Submit: %v", err)
	}
	if err := js.TrySubmit(JobTask{Run: run}); !errors.Is(err, ErrJobSystemClosed) {
		t.Errorf("TrySubmit: %v", err)
	}
}

func TestTrySubmitOnFullQueue(t *testing.T) {
	js, err := NewJobSystem(1, 1, &queueHandoff{})
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	block := func() (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}
	idle := func() (interface{}, error) { return nil, nil }

	if err := js.Submit(JobTask{Name: "blocker", Run: block}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if err := js.TrySubmit(JobTask{Name: "queued", Run: idle}); err != nil {
		t.Fatalf("TrySubmit into a free slot: %v", err)
	}
	if err := js.TrySubmit(JobTask{Name: "overflow", Run: idle}); !errors.Is(err, ErrJobQueueFull) {
		t.Fatalf("expected ErrJobQueueFull, got %v", err)
	}
	close(release)
	_ = js.Shutdown()
}

func TestDroppedHandoffDoesNotBlockWorkers(t *testing.T) {
	h := &queueHandoff{err: errors.New("closed")}
	js, err := NewJobSystem(1, 4, h)
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	for i := 0; i < 4; i++ {
		_ = js.Submit(JobTask{
			Run:        func() (interface{}, error) { return nil, nil },
			OnComplete: func(interface{}) error { return nil },
		})
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
