package assets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
)

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")
var ErrJobQueueFull = errors.New("job queue is full")

// Handoff receives the completions of finished jobs. *renderer.FrameLoop
// implements it: completions then run on the frame thread at BeginFrame.
type Handoff interface {
	Enqueue(fn renderer.Continuation) error
}

// JobTask is a unit of background work. Run executes on a worker; the
// result is handed to OnComplete, or the error to OnFailure, through the
// job system's Handoff.
type JobTask struct {
	Name       string
	Run        func() (interface{}, error)
	OnComplete func(result interface{}) error
	OnFailure  func(err error)
}

// JobSystem is a fixed pool of IO workers reading from a bounded queue.
type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	handoff    Handoff
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewJobSystem(numWorkers int, channelSize int, handoff Handoff) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}
	if handoff == nil {
		return nil, fmt.Errorf("%w: job system without a handoff", core.ErrInvalidArgument)
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
		handoff:    handoff,
	}
	js.start()
	core.LogDebug("Job system started with %d worker(s).", numWorkers)
	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(job)
			}
		}()
	}
}

func (js *JobSystem) run(job JobTask) {
	result, err := job.Run()
	if err != nil {
		core.LogError("job '%s' failed: %s", job.Name, err)
	}
	cont := func() error {
		if err != nil {
			if job.OnFailure != nil {
				job.OnFailure(err)
			}
			return nil
		}
		if job.OnComplete != nil {
			if cerr := job.OnComplete(result); cerr != nil {
				return fmt.Errorf("completing job '%s': %w", job.Name, cerr)
			}
		}
		return nil
	}
	if job.OnComplete == nil && (err == nil || job.OnFailure == nil) {
		return
	}
	if herr := js.handoff.Enqueue(cont); herr != nil {
		core.LogError("dropping completion of job '%s': %s", job.Name, herr)
	}
}

// Submit queues jt, blocking while the queue is full.
func (js *JobSystem) Submit(jt JobTask) error {
	if jt.Run == nil {
		return fmt.Errorf("%w: job '%s' has nothing to run", core.ErrInvalidArgument, jt.Name)
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}

// TrySubmit queues jt unless the queue is full.
func (js *JobSystem) TrySubmit(jt JobTask) error {
	if jt.Run == nil {
		return fmt.Errorf("%w: job '%s' has nothing to run", core.ErrInvalidArgument, jt.Name)
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	select {
	case js.jobQueue <- jt:
		return nil
	default:
		return ErrJobQueueFull
	}
}

// Shutdown stops accepting jobs and waits for the queued ones to finish.
// Completions of those jobs are still handed off.
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	core.LogDebug("Job system shut down.")
	return nil
}
