package software

import (
	"time"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type fence struct {
	signaled bool
	// pending is set while a submission carrying the fence is queued
	pending bool
}

type semaphore struct {
	signaled bool
	pending  int
}

type batch struct {
	seq     uint64
	submits []driver.SubmitInfo
	fence   driver.Fence
	present *driver.PresentInfo
}

type queue struct {
	d         *Device
	index     uint32
	pending   []batch
	paused    bool
	submitted uint64
	completed []uint64
}

func newQueue(d *Device, index uint32) *queue {
	return &queue{d: d, index: index}
}

func (q *queue) run() {
	defer q.d.queueWaiter.Done()
	d := q.d
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for (len(q.pending) == 0 || q.paused) && !d.destroyed {
			d.cond.Wait()
		}
		if d.destroyed {
			return
		}
		b := q.pending[0]
		q.pending = q.pending[1:]
		d.execute(b)
		q.completed = append(q.completed, b.seq)
		d.cond.Broadcast()
	}
}

// enqueue hands a batch to the queue goroutine. Callers hold d.mu.
func (q *queue) enqueue(b batch) {
	q.submitted++
	b.seq = q.submitted
	q.pending = append(q.pending, b)
	q.d.cond.Broadcast()
}

// execute runs one batch with d.mu held.
func (d *Device) execute(b batch) {
	if b.present != nil {
		d.waitSemaphores(b.present.WaitSemaphores)
		for i, sc := range b.present.Swapchains {
			if s, ok := d.swapchains[sc]; ok {
				s.release(b.present.ImageIndices[i])
				s.presented++
			}
		}
		return
	}
	for _, s := range b.submits {
		d.waitSemaphores(s.WaitSemaphores)
		for _, h := range s.CommandBuffers {
			cb, ok := d.cmdBuffers[h]
			if !ok {
				d.invalid("queue: command buffer %d was freed while pending", h)
				continue
			}
			st := execState{}
			for _, op := range cb.ops {
				op(d, &st)
			}
			if st.pass != nil {
				d.invalid("queue: command buffer %d ended inside a render pass", h)
			}
			if cb.oneTime {
				cb.state = cbInvalid
			} else {
				cb.state = cbExecutable
			}
		}
		for _, sem := range s.SignalSemaphores {
			if ss, ok := d.semaphores[sem]; ok {
				ss.signaled = true
				ss.pending--
			}
		}
	}
	if f, ok := d.fences[b.fence]; ok {
		f.signaled = true
		f.pending = false
	}
}

func (d *Device) waitSemaphores(sems []driver.Semaphore) {
	for _, h := range sems {
		for {
			s, ok := d.semaphores[h]
			if !ok {
				d.invalid("queue: semaphore %d destroyed while waited on", h)
				break
			}
			if s.signaled {
				s.signaled = false
				break
			}
			if d.destroyed {
				return
			}
			d.cond.Wait()
		}
	}
}

func (d *Device) queueAt(q driver.Queue) (*queue, bool) {
	idx := int(q) - 1
	if idx < 0 || idx >= len(d.queues) {
		return nil, false
	}
	return d.queues[idx], true
}

// PauseQueue holds back execution of work on q until ResumeQueue.
// Submissions still queue up.
func (d *Device) PauseQueue(q driver.Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qq, ok := d.queueAt(q); ok {
		qq.paused = true
	}
}

func (d *Device) ResumeQueue(q driver.Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qq, ok := d.queueAt(q); ok {
		qq.paused = false
		d.cond.Broadcast()
	}
}

// CompletedSubmissions returns the sequence numbers of the batches executed
// on q, in execution order. Sequence numbers count submissions per queue.
func (d *Device) CompletedSubmissions(q driver.Queue) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qq, ok := d.queueAt(q); ok {
		return append([]uint64(nil), qq.completed...)
	}
	return nil
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateFence); err != nil {
		return 0, err
	}
	h := driver.Fence(d.id())
	d.fences[h] = &fence{signaled: signaled}
	return h, nil
}

// WaitForFences waits for all fences. An expired timeout is reported as
// driver.Timeout.
func (d *Device) WaitForFences(fences []driver.Fence, timeout uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpWaitForFences); err != nil {
		return err
	}
	var deadline time.Time
	if timeout != driver.Forever {
		deadline = time.Now().Add(time.Duration(timeout))
		t := time.AfterFunc(time.Duration(timeout), func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		defer t.Stop()
	}
	for {
		all := true
		for _, h := range fences {
			f, ok := d.fences[h]
			if !ok {
				d.invalid("WaitForFences: unknown fence %d", h)
				return driver.ErrorValidationFailed
			}
			if !f.signaled {
				if !f.pending {
					d.invalid("WaitForFences: fence %d is unsignaled with no pending work", h)
					return driver.ErrorValidationFailed
				}
				all = false
			}
		}
		if all {
			return nil
		}
		if d.destroyed {
			return driver.ErrorDeviceLost
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return driver.Timeout
		}
		d.cond.Wait()
	}
}

func (d *Device) ResetFences(fences []driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpResetFences); err != nil {
		return err
	}
	for _, h := range fences {
		f, ok := d.fences[h]
		if !ok {
			d.invalid("ResetFences: unknown fence %d", h)
			return driver.ErrorValidationFailed
		}
		if f.pending {
			d.invalid("ResetFences: fence %d is in use by a pending submission", h)
			return driver.ErrorValidationFailed
		}
		f.signaled = false
	}
	return nil
}

func (d *Device) FenceStatus(h driver.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[h]
	if !ok {
		return false, driver.ErrorValidationFailed
	}
	return f.signaled, nil
}

func (d *Device) DestroyFence(h driver.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[h]
	if !ok {
		d.invalid("DestroyFence: unknown fence %d (double destroy?)", h)
		return
	}
	if f.pending {
		d.invalid("DestroyFence: fence %d is in use by a pending submission", h)
	}
	delete(d.fences, h)
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateSemaphore); err != nil {
		return 0, err
	}
	h := driver.Semaphore(d.id())
	d.semaphores[h] = &semaphore{}
	return h, nil
}

func (d *Device) DestroySemaphore(h driver.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.semaphores[h]; !ok {
		d.invalid("DestroySemaphore: unknown semaphore %d (double destroy?)", h)
		return
	}
	delete(d.semaphores, h)
}

// checkWaits verifies every waited semaphore has a signal on its way.
func (d *Device) checkWaits(name string, sems []driver.Semaphore) bool {
	for _, h := range sems {
		s, ok := d.semaphores[h]
		if !ok {
			d.invalid("%s: unknown semaphore %d", name, h)
			return false
		}
		if !s.signaled && s.pending == 0 {
			d.invalid("%s: semaphore %d has no pending signal, the wait would never complete", name, h)
			return false
		}
	}
	return true
}

func (d *Device) QueueSubmit(q driver.Queue, submits []driver.SubmitInfo, fenceHandle driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpQueueSubmit); err != nil {
		return err
	}
	qq, ok := d.queueAt(q)
	if !ok {
		d.invalid("QueueSubmit: unknown queue %d", q)
		return driver.ErrorValidationFailed
	}
	var f *fence
	if fenceHandle != 0 {
		if f, ok = d.fences[fenceHandle]; !ok {
			d.invalid("QueueSubmit: unknown fence %d", fenceHandle)
			return driver.ErrorValidationFailed
		}
		if f.signaled || f.pending {
			d.invalid("QueueSubmit: fence %d must be unsignaled and unused", fenceHandle)
			return driver.ErrorValidationFailed
		}
	}
	for _, s := range submits {
		if len(s.WaitSemaphores) != len(s.WaitStages) {
			d.invalid("QueueSubmit: %d wait semaphores but %d wait stages", len(s.WaitSemaphores), len(s.WaitStages))
			return driver.ErrorValidationFailed
		}
		if !d.checkWaits("QueueSubmit", s.WaitSemaphores) {
			return driver.ErrorValidationFailed
		}
		for _, h := range s.CommandBuffers {
			cb, ok := d.cmdBuffers[h]
			if !ok || cb.state != cbExecutable || cb.level != driver.CommandBufferPrimary {
				d.invalid("QueueSubmit: command buffer %d is not an executable primary", h)
				return driver.ErrorValidationFailed
			}
		}
	}
	for _, s := range submits {
		for _, h := range s.CommandBuffers {
			d.cmdBuffers[h].state = cbPending
		}
		for _, h := range s.SignalSemaphores {
			if sem, ok := d.semaphores[h]; ok {
				sem.pending++
			}
		}
	}
	if f != nil {
		f.pending = true
	}
	qq.enqueue(batch{submits: submits, fence: fenceHandle})
	return nil
}

func (d *Device) QueueWaitIdle(q driver.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qq, ok := d.queueAt(q)
	if !ok {
		return driver.ErrorValidationFailed
	}
	for uint64(len(qq.completed)) < qq.submitted {
		if d.destroyed {
			return driver.ErrorDeviceLost
		}
		d.cond.Wait()
	}
	return nil
}
