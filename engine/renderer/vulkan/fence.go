package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var f vk.Fence
	if err := checkCall("vkCreateFence", vk.CreateFence(d.handle, &fenceCreateInfo, nil, &f)); err != nil {
		return 0, err
	}
	return driver.Fence(d.fences.add(f)), nil
}

func (d *Device) fenceHandles(fences []driver.Fence) ([]vk.Fence, error) {
	out := make([]vk.Fence, len(fences))
	for i, f := range fences {
		h, ok := d.fences.get(uint64(f))
		if !ok {
			return nil, fmt.Errorf("unknown fence %d: %w", f, driver.ErrorUnknown)
		}
		out[i] = h
	}
	return out, nil
}

// WaitForFences waits for all fences. A Timeout result is returned as an
// error so callers can tell it apart from success.
func (d *Device) WaitForFences(fences []driver.Fence, timeout uint64) error {
	if len(fences) == 0 {
		return nil
	}
	handles, err := d.fenceHandles(fences)
	if err != nil {
		return err
	}
	res := vk.WaitForFences(d.handle, uint32(len(handles)), handles, vk.True, timeout)
	switch res {
	case vk.Success:
		return nil
	case vk.Timeout:
		return driver.Timeout
	}
	return checkCall("vkWaitForFences", res)
}

func (d *Device) ResetFences(fences []driver.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	handles, err := d.fenceHandles(fences)
	if err != nil {
		return err
	}
	return checkCall("vkResetFences", vk.ResetFences(d.handle, uint32(len(handles)), handles))
}

func (d *Device) FenceStatus(f driver.Fence) (bool, error) {
	h, ok := d.fences.get(uint64(f))
	if !ok {
		return false, fmt.Errorf("unknown fence %d: %w", f, driver.ErrorUnknown)
	}
	res := vk.GetFenceStatus(d.handle, h)
	if res == vk.NotReady {
		return false, nil
	}
	if err := checkCall("vkGetFenceStatus", res); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Device) DestroyFence(f driver.Fence) {
	if h, ok := d.fences.remove(uint64(f)); ok {
		vk.DestroyFence(d.handle, h, nil)
		d.forgetName(uint64(f))
	}
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var s vk.Semaphore
	if err := checkCall("vkCreateSemaphore", vk.CreateSemaphore(d.handle, &semaphoreCreateInfo, nil, &s)); err != nil {
		return 0, err
	}
	return driver.Semaphore(d.semaphores.add(s)), nil
}

func (d *Device) DestroySemaphore(s driver.Semaphore) {
	if h, ok := d.semaphores.remove(uint64(s)); ok {
		vk.DestroySemaphore(d.handle, h, nil)
		d.forgetName(uint64(s))
	}
}

func (d *Device) semaphoreHandles(sems []driver.Semaphore) ([]vk.Semaphore, error) {
	out := make([]vk.Semaphore, len(sems))
	for i, s := range sems {
		h, ok := d.semaphores.get(uint64(s))
		if !ok {
			return nil, fmt.Errorf("unknown semaphore %d: %w", s, driver.ErrorUnknown)
		}
		out[i] = h
	}
	return out, nil
}

// QueueSubmit submits the batches. Callers serialize access to the queue.
func (d *Device) QueueSubmit(q driver.Queue, submits []driver.SubmitInfo, fence driver.Fence) error {
	queue, err := d.queue(q)
	if err != nil {
		return err
	}
	infos := make([]vk.SubmitInfo, len(submits))
	for i, s := range submits {
		waits, err := d.semaphoreHandles(s.WaitSemaphores)
		if err != nil {
			return err
		}
		signals, err := d.semaphoreHandles(s.SignalSemaphores)
		if err != nil {
			return err
		}
		stages := make([]vk.PipelineStageFlags, len(waits))
		for n := range stages {
			stage := driver.StageAllCommands
			if n < len(s.WaitStages) {
				stage = s.WaitStages[n]
			}
			stages[n] = toStages(stage)
		}
		cbs := make([]vk.CommandBuffer, len(s.CommandBuffers))
		for n, h := range s.CommandBuffers {
			cb, ok := d.commands.get(uint64(h))
			if !ok {
				return fmt.Errorf("unknown command buffer %d: %w", h, driver.ErrorUnknown)
			}
			cbs[n] = cb.handle
		}
		infos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(waits)),
			PWaitSemaphores:      waits,
			PWaitDstStageMask:    stages,
			CommandBufferCount:   uint32(len(cbs)),
			PCommandBuffers:      cbs,
			SignalSemaphoreCount: uint32(len(signals)),
			PSignalSemaphores:    signals,
		}
	}

	f := vk.NullFence
	if fence != 0 {
		h, ok := d.fences.get(uint64(fence))
		if !ok {
			return fmt.Errorf("unknown fence %d: %w", fence, driver.ErrorUnknown)
		}
		f = h
	}
	return checkCall("vkQueueSubmit", vk.QueueSubmit(queue, uint32(len(infos)), infos, f))
}

func (d *Device) QueueWaitIdle(q driver.Queue) error {
	queue, err := d.queue(q)
	if err != nil {
		return err
	}
	return checkCall("vkQueueWaitIdle", vk.QueueWaitIdle(queue))
}
