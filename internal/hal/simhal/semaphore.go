package simhal

import (
	"fmt"
	"sync"
	"time"

	"github.com/nod-ai/sharktank/internal/hal"
)

// HAL is the in-process semaphore/fence factory backing simulated devices.
type HAL struct{}

// NewHAL creates a simhal.HAL.
func NewHAL() *HAL { return &HAL{} }

// CreateSemaphore allocates a fresh timeline semaphore at tip 0. dev is
// accepted but unused; simhal semaphores are not bound to any real device.
func (*HAL) CreateSemaphore(dev any) (hal.Semaphore, error) {
	return &semaphore{}, nil
}

// CreateFenceFromSemaphores joins the given pairs into a pollable fence.
func (*HAL) CreateFenceFromSemaphores(pairs []hal.SemaphoreTimepoint) (hal.Fence, error) {
	cp := append([]hal.SemaphoreTimepoint(nil), pairs...)
	return &fence{pairs: cp}, nil
}

type semaphore struct {
	mu  sync.Mutex
	tip uint64
}

func (s *semaphore) Signal(timepoint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timepoint <= s.tip {
		return fmt.Errorf("semaphore signal: timepoint %d is not strictly greater than current tip %d", timepoint, s.tip)
	}
	s.tip = timepoint
	return nil
}

func (s *semaphore) Query() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip, nil
}

const fencePollInterval = 200 * time.Microsecond

type fence struct {
	pairs []hal.SemaphoreTimepoint
}

func (f *fence) Wait(deadline time.Time) error {
	for _, p := range f.pairs {
		for {
			tip, err := p.Semaphore.Query()
			if err != nil {
				return err
			}
			if tip >= p.Timepoint {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("fence wait: deadline exceeded waiting for timepoint %d", p.Timepoint)
			}
			time.Sleep(fencePollInterval)
		}
	}
	return nil
}
