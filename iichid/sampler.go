package iichid

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultSamplingRate is the fallback fetch frequency, in reports per
// second, for devices without a usable interrupt line.
const defaultSamplingRate = 60

// sampler decides when input reports are fetched. A negative rate selects
// interrupt mode; zero and above selects the periodic timer. The fetch
// itself runs on a dedicated goroutine fed by a one-deep event channel, so
// neither the interrupt handler nor the timer ever blocks on the bus.
type sampler struct {
	log   *zap.Logger
	irq   InterruptLine
	fetch func()

	mu      sync.Mutex
	rate    int
	running bool
	irqOn   bool
	timerOn bool
	timer   *time.Timer
	done    chan struct{}

	events chan struct{}
	wg     sync.WaitGroup
}

func newSampler(log *zap.Logger, irq InterruptLine, fetch func()) *sampler {
	s := &sampler{
		log:    log,
		irq:    irq,
		fetch:  fetch,
		rate:   defaultSamplingRate,
		events: make(chan struct{}, 1),
	}
	if irq != nil {
		s.rate = -1
	}
	s.timer = time.AfterFunc(time.Hour, s.trigger)
	s.timer.Stop()
	return s
}

// trigger requests one fetch. Safe from any context; an already queued
// request absorbs it.
func (s *sampler) trigger() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *sampler) interval() time.Duration {
	return time.Second / time.Duration(s.rate)
}

func (s *sampler) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.rate < 0 {
		err := ErrNoInterruptLine
		if s.irq != nil {
			err = s.irq.Enable(s.trigger)
		}
		if err != nil {
			s.log.Warn("interrupt setup failed, falling back to sampling",
				zap.Error(err))
			s.rate = defaultSamplingRate
		} else {
			s.irqOn = true
		}
	}
	if s.rate >= 0 {
		s.timerOn = true
		if s.rate > 0 {
			s.timer.Reset(s.interval())
		}
	}

	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.done)
	return nil
}

// stop tears the fetch sources down and signals the worker. It does not
// wait for a fetch already in flight; callers holding the dispatch lock
// would deadlock against it. drain completes the shutdown.
func (s *sampler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.irqOn {
		s.irq.Disable()
		s.irqOn = false
	}
	s.timer.Stop()
	s.timerOn = false
	s.running = false
	close(s.done)
}

// drain waits for the worker to exit. Must not be called with the dispatch
// lock held.
func (s *sampler) drain() {
	s.wg.Wait()
}

func (s *sampler) run(done chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-s.events:
			s.fetch()
			s.mu.Lock()
			if s.timerOn && s.rate > 0 {
				s.timer.Reset(s.interval())
			}
			s.mu.Unlock()
		}
	}
}

// setRate switches the fetch source while running. Crossing zero from
// above hands acquisition to the interrupt line; crossing from below hands
// it to the timer. A failed interrupt enable leaves the previous source in
// place.
func (s *sampler) setRate(v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.rate
	if v == old {
		return nil
	}
	s.rate = v
	if !s.running {
		return nil
	}

	switch {
	case old > 0 && v == 0:
		s.timer.Stop()
	case old < 0 && v >= 0:
		if s.irqOn {
			s.irq.Disable()
			s.irqOn = false
		}
		s.timerOn = true
	case old >= 0 && v < 0:
		if s.irq == nil {
			s.rate = old
			return ErrNoInterruptLine
		}
		s.timer.Stop()
		s.timerOn = false
		if err := s.irq.Enable(s.trigger); err != nil {
			s.rate = old
			s.timerOn = true
			if old > 0 {
				s.timer.Reset(s.interval())
			}
			return fmt.Errorf("interrupt setup failed: %w", err)
		}
		s.irqOn = true
	}

	if v > 0 && s.timerOn {
		s.timer.Reset(s.interval())
	}
	s.log.Debug("sampling rate changed", zap.Int("rate", v))
	return nil
}

func (s *sampler) currentRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}
