package usbhid

import (
	"time"

	"go.uber.org/zap"

	"github.com/myfreeweb/iichid/hid"
)

// outcome is the tri-state of the in-flight exchange. Keeping "still
// pending" distinct from "failed" lets a true timeout be told apart from a
// spurious wake.
type outcome uint8

const (
	outcomePending outcome = iota
	outcomeDone
	outcomeFailed
)

// xferCtx describes the single synchronous exchange a device instance can
// have in flight. It is allocated once per device and reused; all fields
// are guarded by the bridge lock in normal mode. In polling mode the
// caller checkpoints and restores it instead.
type xferCtx struct {
	req     *Request
	buf     []byte
	length  int
	outcome outcome
	err     error
	retried bool

	waiters int
	influx  bool
}

func (d *Device) arm(req *Request, buf []byte, length int) {
	d.tr.req = req
	d.tr.buf = buf
	d.tr.length = length
	d.tr.outcome = outcomePending
	d.tr.err = nil
	d.tr.retried = false
	if d.stats != nil {
		d.stats.TransfersSubmitted.Inc()
	}
}

// complete records the exchange outcome and wakes the blocked caller.
// Invoked from pipe callbacks with the lock held.
func (d *Device) complete(err error) {
	if err != nil {
		d.tr.outcome = outcomeFailed
		d.tr.err = err
	} else {
		d.tr.outcome = outcomeDone
	}
	if !d.polling() {
		d.done.Broadcast()
	}
}

func (d *Device) outcomeErr() error {
	switch d.tr.outcome {
	case outcomeDone:
		return nil
	case outcomeFailed:
		if d.stats != nil {
			d.stats.TransferErrors.Inc()
		}
		return d.tr.err
	default:
		if d.stats != nil {
			d.stats.Timeouts.Inc()
		}
		return hid.ErrTimeout
	}
}

// syncXfer runs one request/response exchange to completion, blocking the
// caller. At most one exchange is in flux per device; later callers queue
// on the admission condition and are woken one at a time.
func (d *Device) syncXfer(idx xferIndex, req *Request, buf []byte, length int) error {
	p := d.pipes[idx]
	if p == nil {
		return hid.ErrNotSupported
	}
	if d.polling() {
		return d.pollXfer(p, req, buf, length)
	}

	d.xmu.Lock()
	defer d.xmu.Unlock()

	d.tr.waiters++
	for d.tr.influx {
		d.slot.Wait()
	}
	d.tr.waiters--
	d.tr.influx = true

	d.arm(req, buf, length)
	p.Start()

	deadline := time.Now().Add(d.opts.timeout)
	wake := time.AfterFunc(d.opts.timeout, func() {
		d.xmu.Lock()
		d.done.Broadcast()
		d.xmu.Unlock()
	})
	for d.tr.outcome == outcomePending && time.Now().Before(deadline) {
		d.done.Wait()
	}
	wake.Stop()

	// Stop aborts the submission on timeout; a completed one is a no-op.
	p.Stop()
	err := d.outcomeErr()

	d.tr.influx = false
	if d.tr.waiters != 0 {
		d.slot.Signal()
	}

	if err != nil {
		d.log.Debug("transfer failed", zap.Error(err))
	}
	return err
}

// pollXfer is the scheduler-less variant: no locks, no sleeps. The shared
// context is checkpointed around the call so concurrent normal-mode state
// is intact when control returns.
func (d *Device) pollXfer(p Pipe, req *Request, buf []byte, length int) error {
	restore := d.checkpoint()
	defer restore()

	d.arm(req, buf, length)
	p.Start()
	for budget := d.pollBudget(); budget > 0 && d.tr.outcome == outcomePending; budget-- {
		p.Poll()
		d.tick()
	}
	p.Stop()
	return d.outcomeErr()
}

// checkpoint snapshots the shared transfer context and returns the guard
// restoring it.
func (d *Device) checkpoint() func() {
	save := d.tr
	return func() {
		d.tr = save
	}
}

func (d *Device) pollBudget() int {
	n := int(d.opts.timeout / d.opts.pollTick)
	if n < 1 {
		n = 1
	}
	return n
}

// tick burns one poll interval without yielding to the scheduler.
func (d *Device) tick() {
	for start := time.Now(); time.Since(start) < d.opts.pollTick; {
	}
}
