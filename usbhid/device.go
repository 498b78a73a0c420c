package usbhid

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myfreeweb/iichid/hid"
)

// The four transfer slots of one device instance. The control pair and the
// interrupt-out slot belong to the synchronous bridge; the interrupt-in
// slot feeds the bus dispatch path.
type xferIndex int

const (
	intrWriteXfer xferIndex = iota
	intrReadXfer
	ctrlWriteXfer
	ctrlReadXfer
	xferCount
)

// Upper bound for control transfer buffers when the descriptor does not
// demand more.
const maxReportSize = 2048

var defaultOptions = options{
	// Matches the USB default control transfer timeout.
	timeout:  time.Second,
	pollTick: time.Millisecond,
	polling:  func() bool { return false },
}

type options struct {
	timeout  time.Duration
	pollTick time.Duration
	polling  func() bool
	stats    *hid.Stats
	iface    uint16
}

type Option func(*options)

// WithTransferTimeout bounds how long a synchronous exchange may block.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithPollTick sets the busy-poll interval used when the scheduler is
// unavailable.
func WithPollTick(d time.Duration) Option {
	return func(o *options) {
		o.pollTick = d
	}
}

// WithPollingMode installs the predicate deciding whether blocking waits
// are currently allowed. When it reports true the bridge busy-polls the
// pipe instead of sleeping.
func WithPollingMode(fn func() bool) Option {
	return func(o *options) {
		o.polling = fn
	}
}

// WithStats attaches a counter sink.
func WithStats(stats *hid.Stats) Option {
	return func(o *options) {
		o.stats = stats
	}
}

// WithInterface sets the interface number carried in class requests.
func WithInterface(n uint16) Option {
	return func(o *options) {
		o.iface = n
	}
}

// Device implements hid.Transport over a USB host controller.
type Device struct {
	log   *zap.Logger
	host  Host
	opts  options
	stats *hid.Stats
	info  hid.DeviceInfo

	// xmu serializes the synchronous bridge: the shared transfer context,
	// its admission queue and the control/interrupt-out pipe callbacks.
	xmu  sync.Mutex
	done *sync.Cond
	slot *sync.Cond
	tr   xferCtx

	// Interrupt-in state, bound by IntrSetup. The callback runs with the
	// bus lock held so dispatch sees a consistent subscriber set.
	busMu *sync.Mutex
	intr  hid.IntrFunc
	ibuf  []byte

	pipes [xferCount]Pipe
}

// New opens the control pipes and prepares the synchronous bridge. The
// interrupt pipes are bound later, by IntrSetup, once report sizes are
// known.
func New(log *zap.Logger, host Host, info hid.DeviceInfo, opts ...Option) (*Device, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	info.BusKind = hid.BusUSB
	d := &Device{
		log:   log,
		host:  host,
		opts:  o,
		stats: o.stats,
		info:  info,
	}
	d.done = sync.NewCond(&d.xmu)
	d.slot = sync.NewCond(&d.xmu)

	ctrlSize := maxReportSize
	if info.ReportDescSize > ctrlSize {
		ctrlSize = info.ReportDescSize
	}
	var err error
	d.pipes[ctrlWriteXfer], err = host.OpenPipe(PipeConfig{
		Kind: PipeControl, Direction: DirAny,
		BufferSize: ctrlSize, Callback: d.ctrlWriteCallback,
	}, &d.xmu)
	if err != nil {
		return nil, fmt.Errorf("failed to open control write pipe: %w", err)
	}
	d.pipes[ctrlReadXfer], err = host.OpenPipe(PipeConfig{
		Kind: PipeControl, Direction: DirAny,
		BufferSize: ctrlSize, Callback: d.ctrlReadCallback,
	}, &d.xmu)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to open control read pipe: %w", err)
	}
	return d, nil
}

// Close releases every pipe, including the interrupt pair if still bound.
func (d *Device) Close() error {
	d.IntrUnsetup()
	for _, i := range []xferIndex{ctrlWriteXfer, ctrlReadXfer} {
		if p := d.pipes[i]; p != nil {
			p.Stop()
			p.Close()
			d.pipes[i] = nil
		}
	}
	return nil
}

func (d *Device) polling() bool {
	return d.opts.polling()
}

func (d *Device) IntrSetup(lock *sync.Mutex, fn hid.IntrFunc, sizes hid.TransferSizes) error {
	d.busMu = lock
	d.intr = fn

	isize := sizes.Input
	if isize == 0 {
		isize = maxReportSize
	}
	p, err := d.host.OpenPipe(PipeConfig{
		Kind: PipeInterrupt, Direction: DirIn,
		BufferSize: isize, Callback: d.intrReadCallback,
	}, lock)
	if err != nil {
		return fmt.Errorf("failed to open interrupt read pipe: %w", err)
	}
	d.pipes[intrReadXfer] = p

	// The interrupt-out pipe serves synchronous writes, so it shares the
	// bridge lock. Its absence is legal; writes then fall back to the
	// control pipe.
	wp, err := d.host.OpenPipe(PipeConfig{
		Kind: PipeInterrupt, Direction: DirOut,
		BufferSize: sizes.Output, Callback: d.intrWriteCallback,
	}, &d.xmu)
	switch {
	case errors.Is(err, ErrNoEndpoint):
		d.info.NoWriteEndpoint = true
	case err != nil:
		d.IntrUnsetup()
		return fmt.Errorf("failed to open interrupt write pipe: %w", err)
	default:
		d.pipes[intrWriteXfer] = wp
	}

	d.ibuf = make([]byte, d.pipes[intrReadXfer].MaxLen())
	return nil
}

func (d *Device) IntrUnsetup() {
	for _, i := range []xferIndex{intrWriteXfer, intrReadXfer} {
		if p := d.pipes[i]; p != nil {
			p.Stop()
			p.Close()
			d.pipes[i] = nil
		}
	}
	d.intr = nil
	d.ibuf = nil
}

func (d *Device) IntrStart() error {
	d.pipes[intrReadXfer].Start()
	return nil
}

func (d *Device) IntrStop() error {
	d.pipes[intrReadXfer].Stop()
	return nil
}

func (d *Device) IntrPoll() {
	d.pipes[intrReadXfer].Poll()
}

// intrReadCallback pumps the interrupt-in pipe: every completed report is
// clamped to the input buffer, handed to the bus and the pipe is
// resubmitted. Runs with the bus lock held.
func (d *Device) intrReadCallback(p Pipe, status Status) {
	switch status {
	case StatusTransferred:
		data := p.Frame(0)
		n := p.ActualLength()
		if n > len(data) {
			n = len(data)
		}
		if n > len(d.ibuf) {
			n = len(d.ibuf)
		}
		copy(d.ibuf, data[:n])
		d.intr(d.ibuf[:n])
		fallthrough
	case StatusSetup:
		p.SetFrameLen(0, p.MaxLen())
		p.SetFrameCount(1)
		p.Submit()
	default:
		if status == StatusCancelled {
			return
		}
		if d.stats != nil {
			d.stats.StallRetries.Inc()
		}
		p.ClearStall()
		p.SetFrameLen(0, p.MaxLen())
		p.SetFrameCount(1)
		p.Submit()
	}
}

func (d *Device) ctrlReadCallback(p Pipe, status Status) {
	switch status {
	case StatusSetup:
		d.armCtrlRead(p)
	case StatusTransferred:
		copy(d.tr.buf[:d.tr.length], p.Frame(1))
		d.complete(nil)
	default:
		d.failOrRetry(p, status, d.armCtrlRead)
	}
}

func (d *Device) ctrlWriteCallback(p Pipe, status Status) {
	switch status {
	case StatusSetup:
		d.armCtrlWrite(p)
	case StatusTransferred:
		d.complete(nil)
	default:
		d.failOrRetry(p, status, d.armCtrlWrite)
	}
}

func (d *Device) intrWriteCallback(p Pipe, status Status) {
	switch status {
	case StatusSetup:
		d.armIntrWrite(p)
	case StatusTransferred:
		d.complete(nil)
	default:
		d.failOrRetry(p, status, d.armIntrWrite)
	}
}

func (d *Device) armCtrlRead(p Pipe) {
	if d.tr.length > p.MaxLen() {
		d.complete(hid.ErrBufferTooSmall)
		return
	}
	hdr := d.tr.req.Encode()
	p.SetFrame(0, hdr[:])
	p.SetFrameLen(1, d.tr.length)
	if d.tr.length != 0 {
		p.SetFrameCount(2)
	} else {
		p.SetFrameCount(1)
	}
	p.Submit()
}

// armCtrlWrite stages a two-frame transfer (header plus payload) for
// requests carrying data, a single header frame otherwise.
func (d *Device) armCtrlWrite(p Pipe) {
	if d.tr.length > p.MaxLen() {
		d.complete(hid.ErrBufferTooSmall)
		return
	}
	if d.tr.length > 0 {
		p.SetFrame(1, d.tr.buf[:d.tr.length])
	}
	hdr := d.tr.req.Encode()
	p.SetFrame(0, hdr[:])
	if d.tr.length > 0 {
		p.SetFrameCount(2)
	} else {
		p.SetFrameCount(1)
	}
	p.Submit()
}

func (d *Device) armIntrWrite(p Pipe) {
	if d.tr.length > p.MaxLen() {
		d.complete(hid.ErrBufferTooSmall)
		return
	}
	p.SetFrame(0, d.tr.buf[:d.tr.length])
	p.SetFrameCount(1)
	p.Submit()
}

// failOrRetry implements the recovery policy: anything but explicit
// cancellation gets one stall-clear and re-arm; cancellation and an
// exhausted retry are hard I/O errors.
func (d *Device) failOrRetry(p Pipe, status Status, rearm func(Pipe)) {
	if status != StatusCancelled && !d.tr.retried {
		d.tr.retried = true
		if d.stats != nil {
			d.stats.StallRetries.Inc()
		}
		p.ClearStall()
		rearm(p)
		return
	}
	d.complete(hid.ErrIO)
}

func (d *Device) ReportDescriptor() ([]byte, error) {
	if d.info.ReportDescSize == 0 {
		return nil, fmt.Errorf("report descriptor length unknown: %w", hid.ErrNoDevice)
	}
	buf := make([]byte, d.info.ReportDescSize)
	req := &Request{
		RequestType: reqTypeReadInterface,
		Request:     reqGetDescriptor,
		Value:       descTypeReport << 8,
		Index:       d.opts.iface,
		Length:      uint16(len(buf)),
	}
	err := d.syncXfer(ctrlReadXfer, req, buf, len(buf))
	if err != nil {
		return nil, fmt.Errorf("no report descriptor: %w", err)
	}
	return buf, nil
}

func (d *Device) GetReport(buf []byte, typ hid.ReportType, id uint8) (int, error) {
	req := &Request{
		RequestType: reqTypeReadClassInterface,
		Request:     reqGetReport,
		Value:       uint16(typ)<<8 | uint16(id),
		Index:       d.opts.iface,
		Length:      uint16(len(buf)),
	}
	err := d.syncXfer(ctrlReadXfer, req, buf, len(buf))
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (d *Device) SetReport(buf []byte, typ hid.ReportType, id uint8) error {
	req := &Request{
		RequestType: reqTypeWriteClassInterface,
		Request:     reqSetReport,
		Value:       uint16(typ)<<8 | uint16(id),
		Index:       d.opts.iface,
		Length:      uint16(len(buf)),
	}
	return d.syncXfer(ctrlWriteXfer, req, buf, len(buf))
}

// Read is not provided by the USB transport; input reports arrive over the
// interrupt pipe.
func (d *Device) Read(buf []byte) (int, error) {
	return 0, hid.ErrNotSupported
}

func (d *Device) Write(buf []byte) error {
	if d.pipes[intrWriteXfer] == nil {
		return d.SetReport(buf, hid.OutputReport, 0)
	}
	return d.syncXfer(intrWriteXfer, nil, buf, len(buf))
}

func (d *Device) SetIdle(duration time.Duration, id uint8) error {
	// Idle rate is carried in 4 ms units.
	units := (duration.Milliseconds() + 3) / 4
	req := &Request{
		RequestType: reqTypeWriteClassInterface,
		Request:     reqSetIdle,
		Value:       uint16(units)<<8 | uint16(id),
		Index:       d.opts.iface,
	}
	return d.syncXfer(ctrlWriteXfer, req, nil, 0)
}

func (d *Device) SetProtocol(p hid.Protocol) error {
	req := &Request{
		RequestType: reqTypeWriteClassInterface,
		Request:     reqSetProtocol,
		Value:       uint16(p),
		Index:       d.opts.iface,
	}
	return d.syncXfer(ctrlWriteXfer, req, nil, 0)
}

func (d *Device) Info() hid.DeviceInfo {
	return d.info
}
