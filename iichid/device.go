package iichid

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myfreeweb/iichid/hid"
	"github.com/myfreeweb/iichid/hiddesc"
)

var defaultDeviceOptions = deviceOptions{
	configRegister: 0x0001,
}

type deviceOptions struct {
	configRegister uint16
	samplingRate   int
	stats          *hid.Stats
}

type Option func(*deviceOptions)

// WithConfigRegister overrides the register the device descriptor is read
// from. The platform firmware normally supplies it.
func WithConfigRegister(reg uint16) Option {
	return func(o *deviceOptions) {
		o.configRegister = reg
	}
}

// WithSamplingRate forces the initial acquisition rate instead of deriving
// it from interrupt line availability. Negative selects interrupt mode.
func WithSamplingRate(rate int) Option {
	return func(o *deviceOptions) {
		o.samplingRate = rate
	}
}

// WithStats attaches a counter sink.
func WithStats(stats *hid.Stats) Option {
	return func(o *deviceOptions) {
		o.stats = stats
	}
}

// Device implements hid.Transport for one device on an I2C segment.
type Device struct {
	log   *zap.Logger
	bus   Bus
	irq   InterruptLine
	opts  deviceOptions
	stats *hid.Stats
	desc  *Descriptor
	info  hid.DeviceInfo

	busMu     *sync.Mutex
	intr      hid.IntrFunc
	ibuf      []byte
	inputSize int
	smp       *sampler
}

// New fetches and validates the device descriptor. A nil irq means the
// device can only be sampled.
func New(log *zap.Logger, bus Bus, irq InterruptLine, info hid.DeviceInfo, opts ...Option) (*Device, error) {
	o := defaultDeviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw := make([]byte, DescriptorSize)
	if err := bus.Transfer(registerCmd(o.configRegister), raw); err != nil {
		return nil, fmt.Errorf("failed to fetch device descriptor: %w", err)
	}
	desc, err := ParseDescriptor(raw)
	if err != nil {
		return nil, err
	}

	info.BusKind = hid.BusI2C
	info.VendorID = desc.VendorID
	info.ProductID = desc.ProductID
	info.Version = desc.VersionID
	info.ReportDescSize = int(desc.ReportDescLength)

	d := &Device{
		log:   log,
		bus:   bus,
		irq:   irq,
		opts:  o,
		stats: o.stats,
		desc:  desc,
		info:  info,
	}
	// Some devices come up asleep. Not every device implements the
	// command, so a failure only rates a warning.
	if err := d.SetPower(false); err != nil {
		log.Warn("failed to power on the device", zap.Error(err))
	}
	return d, nil
}

// SetPower moves the device between on and sleep states.
func (d *Device) SetPower(sleep bool) error {
	state := uint8(powerOn)
	if sleep {
		state = powerSleep
	}
	if err := d.bus.Write(d.desc.plainCmd(opSetPower, state)); err != nil {
		return fmt.Errorf("failed to set power state: %w", hid.ErrIO)
	}
	return nil
}

// Reset asks the device to reinitialize itself.
func (d *Device) Reset() error {
	if err := d.bus.Write(d.desc.plainCmd(opReset, 0)); err != nil {
		return fmt.Errorf("failed to reset: %w", hid.ErrIO)
	}
	return nil
}

// Descriptor returns the parsed device descriptor.
func (d *Device) Descriptor() *Descriptor {
	return d.desc
}

// ReportDescriptor reads the report descriptor and derives the input
// report size from it. A size disagreeing with the device descriptor's
// wMaxInputLength is worth a warning but the derived one wins.
func (d *Device) ReportDescriptor() ([]byte, error) {
	buf := make([]byte, d.desc.ReportDescLength)
	if err := d.bus.Transfer(registerCmd(d.desc.ReportDescRegister), buf); err != nil {
		return nil, fmt.Errorf("failed to fetch report descriptor: %w", err)
	}
	info, err := hiddesc.Parse(buf)
	if err != nil {
		return buf, nil
	}
	size := info.MaxReportSize(hiddesc.KindInput) + 2
	if size != int(d.desc.MaxInputLength) {
		d.log.Warn("determined and described input report lengths mismatch",
			zap.Int("determined", size),
			zap.Int("described", int(d.desc.MaxInputLength)))
	}
	d.inputSize = size
	return buf, nil
}

func (d *Device) GetReport(buf []byte, typ hid.ReportType, id uint8) (int, error) {
	idLen := reportIDLen(id)
	// The response is a 2-byte length, the echoed report ID and then the
	// report itself.
	respLen := len(buf) + 2 + idLen
	resp := make([]byte, respLen)
	if err := d.bus.Transfer(d.desc.reportCmd(opGetReport, typ, id), resp); err != nil {
		return 0, fmt.Errorf("failed to fetch report: %w", hid.ErrIO)
	}
	got := int(binary.LittleEndian.Uint16(resp))
	if got < 2+idLen {
		return 0, fmt.Errorf("response of %d bytes carries no report: %w", got, hid.ErrIO)
	}
	if got != respLen {
		d.log.Warn("unexpected report response length",
			zap.Int("got", got), zap.Int("expected", respLen))
	}
	if echoed := echoedID(resp, idLen); echoed != uint16(id) {
		return 0, fmt.Errorf("response carries report id %d, requested %d: %w",
			echoed, id, hid.ErrIO)
	}
	copy(buf, resp[2+idLen:])
	return len(buf), nil
}

func (d *Device) SetReport(buf []byte, typ hid.ReportType, id uint8) error {
	cmd := d.desc.reportCmd(opSetReport, typ, id)
	dataLen := 2 + 1 + len(buf)
	out := make([]byte, 0, len(cmd)+dataLen)
	out = append(out, cmd...)
	out = append(out, uint8(dataLen), uint8(dataLen>>8), id)
	out = append(out, buf...)
	if err := d.bus.Write(out); err != nil {
		return fmt.Errorf("failed to set report: %w", hid.ErrIO)
	}
	return nil
}

// Read is not provided; input reports are fetched by the acquisition
// engine.
func (d *Device) Read(buf []byte) (int, error) {
	return 0, hid.ErrNotSupported
}

// Write sends an output report through the output register, or as a
// SET_REPORT when the device declares no output register.
func (d *Device) Write(buf []byte) error {
	if d.desc.MaxOutputLength == 0 {
		return d.SetReport(buf, hid.OutputReport, 0)
	}
	l := len(buf) + 2
	out := make([]byte, 0, 4+len(buf))
	out = append(out, registerCmd(d.desc.OutputRegister)...)
	out = append(out, uint8(l), uint8(l>>8))
	out = append(out, buf...)
	if err := d.bus.Write(out); err != nil {
		return fmt.Errorf("failed to write output report: %w", hid.ErrIO)
	}
	return nil
}

func (d *Device) SetIdle(duration time.Duration, id uint8) error {
	return hid.ErrNotSupported
}

func (d *Device) SetProtocol(p hid.Protocol) error {
	return hid.ErrNotSupported
}

func (d *Device) IntrSetup(lock *sync.Mutex, fn hid.IntrFunc, sizes hid.TransferSizes) error {
	d.busMu = lock
	d.intr = fn
	if d.inputSize == 0 {
		// Report descriptor not fetched yet; trust the device descriptor.
		d.inputSize = int(d.desc.MaxInputLength)
	}
	d.ibuf = make([]byte, d.inputSize)
	d.smp = newSampler(d.log, d.irq, d.fetchOnce)
	if d.opts.samplingRate != 0 {
		d.smp.rate = d.opts.samplingRate
	}
	return nil
}

func (d *Device) IntrUnsetup() {
	if d.smp != nil {
		d.smp.stop()
		d.smp.drain()
		d.smp = nil
	}
	d.intr = nil
	d.ibuf = nil
}

func (d *Device) IntrStart() error {
	return d.smp.start()
}

func (d *Device) IntrStop() error {
	d.smp.stop()
	return nil
}

// IntrPoll fetches one input report on the calling goroutine.
func (d *Device) IntrPoll() {
	d.fetchOnce()
}

// SetSamplingRate switches the acquisition engine between interrupt mode
// (negative) and periodic sampling.
func (d *Device) SetSamplingRate(rate int) error {
	if d.smp == nil {
		return fmt.Errorf("iichid: device not attached")
	}
	return d.smp.setRate(rate)
}

func (d *Device) SamplingRate() int {
	if d.smp == nil {
		return 0
	}
	return d.smp.currentRate()
}

func (d *Device) Info() hid.DeviceInfo {
	return d.info
}

// fetchOnce reads one input report from the input register and hands it to
// the bus. The leading 2-byte length decides how much of the buffer is
// live; a report of 2 bytes or fewer carries no data.
func (d *Device) fetchOnce() {
	if err := d.bus.Transfer(registerCmd(d.desc.InputRegister), d.ibuf); err != nil {
		d.log.Warn("failed to fetch input report", zap.Error(err))
		return
	}
	actual := int(binary.LittleEndian.Uint16(d.ibuf))
	if actual <= 2 {
		if d.stats != nil {
			d.stats.ReportsDropped.Inc()
		}
		return
	}
	if actual > len(d.ibuf) {
		actual = len(d.ibuf)
	}
	d.busMu.Lock()
	d.intr(d.ibuf[2:actual])
	d.busMu.Unlock()
}
