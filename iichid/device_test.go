package iichid

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/myfreeweb/iichid/hid"
)

const (
	testConfigReg = 0x0001
	testRDescReg  = 0x0020
	testCmdReg    = 0x0022
	testDataReg   = 0x0023
	testInputReg  = 0x0024
	testOutputReg = 0x0025
)

// A single 8-byte-input keyboard collection without report IDs, so the
// derived input size is 8 + 2.
var testRDesc = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xa1, 0x01, // Collection (Application)
	0x75, 0x08, //   Report Size (8)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input
	0xc0, // End Collection
}

func buildDescriptor(maxInput, maxOutput uint16) []byte {
	fields := []uint16{
		30, 0x0100,
		uint16(len(testRDesc)), testRDescReg,
		testInputReg, maxInput,
		testOutputReg, maxOutput,
		testCmdReg, testDataReg,
		0x045e, 0x0921, 0x0002,
	}
	buf := make([]byte, DescriptorSize)
	for i, f := range fields {
		binary.LittleEndian.PutUint16(buf[i*2:], f)
	}
	return buf
}

type fakeBus struct {
	mu sync.Mutex

	desc       []byte
	input      []byte
	reportResp []byte
	fail       error

	transfers    [][]byte
	writes       [][]byte
	inputFetches int
}

func (b *fakeBus) Transfer(cmd, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers = append(b.transfers, append([]byte(nil), cmd...))
	if b.fail != nil {
		return b.fail
	}
	if len(cmd) == 2 {
		switch binary.LittleEndian.Uint16(cmd) {
		case testConfigReg:
			copy(buf, b.desc)
		case testRDescReg:
			copy(buf, testRDesc)
		case testInputReg:
			b.inputFetches++
			copy(buf, b.input)
		}
		return nil
	}
	copy(buf, b.reportResp)
	return nil
}

func (b *fakeBus) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, append([]byte(nil), data...))
	return b.fail
}

func (b *fakeBus) lastTransfer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfers[len(b.transfers)-1]
}

func (b *fakeBus) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputFetches
}

func (b *fakeBus) setInput(actual int, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint16(buf, uint16(actual))
	copy(buf[2:], payload)
	b.input = buf
}

type fakeIRQ struct {
	mu         sync.Mutex
	fn         func()
	enables    int
	disables   int
	failEnable error
}

func (i *fakeIRQ) Enable(fn func()) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failEnable != nil {
		return i.failEnable
	}
	i.fn = fn
	i.enables++
	return nil
}

func (i *fakeIRQ) Disable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fn = nil
	i.disables++
}

func (i *fakeIRQ) fire() {
	i.mu.Lock()
	fn := i.fn
	i.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (i *fakeIRQ) counts() (int, int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enables, i.disables
}

func newTestDevice(t *testing.T, bus *fakeBus, opts ...Option) *Device {
	t.Helper()
	if bus.desc == nil {
		bus.desc = buildDescriptor(10, 16)
	}
	d, err := New(zaptest.NewLogger(t), bus, nil, hid.DeviceInfo{Name: "test"}, opts...)
	require.NoError(t, err)
	// Drop the power-on command so tests only see their own writes.
	bus.writes = nil
	return d
}

// attachIntr binds a recording handler and returns a snapshot getter that
// takes the dispatch lock, since the sampler appends concurrently.
func attachIntr(t *testing.T, d *Device) func() [][]byte {
	t.Helper()
	lock := &sync.Mutex{}
	var reports [][]byte
	err := d.IntrSetup(lock, func(buf []byte) {
		reports = append(reports, append([]byte(nil), buf...))
	}, hid.TransferSizes{Input: 8})
	require.NoError(t, err)
	t.Cleanup(d.IntrUnsetup)
	return func() [][]byte {
		lock.Lock()
		defer lock.Unlock()
		return append([][]byte(nil), reports...)
	}
}

func TestNewReadsDeviceDescriptor(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	info := d.Info()
	assert.Equal(t, hid.BusI2C, info.BusKind)
	assert.Equal(t, uint16(0x045e), info.VendorID)
	assert.Equal(t, uint16(0x0921), info.ProductID)
	assert.Equal(t, uint16(0x0002), info.Version)
	assert.Equal(t, len(testRDesc), info.ReportDescSize)
	assert.Equal(t, []byte{0x01, 0x00}, bus.transfers[0])
}

func TestNewRejectsBrokenDescriptor(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mangle func([]byte)
	}{
		{"bad length field", func(d []byte) { binary.LittleEndian.PutUint16(d, 28) }},
		{"bad version", func(d []byte) { binary.LittleEndian.PutUint16(d[2:], 0x0200) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			desc := buildDescriptor(10, 16)
			tc.mangle(desc)
			bus := &fakeBus{desc: desc}
			_, err := New(zaptest.NewLogger(t), bus, nil, hid.DeviceInfo{})
			assert.ErrorIs(t, err, hid.ErrNoDevice)
		})
	}
}

func TestNewPowersDeviceOn(t *testing.T) {
	bus := &fakeBus{desc: buildDescriptor(10, 16)}
	_, err := New(zaptest.NewLogger(t), bus, nil, hid.DeviceInfo{})
	require.NoError(t, err)
	require.Len(t, bus.writes, 1)
	assert.Equal(t, []byte{0x22, 0x00, 0x00, 0x08}, bus.writes[0])
}

func TestSetPowerAndReset(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	require.NoError(t, d.SetPower(true))
	require.NoError(t, d.Reset())
	require.Len(t, bus.writes, 2)
	assert.Equal(t, []byte{0x22, 0x00, 0x01, 0x08}, bus.writes[0])
	assert.Equal(t, []byte{0x22, 0x00, 0x00, 0x01}, bus.writes[1])
}

func TestGetReportSmallID(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	resp := make([]byte, 7)
	binary.LittleEndian.PutUint16(resp, 7)
	resp[2] = 5
	copy(resp[3:], []byte{0xde, 0xad, 0xbe, 0xef})
	bus.reportResp = resp

	buf := make([]byte, 4)
	n, err := d.GetReport(buf, hid.FeatureReport, 5)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)
	assert.Equal(t, []byte{0x22, 0x00, 0x35, 0x02, 0x23, 0x00}, bus.lastTransfer())
}

func TestGetReportLargeID(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	resp := make([]byte, 8)
	binary.LittleEndian.PutUint16(resp, 8)
	binary.LittleEndian.PutUint16(resp[2:], 20)
	copy(resp[4:], []byte{1, 2, 3, 4})
	bus.reportResp = resp

	buf := make([]byte, 4)
	_, err := d.GetReport(buf, hid.FeatureReport, 20)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
	// ID 20 does not fit the command nibble: 1111 marker plus a third byte.
	assert.Equal(t, []byte{0x22, 0x00, 0x3f, 0x02, 20, 0x23, 0x00}, bus.lastTransfer())
}

func TestGetReportIDMismatchIsFatal(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	resp := make([]byte, 7)
	binary.LittleEndian.PutUint16(resp, 7)
	resp[2] = 6
	bus.reportResp = resp

	_, err := d.GetReport(make([]byte, 4), hid.FeatureReport, 5)
	assert.ErrorIs(t, err, hid.ErrIO)
}

func TestGetReportTooShortResponse(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	resp := make([]byte, 7)
	binary.LittleEndian.PutUint16(resp, 2)
	bus.reportResp = resp

	_, err := d.GetReport(make([]byte, 4), hid.FeatureReport, 5)
	assert.ErrorIs(t, err, hid.ErrIO)
}

func TestGetReportLengthMismatchIsNot(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	resp := make([]byte, 7)
	binary.LittleEndian.PutUint16(resp, 99)
	resp[2] = 5
	copy(resp[3:], []byte{1, 2, 3, 4})
	bus.reportResp = resp

	buf := make([]byte, 4)
	_, err := d.GetReport(buf, hid.FeatureReport, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestSetReportFraming(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	require.NoError(t, d.SetReport([]byte{1, 2, 3}, hid.OutputReport, 2))
	require.Len(t, bus.writes, 1)
	assert.Equal(t, []byte{
		0x22, 0x00, 0x22, 0x03, 0x23, 0x00, // command
		0x06, 0x00, 0x02, // data length and report id
		1, 2, 3,
	}, bus.writes[0])
}

func TestWriteUsesOutputRegister(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)

	require.NoError(t, d.Write([]byte{1, 2, 3}))
	require.Len(t, bus.writes, 1)
	assert.Equal(t, []byte{0x25, 0x00, 0x05, 0x00, 1, 2, 3}, bus.writes[0])
}

func TestWriteFallsBackToSetReport(t *testing.T) {
	bus := &fakeBus{desc: buildDescriptor(10, 0)}
	d := newTestDevice(t, bus)

	require.NoError(t, d.Write([]byte{1, 2, 3}))
	require.Len(t, bus.writes, 1)
	assert.Equal(t, uint8(0x20), bus.writes[0][2])
}

func TestReportDescriptorDerivesInputSize(t *testing.T) {
	// Described length disagrees with the descriptor-derived 10.
	bus := &fakeBus{desc: buildDescriptor(12, 16)}
	d := newTestDevice(t, bus)

	rdesc, err := d.ReportDescriptor()
	require.NoError(t, err)
	assert.Equal(t, testRDesc, rdesc)
	assert.Equal(t, 10, d.inputSize)
}

func TestInterruptModeFetchesOnFire(t *testing.T) {
	bus := &fakeBus{}
	irq := &fakeIRQ{}
	d := newTestDevice(t, bus)
	d.irq = irq
	reports := attachIntr(t, d)
	bus.setInput(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, d.IntrStart())
	assert.Equal(t, -1, d.SamplingRate())
	enables, _ := irq.counts()
	assert.Equal(t, 1, enables)

	irq.fire()
	require.Eventually(t, func() bool { return len(reports()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, reports()[0])

	// No periodic fetches in interrupt mode.
	n := bus.fetchCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, bus.fetchCount())
	require.NoError(t, d.IntrStop())
}

func TestEmptyReportsAreDropped(t *testing.T) {
	stats := &hid.Stats{}
	bus := &fakeBus{}
	irq := &fakeIRQ{}
	d := newTestDevice(t, bus, WithStats(stats))
	d.irq = irq
	reports := attachIntr(t, d)
	bus.setInput(2, nil)

	require.NoError(t, d.IntrStart())
	irq.fire()
	require.Eventually(t, func() bool {
		return stats.Snapshot().ReportsDropped == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, reports())
	require.NoError(t, d.IntrStop())
}

func TestSamplingModeFetchesPeriodically(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus, WithSamplingRate(500))
	reports := attachIntr(t, d)
	bus.setInput(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, d.IntrStart())
	assert.Equal(t, 500, d.SamplingRate())
	require.Eventually(t, func() bool { return len(reports()) >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, d.IntrStop())
}

func TestSamplingRateSwitchesModes(t *testing.T) {
	bus := &fakeBus{}
	irq := &fakeIRQ{}
	d := newTestDevice(t, bus)
	d.irq = irq
	attachIntr(t, d)
	bus.setInput(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, d.IntrStart())
	assert.Equal(t, -1, d.SamplingRate())

	require.NoError(t, d.SetSamplingRate(500))
	_, disables := irq.counts()
	assert.Equal(t, 1, disables)
	before := bus.fetchCount()
	require.Eventually(t, func() bool {
		return bus.fetchCount() > before+2
	}, time.Second, time.Millisecond)

	require.NoError(t, d.SetSamplingRate(-1))
	enables, _ := irq.counts()
	assert.Equal(t, 2, enables)
	time.Sleep(20 * time.Millisecond)
	n := bus.fetchCount()
	time.Sleep(40 * time.Millisecond)
	assert.LessOrEqual(t, bus.fetchCount(), n+1)
	require.NoError(t, d.IntrStop())
}

func TestInterruptModeNeedsALine(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus)
	attachIntr(t, d)

	require.NoError(t, d.IntrStart())
	err := d.SetSamplingRate(-1)
	assert.ErrorIs(t, err, ErrNoInterruptLine)
	assert.Equal(t, defaultSamplingRate, d.SamplingRate())
	require.NoError(t, d.IntrStop())
}

func TestInterruptModeWithoutLineFallsBackToSampling(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus, WithSamplingRate(-1))
	attachIntr(t, d)
	bus.setInput(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, d.IntrStart())
	assert.Equal(t, defaultSamplingRate, d.SamplingRate())
	before := bus.fetchCount()
	require.Eventually(t, func() bool {
		return bus.fetchCount() > before
	}, time.Second, time.Millisecond)
	require.NoError(t, d.IntrStop())
}

func TestRateZeroDisarmsTimer(t *testing.T) {
	bus := &fakeBus{}
	d := newTestDevice(t, bus, WithSamplingRate(500))
	attachIntr(t, d)
	bus.setInput(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, d.IntrStart())
	require.Eventually(t, func() bool {
		return bus.fetchCount() > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, d.SetSamplingRate(0))
	// A fire already queued at the switch may still land.
	time.Sleep(20 * time.Millisecond)
	n := bus.fetchCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, bus.fetchCount())
	require.NoError(t, d.IntrStop())
}

func TestInterruptSetupFailureFallsBackToSampling(t *testing.T) {
	bus := &fakeBus{}
	irq := &fakeIRQ{failEnable: errors.New("line busy")}
	d := newTestDevice(t, bus)
	d.irq = irq
	attachIntr(t, d)
	bus.setInput(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, d.IntrStart())
	assert.Equal(t, defaultSamplingRate, d.SamplingRate())
	before := bus.fetchCount()
	require.Eventually(t, func() bool {
		return bus.fetchCount() > before
	}, time.Second, time.Millisecond)
	require.NoError(t, d.IntrStop())
}
