// Package hid defines the capability contract implemented by every HID
// transport backend, together with the common types shared by the bus layer
// and its subscribers.
package hid

import (
	"fmt"
	"sync"
	"time"
)

// ReportType selects one of the three HID report kinds.
type ReportType uint8

const (
	InputReport ReportType = iota + 1
	OutputReport
	FeatureReport
)

func (t ReportType) String() string {
	switch t {
	case InputReport:
		return "input"
	case OutputReport:
		return "output"
	case FeatureReport:
		return "feature"
	}
	return fmt.Sprintf("reporttype(%d)", uint8(t))
}

// Protocol selects between the HID boot and report protocols.
type Protocol uint16

const (
	BootProtocol   Protocol = 0
	ReportProtocol Protocol = 1
)

// NewUsage combines a usage page and a usage ID into a single value.
func NewUsage(page, id uint16) Usage {
	return Usage(uint32(page)<<16 | uint32(id))
}

// Usage is a usage page plus usage ID, as found in a report descriptor.
type Usage uint32

func (u Usage) Page() uint16 {
	return uint16(u >> 16)
}

func (u Usage) ID() uint16 {
	return uint16(u)
}

func (u Usage) String() string {
	return fmt.Sprintf("0x%04x:0x%04x", u.Page(), u.ID())
}

// IntrFunc receives one input report. The transport invokes it with the
// shared bus lock held, so the implementation must not call back into
// operations that take the same lock.
type IntrFunc func(buf []byte)

// TransferSizes carries the per-kind maximum report sizes computed from the
// report descriptor. A backend uses them to size its transfer buffers.
type TransferSizes struct {
	Input   int
	Output  int
	Feature int
}

// Max returns the largest of the three sizes.
func (s TransferSizes) Max() int {
	m := s.Input
	if s.Output > m {
		m = s.Output
	}
	if s.Feature > m {
		m = s.Feature
	}
	return m
}

// BusKind identifies the physical transport a device sits on.
type BusKind uint8

const (
	BusUSB BusKind = iota + 1
	BusI2C
)

func (b BusKind) String() string {
	switch b {
	case BusUSB:
		return "usb"
	case BusI2C:
		return "i2c"
	}
	return fmt.Sprintf("buskind(%d)", uint8(b))
}

// DeviceInfo describes one physical HID device instance.
type DeviceInfo struct {
	Name   string `json:"name"`
	Serial string `json:"serial,omitempty"`

	BusKind   BusKind `json:"busKind"`
	VendorID  uint16  `json:"vendorId"`
	ProductID uint16  `json:"productId"`
	Version   uint16  `json:"version"`

	// ReportDescSize is the descriptor length announced by the transport,
	// available before the descriptor itself has been fetched.
	ReportDescSize int `json:"reportDescSize"`

	// Quirks.
	BootKeyboard    bool `json:"bootKeyboard,omitempty"`
	BootMouse       bool `json:"bootMouse,omitempty"`
	NoWriteEndpoint bool `json:"noWriteEndpoint,omitempty"`
}

// Transport is the narrow set of operations every transport backend provides.
// The bus registry and subscriber drivers call it polymorphically; backends
// differ only in how they map these onto their native transfer primitive.
//
// IntrStart, IntrStop and the IntrFunc callback run with the lock passed to
// IntrSetup held. All other operations take no locks on entry.
type Transport interface {
	// ReportDescriptor fetches the raw report descriptor.
	ReportDescriptor() ([]byte, error)

	// GetReport reads a report of the given type and ID into buf and
	// returns the number of bytes received.
	GetReport(buf []byte, typ ReportType, id uint8) (int, error)

	// SetReport sends a report of the given type and ID.
	SetReport(buf []byte, typ ReportType, id uint8) error

	// Read performs a one-shot read on the input endpoint, bypassing the
	// interrupt pipe. Not every transport supports it.
	Read(buf []byte) (int, error)

	// Write sends one output report over the preferred write path.
	Write(buf []byte) error

	// SetIdle adjusts the idle rate for the given report ID.
	SetIdle(duration time.Duration, id uint8) error

	// SetProtocol switches between boot and report protocols.
	SetProtocol(p Protocol) error

	// IntrSetup binds the interrupt pipe to a callback. The transport
	// keeps a reference to lock and holds it while delivering reports.
	IntrSetup(lock *sync.Mutex, fn IntrFunc, sizes TransferSizes) error

	// IntrUnsetup releases everything allocated by IntrSetup.
	IntrUnsetup()

	// IntrStart begins input report acquisition. Caller holds the lock.
	IntrStart() error

	// IntrStop halts input report acquisition. Caller holds the lock.
	IntrStop() error

	// IntrPoll forces one synchronous poll of the interrupt pipe. Used
	// when the scheduler is unavailable.
	IntrPoll()

	// Info reports static device metadata.
	Info() DeviceInfo
}
