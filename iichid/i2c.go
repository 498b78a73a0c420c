// Package iichid implements the HID capability contract for devices behind
// an I2C bus. Unlike USB there is no asynchronous transfer machinery: every
// exchange is a register-addressed write-then-read, and input reports must
// be fetched by the host, driven either by the device's interrupt line or
// by a periodic sampling timer.
package iichid

import "errors"

// Bus is a register-addressed connection to one device on an I2C segment.
type Bus interface {
	// Transfer writes cmd and reads len(buf) bytes back in a single
	// transaction (write with no stop condition, then read).
	Transfer(cmd, buf []byte) error

	// Write sends data in a single write transaction.
	Write(data []byte) error
}

// InterruptLine is the device's out-of-band attention signal. Enable
// installs the handler; the line implementation must never block in it.
type InterruptLine interface {
	Enable(fn func()) error
	Disable()
}

// ErrNoInterruptLine is returned when interrupt-driven acquisition is
// requested on a device that has no interrupt line.
var ErrNoInterruptLine = errors.New("iichid: no interrupt line")
