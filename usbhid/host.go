// Package usbhid implements the HID capability contract for USB devices. It
// bridges the host controller's asynchronous, callback-driven transfer
// primitive into the synchronous calls the bus layer expects.
package usbhid

import "sync"

// Status is the phase a pipe callback is invoked for.
type Status uint8

const (
	// StatusSetup asks the callback to stage frames and submit.
	StatusSetup Status = iota
	// StatusTransferred reports a completed submission.
	StatusTransferred
	// StatusCancelled reports a submission aborted by Stop.
	StatusCancelled
	// StatusError reports a transport failure.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSetup:
		return "setup"
	case StatusTransferred:
		return "transferred"
	case StatusCancelled:
		return "cancelled"
	}
	return "error"
}

// PipeKind selects the endpoint type backing a pipe.
type PipeKind uint8

const (
	PipeControl PipeKind = iota
	PipeInterrupt
)

// Direction is the pipe's data direction.
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
	DirAny
)

// Callback drives a pipe's transfer state machine. The host invokes it with
// the lock passed to OpenPipe held, never from inside a Pipe method call on
// the caller's goroutine.
type Callback func(p Pipe, status Status)

// PipeConfig describes one pipe to open.
type PipeConfig struct {
	Kind       PipeKind
	Direction  Direction
	BufferSize int
	Callback   Callback
}

// Pipe is one endpoint's asynchronous transfer machinery. Control transfers
// use frame 0 for the request header and frame 1 for the payload; interrupt
// transfers use frame 0 only.
//
// All methods are safe to call with the host lock held and never block.
type Pipe interface {
	// MaxLen is the negotiated maximum payload for one submission.
	MaxLen() int

	// SetFrame stages outbound bytes for a frame.
	SetFrame(index int, data []byte)

	// SetFrameLen reserves space for an inbound frame.
	SetFrameLen(index int, length int)

	// SetFrameCount declares how many frames the next submission carries.
	SetFrameCount(n int)

	// Frame returns a frame's payload after completion.
	Frame(index int) []byte

	// ActualLength is the byte count of the last completed submission.
	ActualLength() int

	// Submit queues the staged frames for transfer.
	Submit()

	// Start kicks the state machine: the callback will be invoked with
	// StatusSetup.
	Start()

	// Stop aborts any outstanding submission. After Stop returns, no
	// further callbacks are delivered for it.
	Stop()

	// Poll synchronously advances the pipe, driving any due callback on
	// the calling goroutine. Used when the scheduler is unavailable.
	Poll()

	// ClearStall resets a stalled endpoint.
	ClearStall()

	// Close releases the pipe.
	Close()
}

// ErrNoEndpoint is returned by OpenPipe when the device lacks a matching
// endpoint. The interrupt-out pipe is the only one that may legally be
// absent.
type noEndpointError struct{}

func (noEndpointError) Error() string {
	return "usbhid: no matching endpoint"
}

var ErrNoEndpoint error = noEndpointError{}

// Host is the transport-native transfer primitive, typically backed by a
// host controller driver. Callbacks of all pipes opened with the same lock
// are serialized on it.
type Host interface {
	OpenPipe(cfg PipeConfig, lock *sync.Mutex) (Pipe, error)
}
