package hid

import "errors"

// Transport and bus errors, grouped by the way callers are expected to react:
// admission errors are caller bugs, protocol errors may be retried at the
// subscriber's discretion, topology errors are fatal for the attach.
var (
	// ErrBufferTooSmall reports a request exceeding the negotiated
	// maximum transfer size for the endpoint.
	ErrBufferTooSmall = errors.New("hid: buffer exceeds endpoint maximum")

	// ErrIO reports a transport-level failure, including an exhausted
	// stall-clear retry and response framing mismatches.
	ErrIO = errors.New("hid: transport i/o error")

	// ErrTimeout reports that a transfer did not complete before its
	// deadline.
	ErrTimeout = errors.New("hid: transfer timed out")

	// ErrNoDevice reports that a device or its descriptor is unavailable.
	ErrNoDevice = errors.New("hid: device unavailable")

	// ErrNoCollections reports a report descriptor without any top level
	// collections. A bus must not attach with an empty subscriber set.
	ErrNoCollections = errors.New("hid: report descriptor has no top level collections")

	// ErrNotSupported reports an operation the transport has no notion
	// of, such as SetIdle on I2C.
	ErrNotSupported = errors.New("hid: operation not supported")
)
