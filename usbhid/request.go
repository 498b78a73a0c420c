package usbhid

// USB device request framing per the HID class specification: class
// requests travel over the control pipe with an 8-byte little-endian
// header, optionally followed by a data stage.

const (
	reqTypeReadInterface       = 0x81
	reqTypeReadClassInterface  = 0xa1
	reqTypeWriteClassInterface = 0x21
)

const (
	reqGetDescriptor = 0x06
	reqGetReport     = 0x01
	reqSetReport     = 0x09
	reqSetIdle       = 0x0a
	reqSetProtocol   = 0x0b
)

// Report descriptor type for GET_DESCRIPTOR, shifted into the wValue high
// byte.
const descTypeReport = 0x22

// RequestSize is the wire size of a device request header.
const RequestSize = 8

// Request is a standard USB device request (SETUP packet).
type Request struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Encode renders the request in wire order.
func (r Request) Encode() [RequestSize]byte {
	return [RequestSize]byte{
		r.RequestType,
		r.Request,
		uint8(r.Value), uint8(r.Value >> 8),
		uint8(r.Index), uint8(r.Index >> 8),
		uint8(r.Length), uint8(r.Length >> 8),
	}
}
