package iichid

import (
	"encoding/binary"
	"fmt"

	"github.com/myfreeweb/iichid/hid"
)

// DescriptorSize is the wire size of the device descriptor.
const DescriptorSize = 30

// descVersion is the only protocol revision understood here.
const descVersion = 0x0100

const (
	opReset     = 0x01
	opGetReport = 0x02
	opSetReport = 0x03
	opSetPower  = 0x08
)

const (
	powerOn    = 0x00
	powerSleep = 0x01
)

// Descriptor is the device descriptor fetched from the configuration
// register. All fields are little-endian on the wire.
type Descriptor struct {
	HIDDescLength      uint16
	BCDVersion         uint16
	ReportDescLength   uint16
	ReportDescRegister uint16
	InputRegister      uint16
	MaxInputLength     uint16
	OutputRegister     uint16
	MaxOutputLength    uint16
	CommandRegister    uint16
	DataRegister       uint16
	VendorID           uint16
	ProductID          uint16
	VersionID          uint16
	// 4 reserved bytes follow on the wire.
}

// ParseDescriptor decodes and validates a raw device descriptor. A length
// or version field that does not match the protocol means the device is
// not speaking it at all, so both are fatal.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	if len(raw) < DescriptorSize {
		return nil, fmt.Errorf("device descriptor truncated at %d bytes: %w", len(raw), hid.ErrNoDevice)
	}
	d := &Descriptor{}
	fields := []*uint16{
		&d.HIDDescLength, &d.BCDVersion,
		&d.ReportDescLength, &d.ReportDescRegister,
		&d.InputRegister, &d.MaxInputLength,
		&d.OutputRegister, &d.MaxOutputLength,
		&d.CommandRegister, &d.DataRegister,
		&d.VendorID, &d.ProductID, &d.VersionID,
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint16(raw[i*2:])
	}
	if d.HIDDescLength != DescriptorSize || d.BCDVersion != descVersion {
		return nil, fmt.Errorf("broken device descriptor (length %d, version %#04x): %w",
			d.HIDDescLength, d.BCDVersion, hid.ErrNoDevice)
	}
	return d, nil
}

// reportIDLen is how many bytes the report ID occupies in commands and in
// the echoed response. The protocol is optimized for IDs below 15; larger
// ones set the low nibble to 1111 and carry the actual ID in an extra
// byte.
func reportIDLen(id uint8) int {
	if id >= 15 {
		return 2
	}
	return 1
}

// reportCmd frames a GET_REPORT or SET_REPORT command for the command
// register.
func (d *Descriptor) reportCmd(op uint8, typ hid.ReportType, id uint8) []byte {
	cmd := make([]byte, 0, 7)
	cmd = append(cmd, uint8(d.CommandRegister), uint8(d.CommandRegister>>8))
	if id >= 15 {
		cmd = append(cmd, 15|uint8(typ)<<4, op, id)
	} else {
		cmd = append(cmd, id|uint8(typ)<<4, op)
	}
	return append(cmd, uint8(d.DataRegister), uint8(d.DataRegister>>8))
}

// plainCmd frames an argument-carrying command that addresses no report,
// such as RESET or SET_POWER.
func (d *Descriptor) plainCmd(op, arg uint8) []byte {
	return []byte{uint8(d.CommandRegister), uint8(d.CommandRegister >> 8), arg, op}
}

// registerCmd frames a plain register read address.
func registerCmd(reg uint16) []byte {
	return []byte{uint8(reg), uint8(reg >> 8)}
}

// echoedID extracts the report ID a response carries back.
func echoedID(resp []byte, idLen int) uint16 {
	if idLen == 2 {
		return binary.LittleEndian.Uint16(resp[2:])
	}
	return uint16(resp[2])
}
