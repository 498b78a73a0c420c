// Package hiddesc extracts the two facts the bus layer needs from a raw HID
// report descriptor: the list of top level collections and the transfer
// buffer sizes per report kind. It deliberately does not build a full item
// tree; subscriber drivers that need one bring their own parser.
package hiddesc

import (
	"errors"
	"fmt"
)

// ReportKind selects input, output or feature items.
type ReportKind uint8

const (
	KindInput ReportKind = iota
	KindOutput
	KindFeature
	kindCount
)

// TLC describes one top level collection in descriptor order.
type TLC struct {
	UsagePage uint16
	UsageID   uint16
}

func (t TLC) String() string {
	return fmt.Sprintf("0x%04x:0x%04x", t.UsagePage, t.UsageID)
}

// Info is the parsed summary of one report descriptor.
type Info struct {
	tlcs    []TLC
	bits    [kindCount]map[uint8]int
	usesIDs bool
}

// Short item prefix fields.
const (
	itemSizeMask = 0x03
	itemTypeMask = 0x0c
	itemTagMask  = 0xf0

	itemTypeMain   = 0x00
	itemTypeGlobal = 0x04
	itemTypeLocal  = 0x08

	longItemPrefix = 0xfe
)

// Main item tags.
const (
	tagInput         = 0x80
	tagOutput        = 0x90
	tagFeature       = 0xb0
	tagCollection    = 0xa0
	tagEndCollection = 0xc0
)

// Global item tags.
const (
	tagUsagePage   = 0x00
	tagReportSize  = 0x70
	tagReportID    = 0x80
	tagReportCount = 0x90
	tagPush        = 0xa0
	tagPop         = 0xb0
)

// Local item tags.
const (
	tagUsage = 0x00
)

var errTruncated = errors.New("hiddesc: truncated item")

type globalState struct {
	usagePage   uint16
	reportSize  uint32
	reportCount uint32
	reportID    uint8
}

type parser struct {
	info  Info
	state globalState
	stack []globalState

	// First local usage since the last main item. Extended usages
	// (4-byte payload) carry their own page in the high word.
	usage    uint32
	usageSet bool
	depth    int
}

// Parse walks the descriptor item stream and produces its summary.
func Parse(data []byte) (*Info, error) {
	p := &parser{}
	for k := ReportKind(0); k < kindCount; k++ {
		p.info.bits[k] = make(map[uint8]int)
	}

	for off := 0; off < len(data); {
		prefix := data[off]
		off++
		if prefix == longItemPrefix {
			if off+1 >= len(data) {
				return nil, errTruncated
			}
			// Long items carry vendor data; skip size + tag + payload.
			off += 2 + int(data[off])
			continue
		}
		size := int(prefix & itemSizeMask)
		if size == 3 {
			size = 4
		}
		if off+size > len(data) {
			return nil, errTruncated
		}
		var value uint32
		for i := 0; i < size; i++ {
			value |= uint32(data[off+i]) << (8 * i)
		}
		off += size

		switch prefix & itemTypeMask {
		case itemTypeMain:
			p.mainItem(prefix&itemTagMask, value, size)
		case itemTypeGlobal:
			if err := p.globalItem(prefix&itemTagMask, value); err != nil {
				return nil, err
			}
		case itemTypeLocal:
			p.localItem(prefix&itemTagMask, value, size)
		}
	}
	return &p.info, nil
}

func (p *parser) mainItem(tag uint8, value uint32, size int) {
	switch tag {
	case tagCollection:
		if p.depth == 0 {
			tlc := TLC{UsagePage: p.state.usagePage}
			if p.usageSet {
				tlc.UsageID = uint16(p.usage)
				if page := uint16(p.usage >> 16); page != 0 {
					tlc.UsagePage = page
				}
			}
			p.info.tlcs = append(p.info.tlcs, tlc)
		}
		p.depth++
	case tagEndCollection:
		if p.depth > 0 {
			p.depth--
		}
	case tagInput:
		p.dataItem(KindInput)
	case tagOutput:
		p.dataItem(KindOutput)
	case tagFeature:
		p.dataItem(KindFeature)
	}
	p.usage = 0
	p.usageSet = false
}

func (p *parser) dataItem(kind ReportKind) {
	p.info.bits[kind][p.state.reportID] +=
		int(p.state.reportSize) * int(p.state.reportCount)
}

func (p *parser) globalItem(tag uint8, value uint32) error {
	switch tag {
	case tagUsagePage:
		p.state.usagePage = uint16(value)
	case tagReportSize:
		p.state.reportSize = value
	case tagReportID:
		p.state.reportID = uint8(value)
		p.info.usesIDs = true
	case tagReportCount:
		p.state.reportCount = value
	case tagPush:
		p.stack = append(p.stack, p.state)
	case tagPop:
		if len(p.stack) == 0 {
			return errors.New("hiddesc: pop on empty global stack")
		}
		p.state = p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
	}
	return nil
}

func (p *parser) localItem(tag uint8, value uint32, size int) {
	if tag != tagUsage || p.usageSet {
		return
	}
	p.usage = value
	if size < 4 {
		p.usage |= uint32(p.state.usagePage) << 16
	}
	p.usageSet = true
}

// TopLevelCollections returns the TLCs in descriptor encounter order.
func (i *Info) TopLevelCollections() []TLC {
	out := make([]TLC, len(i.tlcs))
	copy(out, i.tlcs)
	return out
}

// UsesReportIDs reports whether any report ID item was seen. When true,
// every report on the wire is prefixed with its one-byte ID.
func (i *Info) UsesReportIDs() bool {
	return i.usesIDs
}

// ReportSize returns the byte size of the report with the given kind and ID,
// including the ID prefix byte when report IDs are in use. Zero means no
// such report exists.
func (i *Info) ReportSize(kind ReportKind, id uint8) int {
	bits := i.bits[kind][id]
	if bits == 0 {
		return 0
	}
	size := (bits + 7) / 8
	if i.usesIDs {
		size++
	}
	return size
}

// MaxReportSize returns the byte size of the largest report of a kind across
// all report IDs.
func (i *Info) MaxReportSize(kind ReportKind) int {
	max := 0
	for id := range i.bits[kind] {
		if s := i.ReportSize(kind, id); s > max {
			max = s
		}
	}
	return max
}
