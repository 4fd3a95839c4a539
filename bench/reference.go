// Package bench runs virtual ECUs on the shared CAN channel: a periodic
// network-management heartbeat plus a UDS responder answering from
// captured reference data.
package bench

import (
	"fmt"
	"io"
	"sort"

	"github.com/marcinbor85/gohex"
)

// ReferenceStore holds an emulated ECU's captured DID records. Reference
// dumps are stored as Intel HEX images with each record on its own
// 256-byte page at DID<<8, so a capture can be inspected and edited with
// standard tools. The page per DID keeps consecutive identifiers from
// collapsing into one segment.
type ReferenceStore map[uint16][]byte

// LoadReference parses an Intel HEX reference dump.
func LoadReference(r io.Reader) (ReferenceStore, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("parse reference dump: %w", err)
	}

	store := ReferenceStore{}
	for _, seg := range mem.GetDataSegments() {
		if seg.Address&0xFF != 0 || seg.Address>>8 > 0xFFFF {
			return nil, fmt.Errorf("reference segment at 0x%X not on a DID page", seg.Address)
		}
		store[uint16(seg.Address>>8)] = append([]byte{}, seg.Data...)
	}
	return store, nil
}

// Save writes the store back out as an Intel HEX image.
func (s ReferenceStore) Save(w io.Writer) error {
	mem := gohex.NewMemory()

	dids := make([]uint16, 0, len(s))
	for did := range s {
		dids = append(dids, did)
	}
	sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })

	for _, did := range dids {
		if len(s[did]) > 0xFF {
			return fmt.Errorf("DID %04X record exceeds its page", did)
		}
		if err := mem.AddBinary(uint32(did)<<8, s[did]); err != nil {
			return fmt.Errorf("add DID %04X: %w", did, err)
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// Get returns a copy of the record for a DID.
func (s ReferenceStore) Get(did uint16) ([]byte, bool) {
	v, ok := s[did]
	if !ok {
		return nil, false
	}
	return append([]byte{}, v...), true
}

// Set replaces a record, as a WriteDataByIdentifier would on a real unit.
func (s ReferenceStore) Set(did uint16, value []byte) {
	s[did] = append([]byte{}, value...)
}

const benchVIN = "SAJBA4BN0HA000000"

// DefaultReference builds the built-in capture for one of the supported
// virtual ECUs.
func DefaultReference(name string) ReferenceStore {
	switch name {
	case "bcm":
		return ReferenceStore{
			0xF190: []byte(benchVIN),
			0x402A: {0x00, 0x7C}, // 12.4 V
			0x4028: {0x55},       // 85 %
			0x4029: {0x19},       // -15 °C
			0x4030: {0x00},
			0x4032: {0x4B},
		}
	case "gwm":
		return ReferenceStore{
			0xF190: []byte(benchVIN),
			0xF187: []byte("HX73-14F041-AB"),
			0xD100: {0x01},
		}
	case "ipc":
		return ReferenceStore{
			0xF190: []byte(benchVIN),
			0xF187: []byte("HX73-10849-AC"),
			0xD100: {0x01},
		}
	default:
		return ReferenceStore{}
	}
}
