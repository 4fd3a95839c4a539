// Package tp implements the ISO 15765-2 transport protocol over classic
// CAN: single-frame and segmented first/consecutive/flow-control framing
// with flow-control timing.
package tp

import (
	"fmt"
	"time"
)

const (
	PDUSingleFrame = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
)

const (
	FlowStatusContinueToSend = iota
	FlowStatusWait
	FlowStatusOverflow
)

// MaxSingleFrame is the largest payload a single frame carries on classic CAN.
const MaxSingleFrame = 7

// MaxMessageSize is the 12-bit first-frame length limit.
const MaxMessageSize = 0xFFF

// PDU is one decoded ISO-TP protocol data unit.
type PDU struct {
	Type       int
	Length     int    // SF/FF: declared payload length
	Data       []byte // SF: payload, FF: first 6 bytes, CF: up to 7 bytes
	SeqNum     int    // CF only, 0..15
	FlowStatus int    // FC only
	BlockSize  byte   // FC only
	StMin      byte   // FC only, raw encoding
}

// ParsePDU decodes the data bytes of a CAN frame into a PDU.
func ParsePDU(data []byte) (*PDU, error) {
	if len(data) == 0 {
		return nil, InvalidFrameError{IsoTpError: NewIsoTpError("empty CAN frame")}
	}

	p := &PDU{Type: int(data[0]>>4) & 0xF}
	switch p.Type {
	case PDUSingleFrame:
		length := int(data[0]) & 0xF
		if length == 0 || length > MaxSingleFrame {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("invalid single frame length %d", length))}
		}
		if length > len(data)-1 {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("single frame length %d exceeds payload %d", length, len(data)-1))}
		}
		p.Length = length
		p.Data = data[1 : 1+length]

	case PDUFirstFrame:
		if len(data) < 2 {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError("first frame shorter than 2 bytes")}
		}
		length := (int(data[0])&0xF)<<8 | int(data[1])
		if length <= MaxSingleFrame {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("first frame with single-frame length %d", length))}
		}
		p.Length = length
		end := len(data)
		if end > 2+length {
			end = 2 + length
		}
		p.Data = data[2:end]

	case PDUConsecutiveFrame:
		p.SeqNum = int(data[0]) & 0xF
		p.Data = data[1:]

	case PDUFlowControl:
		if len(data) < 3 {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError("flow control frame shorter than 3 bytes")}
		}
		fs := int(data[0]) & 0xF
		if fs > FlowStatusOverflow {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("unknown flow status %d", fs))}
		}
		p.FlowStatus = fs
		p.BlockSize = data[1]
		p.StMin = data[2]
		if _, err := StMinDuration(data[2]); err != nil {
			return nil, err
		}

	default:
		return nil, InvalidFrameError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("unknown frame type %d", p.Type))}
	}
	return p, nil
}

// StMinDuration converts the raw flow-control separation time byte to a
// duration. 0x00..0x7F encode milliseconds, 0xF1..0xF9 encode 100..900
// microseconds. Other values are reserved and rejected.
func StMinDuration(raw byte) (time.Duration, error) {
	switch {
	case raw <= 0x7F:
		return time.Duration(raw) * time.Millisecond, nil
	case raw >= 0xF1 && raw <= 0xF9:
		return time.Duration(raw-0xF0) * 100 * time.Microsecond, nil
	default:
		return 0, InvalidFrameError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("reserved StMin value 0x%02X", raw))}
	}
}

// CraftSingleFrame builds SF PCI + payload for a payload of at most 7 bytes.
func CraftSingleFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(len(payload))&0xF)
	return append(out, payload...)
}

// CraftFirstFrame builds the FF carrying the total length and the first six
// payload bytes.
func CraftFirstFrame(totalLength int, first6 []byte) []byte {
	out := make([]byte, 0, 8)
	out = append(out, byte(0x10|(totalLength>>8)&0xF), byte(totalLength&0xFF))
	return append(out, first6...)
}

// CraftConsecutiveFrame builds a CF with the given rolling sequence number.
func CraftConsecutiveFrame(seqNum int, chunk []byte) []byte {
	out := make([]byte, 0, len(chunk)+1)
	out = append(out, byte(0x20|seqNum&0xF))
	return append(out, chunk...)
}

// CraftFlowControlData builds the 3-byte FC payload.
func CraftFlowControlData(flowStatus int, blockSize, stMin byte) []byte {
	return []byte{byte(0x30 | (flowStatus & 0xF)), blockSize, stMin}
}

// FrameCount returns the number of CAN frames needed to carry a payload of
// the given length: one single frame up to 7 bytes, otherwise a first frame
// with 6 bytes plus consecutive frames of 7.
func FrameCount(payloadLen int) int {
	if payloadLen <= MaxSingleFrame {
		return 1
	}
	remaining := payloadLen - 6
	return 1 + (remaining+6)/7
}
