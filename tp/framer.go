package tp

import (
	"context"
	"fmt"
	"time"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/x260diag/transport"
)

// Framer sends and receives ISO-TP messages over one request/response
// arbitration id pair. It is not safe for concurrent use; callers serialize
// whole exchanges through the shared channel token.
type Framer struct {
	conn transport.Connection
	addr Address
	cfg  Config
}

func NewFramer(conn transport.Connection, addr Address, cfg Config) (*Framer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Framer{conn: conn, addr: addr, cfg: cfg}, nil
}

func (f *Framer) Address() Address {
	return f.addr
}

// Send transmits a payload, segmenting it when it does not fit a single
// frame. Flow control from the peer governs block size and the separation
// time between consecutive frames.
func (f *Framer) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return InvalidFrameError{IsoTpError: NewIsoTpError("cannot send empty payload")}
	}
	if len(payload) <= MaxSingleFrame {
		return f.sendFrame(ctx, CraftSingleFrame(payload))
	}
	if len(payload) > f.cfg.MaxFrameSize {
		return FrameTooLongError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("payload of %d bytes exceeds limit %d", len(payload), f.cfg.MaxFrameSize))}
	}
	return f.sendSegmented(ctx, payload)
}

func (f *Framer) sendSegmented(ctx context.Context, payload []byte) error {
	if err := f.sendFrame(ctx, CraftFirstFrame(len(payload), payload[:6])); err != nil {
		return err
	}

	offset := 6
	seqNum := 1
	for offset < len(payload) {
		blockSize, stMin, err := f.waitFlowControl(ctx)
		if err != nil {
			return err
		}

		sent := 0
		for offset < len(payload) {
			end := offset + 7
			if end > len(payload) {
				end = len(payload)
			}
			if err := f.sendFrame(ctx, CraftConsecutiveFrame(seqNum, payload[offset:end])); err != nil {
				return err
			}
			offset = end
			seqNum = (seqNum + 1) & 0xF
			sent++

			if offset >= len(payload) {
				return nil
			}
			if blockSize > 0 && sent >= int(blockSize) {
				break // peer wants another flow control before the next block
			}
			if stMin > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(stMin):
				}
			}
		}
	}
	return nil
}

// waitFlowControl reads frames until a flow control arrives, honoring Wait
// status up to the configured limit.
func (f *Framer) waitFlowControl(ctx context.Context) (byte, time.Duration, error) {
	waits := 0
	for {
		pdu, err := f.recvPDU(ctx, f.cfg.TimeoutN_Bs)
		if err != nil {
			if isTransportTimeout(err) {
				return 0, 0, FlowControlTimeoutError{}
			}
			return 0, 0, err
		}
		if pdu.Type != PDUFlowControl {
			// Stray frame from an earlier aborted exchange. Keep waiting.
			continue
		}
		switch pdu.FlowStatus {
		case FlowStatusOverflow:
			return 0, 0, OverflowError{}
		case FlowStatusWait:
			waits++
			if waits > f.cfg.MaxWaitFrame {
				return 0, 0, MaximumWaitFrameReachedError{}
			}
			continue
		case FlowStatusContinueToSend:
			stMin, err := StMinDuration(pdu.StMin)
			if err != nil {
				return 0, 0, err
			}
			return pdu.BlockSize, stMin, nil
		}
	}
}

// Recv waits for one complete ISO-TP message, reassembling segmented
// transfers. A sequence number gap is fatal for the whole message.
func (f *Framer) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.TimeoutError{Waited: timeout}
		}
		pdu, err := f.recvPDU(ctx, remaining)
		if err != nil {
			return nil, err
		}

		switch pdu.Type {
		case PDUSingleFrame:
			return append([]byte{}, pdu.Data...), nil
		case PDUFirstFrame:
			return f.recvSegmented(ctx, pdu)
		default:
			// CF or FC without a first frame: leftovers of an aborted
			// exchange. Skip and keep waiting for a message start.
		}
	}
}

func (f *Framer) recvSegmented(ctx context.Context, first *PDU) ([]byte, error) {
	if first.Length > f.cfg.MaxFrameSize {
		// Tell the sender to abort before failing locally.
		_ = f.sendFrame(ctx, CraftFlowControlData(FlowStatusOverflow, 0, 0))
		return nil, FrameTooLongError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("first frame declares %d bytes, limit %d", first.Length, f.cfg.MaxFrameSize))}
	}

	buffer := make([]byte, 0, first.Length)
	buffer = append(buffer, first.Data...)
	if err := f.sendFrame(ctx, CraftFlowControlData(FlowStatusContinueToSend, f.cfg.BlockSize, f.cfg.StMin)); err != nil {
		return nil, err
	}

	expectedSeq := 1
	blockCount := 0
	for len(buffer) < first.Length {
		pdu, err := f.recvPDU(ctx, f.cfg.TimeoutN_Cr)
		if err != nil {
			if isTransportTimeout(err) {
				return nil, ConsecutiveFrameTimeoutError{}
			}
			return nil, err
		}
		if pdu.Type != PDUConsecutiveFrame {
			return nil, InvalidFrameError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("expected consecutive frame, got %d", pdu.Type))}
		}
		if pdu.SeqNum != expectedSeq {
			return nil, WrongSequenceNumberError{Expected: expectedSeq, Got: pdu.SeqNum}
		}
		expectedSeq = (expectedSeq + 1) & 0xF

		need := first.Length - len(buffer)
		if need > len(pdu.Data) {
			buffer = append(buffer, pdu.Data...)
		} else {
			buffer = append(buffer, pdu.Data[:need]...)
		}

		blockCount++
		if len(buffer) < first.Length && f.cfg.BlockSize > 0 && blockCount%int(f.cfg.BlockSize) == 0 {
			if err := f.sendFrame(ctx, CraftFlowControlData(FlowStatusContinueToSend, f.cfg.BlockSize, f.cfg.StMin)); err != nil {
				return nil, err
			}
		}
	}
	return buffer, nil
}

// recvPDU reads frames until one arrives on the response id, then parses it.
func (f *Framer) recvPDU(ctx context.Context, timeout time.Duration) (*PDU, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.TimeoutError{Waited: timeout}
		}
		frame, err := f.conn.Recv(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if frame.ID != f.addr.RxID {
			continue
		}
		return ParsePDU(frame.Data[:frame.Length])
	}
}

func (f *Framer) sendFrame(ctx context.Context, data []byte) error {
	if len(data) > 8 {
		return InvalidFrameError{IsoTpError: NewIsoTpError("frame data exceeds 8 bytes")}
	}
	frame := can.Frame{ID: f.addr.TxID, Length: uint8(len(data))}
	copy(frame.Data[:], data)
	if f.cfg.PaddingByte != nil && frame.Length < 8 {
		for i := int(frame.Length); i < 8; i++ {
			frame.Data[i] = *f.cfg.PaddingByte
		}
		frame.Length = 8
	}
	return f.conn.Send(ctx, frame)
}

func isTransportTimeout(err error) bool {
	_, ok := err.(transport.TimeoutError)
	return ok
}
