package tp

import (
	"fmt"
	"time"
)

// Address is one physical request/response arbitration id pair.
type Address struct {
	TxID uint32
	RxID uint32
}

// Config holds the transport layer parameters. Timer names follow the
// ISO 15765-2 performance requirements: N_Bs is the wait for a flow
// control frame, N_Cr the wait for the next consecutive frame.
type Config struct {
	TimeoutN_Bs time.Duration
	TimeoutN_Cr time.Duration

	// Flow control advertised to the peer when receiving.
	BlockSize byte
	StMin     byte

	// PaddingByte, when set, pads every transmitted frame to 8 data bytes.
	PaddingByte *byte

	MaxWaitFrame int
	MaxFrameSize int
}

func DefaultConfig() Config {
	pad := byte(0x00)
	return Config{
		TimeoutN_Bs:  1000 * time.Millisecond,
		TimeoutN_Cr:  1000 * time.Millisecond,
		BlockSize:    0,
		StMin:        20,
		PaddingByte:  &pad,
		MaxWaitFrame: 2,
		MaxFrameSize: MaxMessageSize,
	}
}

func (c Config) Validate() error {
	if c.TimeoutN_Bs <= 0 {
		return fmt.Errorf("TimeoutN_Bs must be positive")
	}
	if c.TimeoutN_Cr <= 0 {
		return fmt.Errorf("TimeoutN_Cr must be positive")
	}
	if c.StMin > 0x7F && (c.StMin < 0xF1 || c.StMin > 0xF9) {
		return fmt.Errorf("StMin 0x%02X is a reserved encoding", c.StMin)
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("MaxWaitFrame must not be negative")
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > MaxMessageSize {
		return fmt.Errorf("MaxFrameSize must be within 1..%d", MaxMessageSize)
	}
	return nil
}
