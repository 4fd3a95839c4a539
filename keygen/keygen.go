// Package keygen implements the SecurityAccess seed-to-key transforms.
//
// The MkI transform is the vehicle's 24-bit LFSR-style diffusion used by
// the 0x11/0x12 level pair. It must stay bit-exact: any divergence fails
// the ECU's comparison and the unlock is rejected with NRC 0x35.
package keygen

import "fmt"

// Level pairs: the odd sub-function requests a seed, the next even one
// sends the key.
const (
	LevelIMC         = 0x11 // MkI with the DC0314 constants
	LevelProgramming = 0x61 // AES-CMAC over the seed
)

const (
	mkIInitialRegister = 0xC541A9
	mkIMask            = 0xEF6FD7
)

// DC0314 is the IMC's fixed security constant block.
var DC0314 = [5]byte{0x65, 0xF8, 0x24, 0xAC, 0x8F}

// MkI derives a 24-bit key from a 24-bit seed and a 5-byte constant block.
// Two 32-round diffusion passes run over a working register seeded with a
// known initial value: the first folds in the seed word, the second a word
// packed from the constants. Specific register bits are re-injected each
// round at positions 0x14, 0xF, 0xC, 5 and 3.
func MkI(seed uint32, constants [5]byte) uint32 {
	c0 := uint32(constants[0])
	c1 := uint32(constants[1])
	c2 := uint32(constants[2])
	c3 := uint32(constants[3])
	c4 := uint32(constants[4])

	seed &= 0xFFFFFF
	seedWord := (seed & 0xFF0000 >> 0x10) |
		(seed & 0xFF00) |
		(c0 << 0x18) |
		(seed & 0xFF << 0x10)

	reg := uint32(mkIInitialRegister)
	for i := uint32(0); i < 0x20; i++ {
		reg = mkIRound(seedWord, i, reg)
	}

	constWord := (c4 << 0x18) | (c3 << 0x10) | c1 | (c2 << 8)
	for j := uint32(0); j < 0x20; j++ {
		reg = mkIRound(constWord, j, reg)
	}

	key := (reg & 0xF0000 >> 0x10) |
		(0x10 * (reg & 0xF)) |
		((reg&0xF00000>>0x14)|(reg&0xF000>>8))<<8 |
		(reg & 0xFF0 >> 4 << 0x10)
	return key & 0xFFFFFF
}

func mkIRound(operand, i, reg uint32) uint32 {
	shifted := ((operand>>i&1)^(reg&1))<<0x17 | reg>>1
	old := reg >> 1
	hb := shifted & 0x800000 >> 0x17
	return (shifted & mkIMask) |
		(shifted&0x100000>>0x14^hb)<<0x14 |
		(old&0x8000>>0xF^hb)<<0xF |
		(old&0x1000>>0xC^hb)<<0xC |
		0x20*(old&0x20>>5^hb) |
		8*(old&8>>3^hb)
}

// ConfigError reports a security level with no defined transform. Per the
// session engine contract this is a caller configuration problem, not a
// protocol failure.
type ConfigError struct {
	Level byte
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("no key transform defined for security level 0x%02X", e.Level)
}

// ComputeKey derives the key bytes for a seed at the given security level.
// The seed for MkI levels is the 24-bit value in the trailing three seed
// bytes; leading status bytes from a longer seed response are ignored.
func ComputeKey(level byte, seed []byte, fixedData []byte) ([]byte, error) {
	switch level {
	case LevelIMC:
		if len(seed) < 3 {
			return nil, fmt.Errorf("level 0x%02X needs a 3-byte seed, got %d bytes", level, len(seed))
		}
		if len(fixedData) != 5 {
			return nil, fmt.Errorf("level 0x%02X needs 5 constant bytes, got %d", level, len(fixedData))
		}
		tail := seed[len(seed)-3:]
		var constants [5]byte
		copy(constants[:], fixedData)
		value := uint32(tail[0])<<16 | uint32(tail[1])<<8 | uint32(tail[2])
		key := MkI(value, constants)
		return []byte{byte(key >> 16), byte(key >> 8), byte(key)}, nil

	case LevelProgramming:
		return cmacKey(seed, fixedData)

	default:
		return nil, ConfigError{Level: level}
	}
}
