package bench

import (
	"bytes"

	"github.com/LoveWonYoung/x260diag/keygen"
	"github.com/LoveWonYoung/x260diag/uds"
)

// Bench units hand out this fixed seed while locked, so the client-side
// key derivation is exercised end to end against the real transform.
var benchSeed = []byte{0x11, 0x22, 0x33}

// Handler builds the UDS response for one virtual ECU. State (session,
// security, written DIDs) is per handler and fully separate from any
// connecting client's session state.
type Handler struct {
	name     string
	ref      ReferenceStore
	session  byte
	unlocked bool
}

func NewHandler(name string, ref ReferenceStore) *Handler {
	return &Handler{
		name:    name,
		ref:     ref,
		session: byte(uds.SessionDefault),
	}
}

// BuildResponse maps a request payload to the reply payload, or nil when
// the unit stays silent (suppressed TesterPresent).
func (h *Handler) BuildResponse(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	sid := req[0]

	switch sid {
	case uds.SIDTesterPresent:
		if len(req) >= 2 && req[1]&uds.SuppressPositiveResponse != 0 {
			return nil
		}
		return []byte{sid + uds.PositiveResponseOffset, 0x00}

	case uds.SIDDiagnosticSessionControl:
		if len(req) < 2 {
			return h.negative(sid, uds.NRCIncorrectMessageLength)
		}
		h.session = req[1]
		h.unlocked = false
		return []byte{sid + uds.PositiveResponseOffset, req[1], 0x00, 0x19, 0x01, 0xF4}

	case uds.SIDECUReset:
		if len(req) < 2 {
			return h.negative(sid, uds.NRCIncorrectMessageLength)
		}
		h.session = byte(uds.SessionDefault)
		h.unlocked = false
		return []byte{sid + uds.PositiveResponseOffset, req[1]}

	case uds.SIDReadDataByIdentifier:
		if len(req) < 3 {
			return h.negative(sid, uds.NRCIncorrectMessageLength)
		}
		did := uint16(req[1])<<8 | uint16(req[2])
		value, ok := h.ref.Get(did)
		if !ok {
			// A unit with no record for the identifier never answers; the
			// caller sees a plain timeout, not a negative response.
			return nil
		}
		return append([]byte{sid + uds.PositiveResponseOffset, req[1], req[2]}, value...)

	case uds.SIDSecurityAccess:
		return h.securityAccess(req)

	case uds.SIDCommunicationControl:
		if len(req) < 2 {
			return h.negative(sid, uds.NRCIncorrectMessageLength)
		}
		return []byte{sid + uds.PositiveResponseOffset, req[1]}

	case uds.SIDWriteDataByIdentifier:
		if len(req) < 4 {
			return h.negative(sid, uds.NRCIncorrectMessageLength)
		}
		did := uint16(req[1])<<8 | uint16(req[2])
		h.ref.Set(did, req[3:])
		return []byte{sid + uds.PositiveResponseOffset, req[1], req[2]}

	case uds.SIDRoutineControl:
		if len(req) < 4 {
			return h.negative(sid, uds.NRCIncorrectMessageLength)
		}
		return []byte{sid + uds.PositiveResponseOffset, req[1], req[2], req[3]}

	default:
		return h.negative(sid, uds.NRCServiceNotSupported)
	}
}

func (h *Handler) securityAccess(req []byte) []byte {
	sid := req[0]
	if len(req) < 2 {
		return h.negative(sid, uds.NRCIncorrectMessageLength)
	}
	sub := req[1]

	if sub%2 == 1 { // seed request
		if h.unlocked {
			// Zero seed signals the level is already open.
			return []byte{sid + uds.PositiveResponseOffset, sub, 0x00, 0x00, 0x00}
		}
		return append([]byte{sid + uds.PositiveResponseOffset, sub}, benchSeed...)
	}

	// Key submission: validate against the real transform.
	want, err := keygen.ComputeKey(sub-1, benchSeed, keygen.DC0314[:])
	if err != nil {
		return h.negative(sid, uds.NRCSubFunctionNotSupported)
	}
	if !bytes.Equal(req[2:], want) {
		return h.negative(sid, uds.NRCInvalidKey)
	}
	h.unlocked = true
	return []byte{sid + uds.PositiveResponseOffset, sub}
}

func (h *Handler) negative(sid byte, code uds.NRC) []byte {
	return []byte{uds.NegativeResponseSID, sid, byte(code)}
}
