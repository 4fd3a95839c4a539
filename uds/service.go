package uds

import "fmt"

// Service identifiers used by this tool.
const (
	SIDDiagnosticSessionControl = 0x10
	SIDECUReset                 = 0x11
	SIDReadDataByIdentifier     = 0x22
	SIDSecurityAccess           = 0x27
	SIDCommunicationControl     = 0x28
	SIDWriteDataByIdentifier    = 0x2E
	SIDRoutineControl           = 0x31
	SIDTesterPresent            = 0x3E
)

// PositiveResponseOffset converts a request SID to its positive response SID.
const PositiveResponseOffset = 0x40

// NegativeResponseSID opens every 7F reply.
const NegativeResponseSID = 0x7F

// SuppressPositiveResponse is the sub-function bit that tells the ECU not
// to answer.
const SuppressPositiveResponse = 0x80

// SessionType is a DiagnosticSessionControl sub-function.
type SessionType byte

const (
	SessionDefault     SessionType = 0x01
	SessionProgramming SessionType = 0x02
	SessionExtended    SessionType = 0x03
)

func (s SessionType) String() string {
	switch s {
	case SessionDefault:
		return "default"
	case SessionProgramming:
		return "programming"
	case SessionExtended:
		return "extended"
	default:
		return fmt.Sprintf("session 0x%02X", byte(s))
	}
}

// ECUReset sub-functions.
const (
	ResetHard     = 0x01
	ResetKeyOffOn = 0x02
	ResetSoft     = 0x03
)

// RoutineControl sub-functions.
const (
	RoutineStart          = 0x01
	RoutineStop           = 0x02
	RoutineRequestResults = 0x03
)

var serviceNames = map[byte]string{
	SIDDiagnosticSessionControl: "DiagnosticSessionControl",
	SIDECUReset:                 "ECUReset",
	SIDReadDataByIdentifier:     "ReadDataByIdentifier",
	SIDSecurityAccess:           "SecurityAccess",
	SIDCommunicationControl:     "CommunicationControl",
	SIDWriteDataByIdentifier:    "WriteDataByIdentifier",
	SIDRoutineControl:           "RoutineControl",
	SIDTesterPresent:            "TesterPresent",
}

// DescribeService names a request SID, accepting positive-response SIDs too.
func DescribeService(sid byte) string {
	if name, ok := serviceNames[sid]; ok {
		return name
	}
	if sid >= PositiveResponseOffset {
		if name, ok := serviceNames[sid-PositiveResponseOffset]; ok {
			return name + " response"
		}
	}
	return fmt.Sprintf("service 0x%02X", sid)
}

// DescribeRequest renders a short human label for a raw request payload.
func DescribeRequest(payload []byte) string {
	if len(payload) == 0 {
		return "empty request"
	}
	name := DescribeService(payload[0])
	switch payload[0] {
	case SIDReadDataByIdentifier, SIDWriteDataByIdentifier:
		if len(payload) >= 3 {
			return fmt.Sprintf("%s DID %02X%02X", name, payload[1], payload[2])
		}
	case SIDRoutineControl:
		if len(payload) >= 4 {
			return fmt.Sprintf("%s sub=%02X routine %02X%02X", name, payload[1], payload[2], payload[3])
		}
	default:
		if len(payload) >= 2 {
			return fmt.Sprintf("%s sub=%02X", name, payload[1])
		}
	}
	return name
}
