package tp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

type InvalidFrameError struct {
	IsoTpError
}

func (e InvalidFrameError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

type ConsecutiveFrameTimeoutError struct {
	IsoTpError
}

func (e ConsecutiveFrameTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

// WrongSequenceNumberError aborts reassembly of the whole message. A gap in
// the 4-bit rolling counter cannot be recovered mid-message.
type WrongSequenceNumberError struct {
	IsoTpError
	Expected int
	Got      int
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "message length exceeds maximum frame size")
}

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}
