package hci

import "fmt"

const commandCompleteEventCode = 0x0E

// ErrorCode is a controller status code carried in command completions.
type ErrorCode uint8

const (
	Success                     ErrorCode = 0x00
	UnknownHCICommand           ErrorCode = 0x01
	MemoryCapacityExceeded      ErrorCode = 0x07
	InvalidHCICommandParameters ErrorCode = 0x12
	ControllerBusy              ErrorCode = 0x3A
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "SUCCESS"
	case UnknownHCICommand:
		return "UNKNOWN_HCI_COMMAND"
	case MemoryCapacityExceeded:
		return "MEMORY_CAPACITY_EXCEEDED"
	case InvalidHCICommandParameters:
		return "INVALID_HCI_COMMAND_PARAMETERS"
	case ControllerBusy:
		return "CONTROLLER_BUSY"
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE(0x%02X)", uint8(e))
}

// CommandCompleteView is a parsed view of a command-complete event. An invalid
// view (malformed packet) carries neither opcode nor status.
type CommandCompleteView struct {
	valid  bool
	op     OpCode
	status ErrorCode
}

// IsValid reports whether the underlying packet parsed cleanly.
func (v CommandCompleteView) IsValid() bool { return v.valid }

// Op returns the opcode this completion acknowledges.
func (v CommandCompleteView) Op() OpCode { return v.op }

// Status returns the controller status code.
func (v CommandCompleteView) Status() ErrorCode { return v.status }

func (v CommandCompleteView) String() string {
	if !v.valid {
		return "COMMAND_COMPLETE(invalid)"
	}
	return fmt.Sprintf("COMMAND_COMPLETE(%s, %s)", v.op, v.status)
}

// MarshalCommandComplete serializes a command-complete event packet: event
// code, parameter length, number of allowed packets, opcode (little endian),
// status.
func MarshalCommandComplete(op OpCode, status ErrorCode) []byte {
	return []byte{commandCompleteEventCode, 4, 1, byte(op), byte(op >> 8), byte(status)}
}

// ParseCommandComplete parses a raw event packet into a view. Malformed input
// yields an invalid view rather than an error; the caller is expected to log
// and drop it.
func ParseCommandComplete(raw []byte) CommandCompleteView {
	if len(raw) < 6 || raw[0] != commandCompleteEventCode || int(raw[1]) != len(raw)-2 {
		return CommandCompleteView{}
	}
	return CommandCompleteView{
		valid:  true,
		op:     OpCode(uint16(raw[3]) | uint16(raw[4])<<8),
		status: ErrorCode(raw[5]),
	}
}

// NewCommandComplete builds a valid view directly, for transports that do not
// round-trip through packet bytes.
func NewCommandComplete(op OpCode, status ErrorCode) CommandCompleteView {
	return CommandCompleteView{valid: true, op: op, status: status}
}

// InvalidCommandComplete builds the view a transport reports for a completion
// it could not parse.
func InvalidCommandComplete() CommandCompleteView {
	return CommandCompleteView{}
}
