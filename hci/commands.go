package hci

import "fmt"

// OpCode identifies an HCI command (OGF in the top 6 bits, OCF below).
type OpCode uint16

const (
	OpLeSetRandomAddress                     OpCode = 0x2005
	OpLeClearFilterAcceptList                OpCode = 0x2010
	OpLeAddDeviceToFilterAcceptList          OpCode = 0x2011
	OpLeRemoveDeviceFromFilterAcceptList     OpCode = 0x2012
	OpLeAddDeviceToResolvingList             OpCode = 0x2027
	OpLeRemoveDeviceFromResolvingList        OpCode = 0x2028
	OpLeClearResolvingList                   OpCode = 0x2029
	OpLeSetAddressResolutionEnable           OpCode = 0x202D
	OpLeSetResolvablePrivateAddressTimeout   OpCode = 0x202E
	OpLeSetPrivacyMode                       OpCode = 0x204E
	OpLeSetResolvablePrivateAddressTimeoutV2 OpCode = 0x209E
)

func (op OpCode) String() string {
	switch op {
	case OpLeSetRandomAddress:
		return "LE_SET_RANDOM_ADDRESS"
	case OpLeClearFilterAcceptList:
		return "LE_CLEAR_FILTER_ACCEPT_LIST"
	case OpLeAddDeviceToFilterAcceptList:
		return "LE_ADD_DEVICE_TO_FILTER_ACCEPT_LIST"
	case OpLeRemoveDeviceFromFilterAcceptList:
		return "LE_REMOVE_DEVICE_FROM_FILTER_ACCEPT_LIST"
	case OpLeAddDeviceToResolvingList:
		return "LE_ADD_DEVICE_TO_RESOLVING_LIST"
	case OpLeRemoveDeviceFromResolvingList:
		return "LE_REMOVE_DEVICE_FROM_RESOLVING_LIST"
	case OpLeClearResolvingList:
		return "LE_CLEAR_RESOLVING_LIST"
	case OpLeSetAddressResolutionEnable:
		return "LE_SET_ADDRESS_RESOLUTION_ENABLE"
	case OpLeSetResolvablePrivateAddressTimeout:
		return "LE_SET_RESOLVABLE_PRIVATE_ADDRESS_TIMEOUT"
	case OpLeSetPrivacyMode:
		return "LE_SET_PRIVACY_MODE"
	case OpLeSetResolvablePrivateAddressTimeoutV2:
		return "LE_SET_RESOLVABLE_PRIVATE_ADDRESS_TIMEOUT_V2"
	}
	return fmt.Sprintf("UNKNOWN_OPCODE(0x%04X)", uint16(op))
}

// CommandPacket is an outbound controller command: an opcode plus its
// serialized parameters.
type CommandPacket struct {
	Op     OpCode
	Params []byte
}

// Marshal serializes the command packet: opcode (little endian), parameter
// length, parameters.
func (p *CommandPacket) Marshal() []byte {
	buf := make([]byte, 3+len(p.Params))
	buf[0] = byte(p.Op)
	buf[1] = byte(p.Op >> 8)
	buf[2] = byte(len(p.Params))
	copy(buf[3:], p.Params)
	return buf
}

func (p *CommandPacket) String() string {
	return fmt.Sprintf("%s(%d bytes)", p.Op, len(p.Params))
}

// LeSetRandomAddress builds the command setting the controller's random
// address.
func LeSetRandomAddress(addr Address) *CommandPacket {
	return &CommandPacket{Op: OpLeSetRandomAddress, Params: addr[:]}
}

// LeAddDeviceToFilterAcceptList builds the accept list add command.
func LeAddDeviceToFilterAcceptList(addrType FilterAcceptListAddressType, addr Address) *CommandPacket {
	params := make([]byte, 7)
	params[0] = byte(addrType)
	copy(params[1:], addr[:])
	return &CommandPacket{Op: OpLeAddDeviceToFilterAcceptList, Params: params}
}

// LeRemoveDeviceFromFilterAcceptList builds the accept list remove command.
func LeRemoveDeviceFromFilterAcceptList(addrType FilterAcceptListAddressType, addr Address) *CommandPacket {
	params := make([]byte, 7)
	params[0] = byte(addrType)
	copy(params[1:], addr[:])
	return &CommandPacket{Op: OpLeRemoveDeviceFromFilterAcceptList, Params: params}
}

// LeClearFilterAcceptList builds the accept list clear command.
func LeClearFilterAcceptList() *CommandPacket {
	return &CommandPacket{Op: OpLeClearFilterAcceptList}
}

// LeAddDeviceToResolvingList builds the resolving list add command carrying
// the peer identity and both IRKs.
func LeAddDeviceToResolvingList(peerType PeerAddressType, peerAddr Address, peerIRK, localIRK Octet16) *CommandPacket {
	params := make([]byte, 39)
	params[0] = byte(peerType)
	copy(params[1:7], peerAddr[:])
	copy(params[7:23], peerIRK[:])
	copy(params[23:39], localIRK[:])
	return &CommandPacket{Op: OpLeAddDeviceToResolvingList, Params: params}
}

// LeRemoveDeviceFromResolvingList builds the resolving list remove command.
func LeRemoveDeviceFromResolvingList(peerType PeerAddressType, peerAddr Address) *CommandPacket {
	params := make([]byte, 7)
	params[0] = byte(peerType)
	copy(params[1:], peerAddr[:])
	return &CommandPacket{Op: OpLeRemoveDeviceFromResolvingList, Params: params}
}

// LeClearResolvingList builds the resolving list clear command.
func LeClearResolvingList() *CommandPacket {
	return &CommandPacket{Op: OpLeClearResolvingList}
}

// LeSetAddressResolutionEnable builds the command toggling controller-side
// address resolution.
func LeSetAddressResolutionEnable(enable Enable) *CommandPacket {
	return &CommandPacket{Op: OpLeSetAddressResolutionEnable, Params: []byte{byte(enable)}}
}

// LeSetPrivacyMode builds the per-peer privacy mode command.
func LeSetPrivacyMode(peerType PeerAddressType, peerAddr Address, mode PrivacyMode) *CommandPacket {
	params := make([]byte, 8)
	params[0] = byte(peerType)
	copy(params[1:7], peerAddr[:])
	params[7] = byte(mode)
	return &CommandPacket{Op: OpLeSetPrivacyMode, Params: params}
}

// LeSetResolvablePrivateAddressTimeoutV2 builds the command configuring
// controller-offloaded RPA rotation bounds, in seconds.
func LeSetResolvablePrivateAddressTimeoutV2(minSeconds, maxSeconds uint16) *CommandPacket {
	return &CommandPacket{
		Op:     OpLeSetResolvablePrivateAddressTimeoutV2,
		Params: []byte{byte(minSeconds), byte(minSeconds >> 8), byte(maxSeconds), byte(maxSeconds >> 8)},
	}
}
