package leaddr

import (
	"time"

	"github.com/blehost/leaddr/hci"
)

// commandType labels queued commands for logging.
type commandType int

const (
	commandRotateRandomAddress commandType = iota
	commandUpdateIRK
	commandAddDeviceToAcceptList
	commandRemoveDeviceFromAcceptList
	commandClearAcceptList
	commandAddDeviceToResolvingList
	commandRemoveDeviceFromResolvingList
	commandClearResolvingList
	commandSetAddressResolutionEnable
)

func (t commandType) String() string {
	switch t {
	case commandRotateRandomAddress:
		return "ROTATE_RANDOM_ADDRESS"
	case commandUpdateIRK:
		return "UPDATE_IRK"
	case commandAddDeviceToAcceptList:
		return "ADD_DEVICE_TO_ACCEPT_LIST"
	case commandRemoveDeviceFromAcceptList:
		return "REMOVE_DEVICE_FROM_ACCEPT_LIST"
	case commandClearAcceptList:
		return "CLEAR_ACCEPT_LIST"
	case commandAddDeviceToResolvingList:
		return "ADD_DEVICE_TO_RESOLVING_LIST"
	case commandRemoveDeviceFromResolvingList:
		return "REMOVE_DEVICE_FROM_RESOLVING_LIST"
	case commandClearResolvingList:
		return "CLEAR_RESOLVING_LIST"
	case commandSetAddressResolutionEnable:
		return "SET_ADDRESS_RESOLUTION_ENABLE"
	}
	return "UNKNOWN_COMMAND"
}

// commandContents is the closed sum of queued command payloads; handleNextCommand
// matches over it exhaustively.
type commandContents interface {
	isCommandContents()
}

type rotateRandomAddressCommand struct{}

type updateIRKCommand struct {
	rotationIRK         hci.Octet16
	minimumRotationTime time.Duration
	maximumRotationTime time.Duration
}

type hciCommand struct {
	pkt *hci.CommandPacket
}

func (rotateRandomAddressCommand) isCommandContents() {}
func (updateIRKCommand) isCommandContents()           {}
func (hciCommand) isCommandContents()                 {}

type command struct {
	typ      commandType
	contents commandContents
}

// commandQueue is the FIFO of pending controller-configuration commands. It
// is only touched on the handler goroutine.
type commandQueue struct {
	cmds []command
}

func (q *commandQueue) push(c command) {
	q.cmds = append(q.cmds, c)
}

func (q *commandQueue) pop() command {
	c := q.cmds[0]
	q.cmds = q.cmds[1:]
	return c
}

func (q *commandQueue) empty() bool { return len(q.cmds) == 0 }

func (q *commandQueue) len() int { return len(q.cmds) }
