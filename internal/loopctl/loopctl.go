// Package loopctl implements an in-process loopback LE controller. It parses
// the command packets the address manager emits, keeps the accept and
// resolving lists a real controller would, and answers each command with a
// command-complete event round-tripped through the wire encoding.
package loopctl

import (
	"sync"

	"github.com/blehost/leaddr/hci"
	"go.viam.com/rdk/logging"
)

type listKey struct {
	typ  uint8
	addr hci.Address
}

// Controller is the loopback controller. It satisfies both the capability
// interface and the command transport of the address manager.
type Controller struct {
	logger logging.Logger

	rpaOffload        bool
	acceptListSize    int
	resolvingListSize int

	mu                sync.Mutex
	randomAddress     hci.Address
	resolutionEnabled bool
	acceptList        map[listKey]struct{}
	resolvingList     map[listKey]struct{}
	rpaTimeoutMin     uint16
	rpaTimeoutMax     uint16
	sent              []*hci.CommandPacket
}

// Option configures a loopback controller.
type Option func(*Controller)

// WithRpaOffload makes the controller report hardware RPA rotation support.
func WithRpaOffload() Option {
	return func(c *Controller) { c.rpaOffload = true }
}

// WithListSizes overrides the default accept and resolving list capacities.
func WithListSizes(accept, resolving int) Option {
	return func(c *Controller) {
		c.acceptListSize = accept
		c.resolvingListSize = resolving
	}
}

// New returns a loopback controller.
func New(logger logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		logger:            logger,
		acceptListSize:    16,
		resolvingListSize: 8,
		acceptList:        map[listKey]struct{}{},
		resolvingList:     map[listKey]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsRpaGenerationSupported reports whether RPA rotation is offloaded.
func (c *Controller) IsRpaGenerationSupported() bool { return c.rpaOffload }

// AcceptListSize returns the accept list capacity.
func (c *Controller) AcceptListSize() uint8 { return uint8(c.acceptListSize) }

// ResolvingListSize returns the resolving list capacity.
func (c *Controller) ResolvingListSize() uint8 { return uint8(c.resolvingListSize) }

// RandomAddress returns the last address set via LE_SET_RANDOM_ADDRESS.
func (c *Controller) RandomAddress() hci.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.randomAddress
}

// SentCommands returns every command received so far, in order.
func (c *Controller) SentCommands() []*hci.CommandPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*hci.CommandPacket, len(c.sent))
	copy(out, c.sent)
	return out
}

// EnqueueCommand executes pkt against the loopback state and reports the
// completion synchronously, after re-parsing it from wire bytes the way a
// transport reading from a controller would.
func (c *Controller) EnqueueCommand(pkt *hci.CommandPacket, onComplete func(hci.CommandCompleteView)) {
	status := c.execute(pkt)
	c.logger.Debugf("loopback %s -> %s", pkt.Op, status)
	onComplete(hci.ParseCommandComplete(hci.MarshalCommandComplete(pkt.Op, status)))
}

func (c *Controller) execute(pkt *hci.CommandPacket) hci.ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, pkt)

	switch pkt.Op {
	case hci.OpLeSetRandomAddress:
		if len(pkt.Params) != 6 {
			return hci.InvalidHCICommandParameters
		}
		copy(c.randomAddress[:], pkt.Params)
		return hci.Success

	case hci.OpLeAddDeviceToFilterAcceptList:
		key, ok := parseListKey(pkt.Params, 7)
		if !ok {
			return hci.InvalidHCICommandParameters
		}
		if _, exists := c.acceptList[key]; !exists && len(c.acceptList) >= c.acceptListSize {
			return hci.MemoryCapacityExceeded
		}
		c.acceptList[key] = struct{}{}
		return hci.Success

	case hci.OpLeRemoveDeviceFromFilterAcceptList:
		key, ok := parseListKey(pkt.Params, 7)
		if !ok {
			return hci.InvalidHCICommandParameters
		}
		delete(c.acceptList, key)
		return hci.Success

	case hci.OpLeClearFilterAcceptList:
		c.acceptList = map[listKey]struct{}{}
		return hci.Success

	case hci.OpLeAddDeviceToResolvingList:
		key, ok := parseListKey(pkt.Params, 39)
		if !ok {
			return hci.InvalidHCICommandParameters
		}
		if c.resolutionEnabled {
			// A real controller rejects list mutation while resolution runs.
			return hci.ControllerBusy
		}
		if _, exists := c.resolvingList[key]; !exists && len(c.resolvingList) >= c.resolvingListSize {
			return hci.MemoryCapacityExceeded
		}
		c.resolvingList[key] = struct{}{}
		return hci.Success

	case hci.OpLeRemoveDeviceFromResolvingList:
		key, ok := parseListKey(pkt.Params, 7)
		if !ok {
			return hci.InvalidHCICommandParameters
		}
		if c.resolutionEnabled {
			return hci.ControllerBusy
		}
		delete(c.resolvingList, key)
		return hci.Success

	case hci.OpLeClearResolvingList:
		if c.resolutionEnabled {
			return hci.ControllerBusy
		}
		c.resolvingList = map[listKey]struct{}{}
		return hci.Success

	case hci.OpLeSetAddressResolutionEnable:
		if len(pkt.Params) != 1 || pkt.Params[0] > 1 {
			return hci.InvalidHCICommandParameters
		}
		c.resolutionEnabled = pkt.Params[0] == 1
		return hci.Success

	case hci.OpLeSetPrivacyMode:
		if len(pkt.Params) != 8 {
			return hci.InvalidHCICommandParameters
		}
		return hci.Success

	case hci.OpLeSetResolvablePrivateAddressTimeoutV2:
		if len(pkt.Params) != 4 || !c.rpaOffload {
			return hci.UnknownHCICommand
		}
		c.rpaTimeoutMin = uint16(pkt.Params[0]) | uint16(pkt.Params[1])<<8
		c.rpaTimeoutMax = uint16(pkt.Params[2]) | uint16(pkt.Params[3])<<8
		return hci.Success
	}
	return hci.UnknownHCICommand
}

func parseListKey(params []byte, wantLen int) (listKey, bool) {
	if len(params) != wantLen {
		return listKey{}, false
	}
	var key listKey
	key.typ = params[0]
	copy(key.addr[:], params[1:7])
	return key, true
}

// AcceptListContains reports whether the accept list holds the entry.
func (c *Controller) AcceptListContains(typ hci.FilterAcceptListAddressType, addr hci.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.acceptList[listKey{typ: uint8(typ), addr: addr}]
	return ok
}

// ResolvingListContains reports whether the resolving list holds the entry.
func (c *Controller) ResolvingListContains(typ hci.PeerAddressType, addr hci.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resolvingList[listKey{typ: uint8(typ), addr: addr}]
	return ok
}

// AddressResolutionEnabled reports the resolution toggle state.
func (c *Controller) AddressResolutionEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolutionEnabled
}

// RpaTimeouts returns the offloaded rotation bounds last configured, in
// seconds.
func (c *Controller) RpaTimeouts() (uint16, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpaTimeoutMin, c.rpaTimeoutMax
}
