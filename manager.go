// Package leaddr manages Bluetooth Low Energy private initiator addresses:
// generating and rotating resolvable/non-resolvable private addresses, and
// coordinating privacy-sensitive controller state changes across the protocol
// clients that use the current address.
package leaddr

import (
	"fmt"
	"sync"
	"time"

	"github.com/blehost/leaddr/handler"
	"github.com/blehost/leaddr/hci"
	"go.viam.com/rdk/logging"
)

var zeroTime time.Time

// AddressPolicy selects how the initiator address is derived. It is set at
// most once for the lifetime of a manager.
type AddressPolicy int

const (
	PolicyNotSet AddressPolicy = iota
	UsePublicAddress
	UseStaticAddress
	UseNonResolvableAddress
	UseResolvableAddress
)

func (p AddressPolicy) String() string {
	switch p {
	case PolicyNotSet:
		return "POLICY_NOT_SET"
	case UsePublicAddress:
		return "USE_PUBLIC_ADDRESS"
	case UseStaticAddress:
		return "USE_STATIC_ADDRESS"
	case UseNonResolvableAddress:
		return "USE_NON_RESOLVABLE_ADDRESS"
	case UseResolvableAddress:
		return "USE_RESOLVABLE_ADDRESS"
	}
	return "UNKNOWN_ADDRESS_POLICY"
}

// Controller exposes the capability queries the manager needs from the
// controller stack.
type Controller interface {
	// IsRpaGenerationSupported reports whether the controller rotates
	// resolvable private addresses autonomously.
	IsRpaGenerationSupported() bool
}

// CommandTransport accepts one serialized controller command at a time. The
// completion callback is invoked exactly once, asynchronously, with the
// parsed command-complete view. The manager never has more than one command
// in flight.
type CommandTransport interface {
	EnqueueCommand(pkt *hci.CommandPacket, onComplete func(hci.CommandCompleteView))
}

// Config holds the fixed controller-facing parameters of a manager.
type Config struct {
	// PublicAddress is the controller's public device address.
	PublicAddress hci.Address

	// AcceptListSize and ResolvingListSize are the controller's list
	// capacities, reported to profile logic via the getters.
	AcceptListSize    uint8
	ResolvingListSize uint8

	// UseNonWakeAlarm selects the dual-alarm software rotation strategy: a
	// non-wake alarm triggers rotation, a wake alarm acts as a logged
	// safety net.
	UseNonWakeAlarm bool

	// NrpaNonConnectableAdv records rotation bounds for every policy and
	// allows NRPA generation regardless of the active policy, for
	// non-connectable advertising use.
	NrpaNonConnectableAdv bool
}

// AddressManager owns the current LE initiator address and drives the
// pause -> mutate -> resume protocol whenever privacy-sensitive controller
// state must change. All internal state is mutated on a single handler
// goroutine; the public methods post tasks onto it.
type AddressManager struct {
	transport  CommandTransport
	h          *handler.Handler
	controller Controller
	random     RandomSource
	logger     logging.Logger

	publicAddress         hci.Address
	acceptListSize        uint8
	resolvingListSize     uint8
	useNonWakeAlarm       bool
	nrpaNonConnectableAdv bool

	// mu guards the fields read by cross-goroutine getters; they are only
	// written on the handler goroutine.
	mu                 sync.Mutex
	addressPolicy      AddressPolicy
	leAddress          hci.AddressWithType
	supportsBlePrivacy bool
	rotationIRK        hci.Octet16

	// handler-goroutine state
	registeredClients   map[Client]clientState
	cachedCommands      commandQueue
	cachedAddress       hci.AddressWithType
	minimumRotationTime time.Duration
	maximumRotationTime time.Duration
	wakeAlarm           *handler.Alarm
	nonWakeAlarm        *handler.Alarm

	// expected window of the previous software rotation, for drift
	// auditing; zero when none is recorded
	rotationIntervalMin time.Time
	rotationIntervalMax time.Time
}

// NewAddressManager returns a manager bound to the given transport and
// handler. The caller owns the handler's lifetime.
func NewAddressManager(
	transport CommandTransport,
	h *handler.Handler,
	cfg Config,
	controller Controller,
	random RandomSource,
	logger logging.Logger,
) *AddressManager {
	return &AddressManager{
		transport:             transport,
		h:                     h,
		controller:            controller,
		random:                random,
		logger:                logger,
		publicAddress:         cfg.PublicAddress,
		acceptListSize:        cfg.AcceptListSize,
		resolvingListSize:     cfg.ResolvingListSize,
		useNonWakeAlarm:       cfg.UseNonWakeAlarm,
		nrpaNonConnectableAdv: cfg.NrpaNonConnectableAdv,
		registeredClients:     make(map[Client]clientState),
	}
}

// Close cancels any pending rotation alarms. The handler itself is owned and
// stopped by the caller.
func (m *AddressManager) Close() {
	m.h.Post(func() {
		if m.wakeAlarm != nil {
			m.wakeAlarm.Cancel()
		}
		if m.nonWakeAlarm != nil {
			m.nonWakeAlarm.Cancel()
		}
		m.rotationIntervalMin = zeroTime
		m.rotationIntervalMax = zeroTime
	})
}

func (m *AddressManager) policy() AddressPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addressPolicy
}

// GetAddressPolicy returns the active policy, PolicyNotSet before
// SetPrivacyPolicyForInitiatorAddress has been applied.
func (m *AddressManager) GetAddressPolicy() AddressPolicy {
	return m.policy()
}

// RotatingAddress reports whether the active policy rotates the address.
func (m *AddressManager) RotatingAddress() bool {
	p := m.policy()
	return p == UseResolvableAddress || p == UseNonResolvableAddress
}

// SetPrivacyPolicyForInitiatorAddress sets the address policy. It may be
// called once; later calls only refresh the IRK and rotation bounds (queued
// behind a client pause) when privacy is supported. An invalid static address
// bit pattern or a PolicyNotSet argument is a contract violation and panics.
func (m *AddressManager) SetPrivacyPolicyForInitiatorAddress(
	policy AddressPolicy,
	fixedAddress hci.AddressWithType,
	rotationIRK hci.Octet16,
	supportsBlePrivacy bool,
	minimumRotationTime, maximumRotationTime time.Duration,
) {
	if m.policy() != PolicyNotSet {
		// Repeated call: only IRK and rotation parameters may change.
		if supportsBlePrivacy {
			m.logger.Info("Updating rotation parameters")
			m.h.Post(func() {
				m.prepareToUpdateIRK(updateIRKCommand{
					rotationIRK:         rotationIRK,
					minimumRotationTime: minimumRotationTime,
					maximumRotationTime: maximumRotationTime,
				})
			})
		}
		return
	}
	if policy == PolicyNotSet {
		panic("address policy must not be POLICY_NOT_SET")
	}
	if policy == UseStaticAddress && !IsValidStaticAddress(fixedAddress.Address) {
		panic(fmt.Sprintf("invalid static address bit pattern: %s", fixedAddress.Address))
	}
	m.h.Post(func() {
		m.setPrivacyPolicy(policy, fixedAddress, rotationIRK, supportsBlePrivacy,
			minimumRotationTime, maximumRotationTime, false)
	})
}

// SetPrivacyPolicyForInitiatorAddressForTest is the certification-test
// variant: same policy dispatch, but no client resume on the public path.
func (m *AddressManager) SetPrivacyPolicyForInitiatorAddressForTest(
	policy AddressPolicy,
	fixedAddress hci.AddressWithType,
	rotationIRK hci.Octet16,
	minimumRotationTime, maximumRotationTime time.Duration,
) {
	if policy == PolicyNotSet {
		panic("address policy must not be POLICY_NOT_SET")
	}
	if policy == UseStaticAddress && !IsValidStaticAddress(fixedAddress.Address) {
		panic(fmt.Sprintf("invalid static address bit pattern: %s", fixedAddress.Address))
	}
	m.h.Post(func() {
		m.setPrivacyPolicy(policy, fixedAddress, rotationIRK, false,
			minimumRotationTime, maximumRotationTime, true)
	})
}

func (m *AddressManager) setPrivacyPolicy(
	policy AddressPolicy,
	fixedAddress hci.AddressWithType,
	rotationIRK hci.Octet16,
	supportsBlePrivacy bool,
	minimumRotationTime, maximumRotationTime time.Duration,
	forTest bool,
) {
	if m.policy() != PolicyNotSet {
		panic("address policy may only be set once")
	}
	for _, state := range m.registeredClients {
		// Only the bootstrap case tolerates pre-registered clients: they
		// must all be parked waiting for the policy.
		if state != waitingForPause && state != clientPaused {
			panic("policy must be set before clients are registered")
		}
	}

	m.mu.Lock()
	m.addressPolicy = policy
	m.supportsBlePrivacy = supportsBlePrivacy
	m.mu.Unlock()
	m.logger.Infof("New policy: %s", policy)

	if m.nrpaNonConnectableAdv {
		m.minimumRotationTime = minimumRotationTime
		m.maximumRotationTime = maximumRotationTime
		m.logger.Infof("minimum_rotation_time=%s, maximum_rotation_time=%s",
			m.minimumRotationTime, m.maximumRotationTime)
	}

	switch policy {
	case UsePublicAddress:
		m.setLeAddress(hci.AddressWithType{Address: m.publicAddress, Type: hci.PublicDeviceAddress})
		if !forTest {
			m.resumeRegisteredClients()
		}
	case UseStaticAddress:
		m.setLeAddress(fixedAddress)
		m.transport.EnqueueCommand(hci.LeSetRandomAddress(fixedAddress.Address), m.OnCommandComplete)
	case UseNonResolvableAddress, UseResolvableAddress:
		m.setLeAddress(fixedAddress)
		m.mu.Lock()
		m.rotationIRK = rotationIRK
		m.mu.Unlock()
		if !m.nrpaNonConnectableAdv {
			m.minimumRotationTime = minimumRotationTime
			m.maximumRotationTime = maximumRotationTime
			m.logger.Infof("minimum_rotation_time=%s, maximum_rotation_time=%s",
				m.minimumRotationTime, m.maximumRotationTime)
		}
		if m.rpaOffloadActive() {
			minSeconds := uint16(m.minimumRotationTime / time.Second)
			maxSeconds := uint16(m.maximumRotationTime / time.Second)
			m.logger.Infof("RPA offload supported, min=%ds max=%ds", minSeconds, maxSeconds)
			m.transport.EnqueueCommand(
				hci.LeSetResolvablePrivateAddressTimeoutV2(minSeconds, maxSeconds),
				m.OnCommandComplete)
		} else {
			if m.useNonWakeAlarm {
				m.wakeAlarm = m.h.NewAlarm(true)
				m.nonWakeAlarm = m.h.NewAlarm(false)
			} else {
				m.wakeAlarm = m.h.NewAlarm(true)
			}
			if len(m.registeredClients) > 0 {
				// Bootstrap case: the first client registered before the
				// policy was known, so rotation starts now.
				m.scheduleRotateRandomAddress()
			}
		}
		// The test variant leaves the address to the offloaded rotation.
		if !forTest || !m.rpaOffloadActive() {
			m.setRandomAddress()
		}
	default:
		panic("invalid address policy")
	}
}

func (m *AddressManager) setLeAddress(addr hci.AddressWithType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leAddress = addr
}

// Register adds a client and returns the policy in effect. A client
// registering before the policy is set is parked waiting for a pause and
// receives OnPause immediately.
func (m *AddressManager) Register(client Client) AddressPolicy {
	m.h.Post(func() { m.registerClient(client) })
	return m.policy()
}

// Unregister removes a client asynchronously, synthesizing any missing
// pause/resume ack so the coordination protocol is never left waiting on it.
func (m *AddressManager) Unregister(client Client) {
	m.h.Post(func() { m.unregisterClient(client) })
}

// UnregisterSync removes a client and blocks until the removal has been
// applied on the handler goroutine, or timeout elapses. Returns false on
// timeout.
func (m *AddressManager) UnregisterSync(client Client, timeout time.Duration) bool {
	m.h.Post(func() { m.unregisterClient(client) })
	return m.h.Call(func() {}, timeout)
}

// AckPause acknowledges an OnPause callback.
func (m *AddressManager) AckPause(client Client) {
	m.h.Post(func() { m.ackPause(client) })
}

// AckResume acknowledges an OnResume callback.
func (m *AddressManager) AckResume(client Client) {
	m.h.Post(func() { m.ackResume(client) })
}

// GetInitiatorAddress returns the current initiator address. Calling it
// before the policy is set is a contract violation and panics.
func (m *AddressManager) GetInitiatorAddress() hci.AddressWithType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addressPolicy == PolicyNotSet {
		panic("initiator address requested before policy was set")
	}
	return m.leAddress
}

// NewResolvableAddress generates a fresh RPA for non-initiator use (e.g. an
// advertising set). The current address is not changed.
func (m *AddressManager) NewResolvableAddress() hci.AddressWithType {
	if !m.RotatingAddress() {
		panic("resolvable address requested under a non-rotating policy")
	}
	m.mu.Lock()
	irk := m.rotationIRK
	m.mu.Unlock()
	return hci.AddressWithType{
		Address: generateRPA(m.random, irk),
		Type:    hci.RandomDeviceAddress,
	}
}

// NewNonResolvableAddress generates a fresh NRPA for non-initiator use.
func (m *AddressManager) NewNonResolvableAddress() hci.AddressWithType {
	if !m.nrpaNonConnectableAdv && !m.RotatingAddress() {
		panic("non-resolvable address requested under a non-rotating policy")
	}
	return hci.AddressWithType{
		Address: generateNRPA(m.random, m.publicAddress),
		Type:    hci.RandomDeviceAddress,
	}
}

// GetFilterAcceptListSize returns the controller's accept list capacity.
func (m *AddressManager) GetFilterAcceptListSize() uint8 { return m.acceptListSize }

// GetResolvingListSize returns the controller's resolving list capacity.
func (m *AddressManager) GetResolvingListSize() uint8 { return m.resolvingListSize }

func (m *AddressManager) pushCommand(c command) {
	m.pauseRegisteredClients()
	m.cachedCommands.push(c)
}

// AddDeviceToFilterAcceptList queues an accept list add behind a client
// pause.
func (m *AddressManager) AddDeviceToFilterAcceptList(addrType hci.FilterAcceptListAddressType, addr hci.Address) {
	m.h.Post(func() {
		m.pushCommand(command{
			typ:      commandAddDeviceToAcceptList,
			contents: hciCommand{pkt: hci.LeAddDeviceToFilterAcceptList(addrType, addr)},
		})
	})
}

// RemoveDeviceFromFilterAcceptList queues an accept list remove behind a
// client pause.
func (m *AddressManager) RemoveDeviceFromFilterAcceptList(addrType hci.FilterAcceptListAddressType, addr hci.Address) {
	m.h.Post(func() {
		m.pushCommand(command{
			typ:      commandRemoveDeviceFromAcceptList,
			contents: hciCommand{pkt: hci.LeRemoveDeviceFromFilterAcceptList(addrType, addr)},
		})
	})
}

// ClearFilterAcceptList queues an accept list wipe behind a client pause.
func (m *AddressManager) ClearFilterAcceptList() {
	m.h.Post(func() {
		m.pushCommand(command{
			typ:      commandClearAcceptList,
			contents: hciCommand{pkt: hci.LeClearFilterAcceptList()},
		})
	})
}

// AddDeviceToResolvingList queues the disable-resolution, add, re-enable
// sequence so the controller never resolves against a half-updated list.
// No-op when the controller lacks LE privacy support.
func (m *AddressManager) AddDeviceToResolvingList(
	peerType hci.PeerAddressType, peerAddr hci.Address, peerIRK, localIRK hci.Octet16,
) {
	m.h.Post(func() {
		if !m.blePrivacySupported() {
			return
		}
		m.cachedCommands.push(command{
			typ:      commandSetAddressResolutionEnable,
			contents: hciCommand{pkt: hci.LeSetAddressResolutionEnable(hci.Disabled)},
		})
		m.cachedCommands.push(command{
			typ:      commandAddDeviceToResolvingList,
			contents: hciCommand{pkt: hci.LeAddDeviceToResolvingList(peerType, peerAddr, peerIRK, localIRK)},
		})
		m.cachedCommands.push(command{
			typ:      commandSetAddressResolutionEnable,
			contents: hciCommand{pkt: hci.LeSetAddressResolutionEnable(hci.Enabled)},
		})
		if len(m.registeredClients) == 0 {
			m.handleNextCommand()
		} else {
			m.pauseRegisteredClients()
		}
	})
}

// RemoveDeviceFromResolvingList queues the disable, remove, re-enable
// sequence. No-op without LE privacy support.
func (m *AddressManager) RemoveDeviceFromResolvingList(peerType hci.PeerAddressType, peerAddr hci.Address) {
	m.h.Post(func() {
		if !m.blePrivacySupported() {
			return
		}
		m.cachedCommands.push(command{
			typ:      commandSetAddressResolutionEnable,
			contents: hciCommand{pkt: hci.LeSetAddressResolutionEnable(hci.Disabled)},
		})
		m.cachedCommands.push(command{
			typ:      commandRemoveDeviceFromResolvingList,
			contents: hciCommand{pkt: hci.LeRemoveDeviceFromResolvingList(peerType, peerAddr)},
		})
		m.cachedCommands.push(command{
			typ:      commandSetAddressResolutionEnable,
			contents: hciCommand{pkt: hci.LeSetAddressResolutionEnable(hci.Enabled)},
		})
		if len(m.registeredClients) == 0 {
			m.handleNextCommand()
		} else {
			m.pauseRegisteredClients()
		}
	})
}

// ClearResolvingList queues the disable, clear, re-enable sequence. No-op
// without LE privacy support.
func (m *AddressManager) ClearResolvingList() {
	m.h.Post(func() {
		if !m.blePrivacySupported() {
			return
		}
		m.cachedCommands.push(command{
			typ:      commandSetAddressResolutionEnable,
			contents: hciCommand{pkt: hci.LeSetAddressResolutionEnable(hci.Disabled)},
		})
		m.cachedCommands.push(command{
			typ:      commandClearResolvingList,
			contents: hciCommand{pkt: hci.LeClearResolvingList()},
		})
		m.cachedCommands.push(command{
			typ:      commandSetAddressResolutionEnable,
			contents: hciCommand{pkt: hci.LeSetAddressResolutionEnable(hci.Enabled)},
		})
		m.pauseRegisteredClients()
	})
}

// rpaOffloadActive reports whether the controller rotates the address on its
// own. The offload only rotates RPAs; non-connectable NRPA advertising keeps
// software rotation.
func (m *AddressManager) rpaOffloadActive() bool {
	return m.controller.IsRpaGenerationSupported() &&
		!(m.policy() == UseNonResolvableAddress && m.nrpaNonConnectableAdv)
}

func (m *AddressManager) blePrivacySupported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supportsBlePrivacy
}

// OnCommandComplete receives a controller completion. Malformed packets are
// logged and dropped; the cached-command check still runs so the queue always
// advances.
func (m *AddressManager) OnCommandComplete(view hci.CommandCompleteView) {
	m.h.Post(func() { m.onCommandComplete(view) })
}

func (m *AddressManager) onCommandComplete(view hci.CommandCompleteView) {
	if !view.IsValid() {
		m.logger.Error("Received command complete with invalid packet")
		m.h.Post(m.checkCachedCommands)
		return
	}
	m.logger.Debugf("Received command complete for %s", view.Op())

	switch view.Op() {
	case hci.OpLeSetRandomAddress:
		// Sent before any client registered under the static policy; no
		// pause bookkeeping applies to it.
		if m.policy() == UseStaticAddress {
			m.logger.Debug("LE_SET_RANDOM_ADDRESS complete under static address policy")
			return
		}
		if view.Status() != hci.Success {
			m.logger.Errorf("Received LE_SET_RANDOM_ADDRESS complete with status %s", view.Status())
		} else {
			m.logger.Infof("Updated random address: %s", m.cachedAddress.Address)
			m.setLeAddress(m.cachedAddress)
		}
	case hci.OpLeSetPrivacyMode,
		hci.OpLeAddDeviceToResolvingList,
		hci.OpLeRemoveDeviceFromResolvingList,
		hci.OpLeClearResolvingList,
		hci.OpLeAddDeviceToFilterAcceptList,
		hci.OpLeRemoveDeviceFromFilterAcceptList,
		hci.OpLeSetAddressResolutionEnable,
		hci.OpLeClearFilterAcceptList,
		hci.OpLeSetResolvablePrivateAddressTimeoutV2:
		if view.Status() != hci.Success {
			m.logger.Errorf("Received %s complete with status %s", view.Op(), view.Status())
		}
	default:
		m.logger.Errorf("Received unsupported command %s complete", view.Op())
	}

	m.h.Post(m.checkCachedCommands)
}

func (m *AddressManager) checkCachedCommands() {
	for _, state := range m.registeredClients {
		if state != clientPaused && !m.cachedCommands.empty() {
			m.pauseRegisteredClients()
			return
		}
	}

	if m.cachedCommands.empty() {
		m.resumeRegisteredClients()
	} else {
		m.handleNextCommand()
	}
}

func (m *AddressManager) handleNextCommand() {
	for _, state := range m.registeredClients {
		if state != clientPaused {
			// ackPause will retry once the last straggler acks
			m.logger.Debug("Waiting for ack_pause before handling next command")
			return
		}
	}

	if m.cachedCommands.empty() {
		panic("handleNextCommand called with an empty command queue")
	}
	cmd := m.cachedCommands.pop()
	m.logger.Debugf("Handling %s command", cmd.typ)

	switch contents := cmd.contents.(type) {
	case updateIRKCommand:
		m.updateIRK(contents)
	case rotateRandomAddressCommand:
		m.rotateRandomAddress()
	case hciCommand:
		m.transport.EnqueueCommand(contents.pkt, m.OnCommandComplete)
	default:
		panic(fmt.Sprintf("unhandled command contents %T", contents))
	}
}
