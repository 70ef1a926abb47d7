package leaddr

import (
	"time"

	"github.com/blehost/leaddr/hci"
)

// privateAddressIntervalRange holds the delays of the next dual-alarm
// rotation: the non-wake alarm fires at min and triggers the rotation, the
// wake alarm fires at max as a safety net.
type privateAddressIntervalRange struct {
	min time.Duration
	max time.Duration
}

// getNextPrivateAddressIntervalMs draws the single-alarm rotation delay
// uniformly from [minimumRotationTime, maximumRotationTime).
func (m *AddressManager) getNextPrivateAddressIntervalMs() time.Duration {
	randomPart := m.maximumRotationTime - m.minimumRotationTime
	if randomPart <= 0 {
		return m.minimumRotationTime
	}
	// Reduce before converting: a top-bit draw would go negative as a
	// Duration and pull the delay below the minimum.
	randomMs := time.Duration(m.random.Uint64() % uint64(randomPart))
	return m.minimumRotationTime + randomMs
}

// getNextPrivateAddressIntervalRange draws both alarm delays:
//   - non-wake: minimumRotationTime plus up to two minutes of jitter, never
//     past maximumRotationTime
//   - wake: maximumRotationTime minus up to two minutes of jitter, never
//     before the non-wake delay or the minimum
func (m *AddressManager) getNextPrivateAddressIntervalRange() privateAddressIntervalRange {
	const randomPartMaxLength = 2 * time.Minute

	nonwakeDelay := m.minimumRotationTime + time.Duration(m.random.Uint64()%uint64(randomPartMaxLength))
	if nonwakeDelay > m.maximumRotationTime {
		nonwakeDelay = m.maximumRotationTime
	}

	wakeDelay := m.maximumRotationTime - time.Duration(m.random.Uint64()%uint64(randomPartMaxLength))
	if wakeDelay < m.minimumRotationTime {
		wakeDelay = m.minimumRotationTime
	}
	if wakeDelay < nonwakeDelay {
		wakeDelay = nonwakeDelay
	}

	m.logger.Infof("Next rotation window: nonwake=%s, wake=%s", nonwakeDelay, wakeDelay)
	return privateAddressIntervalRange{min: nonwakeDelay, max: wakeDelay}
}

func (m *AddressManager) scheduleRotateRandomAddress() {
	if m.useNonWakeAlarm {
		interval := m.getNextPrivateAddressIntervalRange()
		m.wakeAlarm.Schedule(func() {
			m.logger.Info("Deadline wakeup for scheduled address rotation")
		}, interval.max)
		m.nonWakeAlarm.Schedule(m.prepareToRotate, interval.min)

		now := m.h.Now()
		if m.rotationIntervalMin != zeroTime {
			m.checkAddressRotationHappenedInExpectedTimeInterval(
				m.rotationIntervalMin, m.rotationIntervalMax, now)
		}
		m.rotationIntervalMin = now.Add(interval.min)
		m.rotationIntervalMax = now.Add(interval.max)
	} else {
		m.wakeAlarm.Schedule(m.prepareToRotate, m.getNextPrivateAddressIntervalMs())
	}
}

// checkAddressRotationHappenedInExpectedTimeInterval audits that the rotation
// now being scheduled replaces one that fired inside its expected window.
// Alarms may ring a little late, so the upper bound gets a small tolerance.
func (m *AddressManager) checkAddressRotationHappenedInExpectedTimeInterval(
	intervalMin, intervalMax, eventTime time.Time,
) {
	const upperLimitTolerance = 5 * time.Second

	if eventTime.Before(intervalMin) || eventTime.After(intervalMax.Add(upperLimitTolerance)) {
		m.logger.Warn("Address rotation happened outside expected time interval")
		m.logger.Warnf("interval_min=%s", intervalMin)
		m.logger.Warnf("interval_max=%s", intervalMax)
		m.logger.Warnf("event_time=%s", eventTime)
	}
}

func (m *AddressManager) prepareToRotate() {
	m.cachedCommands.push(command{
		typ:      commandRotateRandomAddress,
		contents: rotateRandomAddressCommand{},
	})
	m.pauseRegisteredClients()
}

// setRandomAddress generates the next private address, sends it to the
// controller, and caches it; the live address only changes once the
// controller acknowledges the command.
func (m *AddressManager) setRandomAddress() {
	policy := m.policy()
	if policy != UseResolvableAddress && policy != UseNonResolvableAddress {
		panic("random address generation under a non-rotating policy")
	}

	var addr hci.Address
	if policy == UseResolvableAddress {
		m.mu.Lock()
		irk := m.rotationIRK
		m.mu.Unlock()
		addr = generateRPA(m.random, irk)
	} else {
		addr = generateNRPA(m.random, m.publicAddress)
	}
	m.transport.EnqueueCommand(hci.LeSetRandomAddress(addr), m.OnCommandComplete)
	m.cachedAddress = hci.AddressWithType{Address: addr, Type: hci.RandomDeviceAddress}
}

func (m *AddressManager) rotateRandomAddress() {
	m.scheduleRotateRandomAddress()
	m.setRandomAddress()
}

func (m *AddressManager) prepareToUpdateIRK(cmd updateIRKCommand) {
	m.cachedCommands.push(command{typ: commandUpdateIRK, contents: cmd})
	if len(m.registeredClients) == 0 {
		m.handleNextCommand()
	} else {
		m.pauseRegisteredClients()
	}
}

func (m *AddressManager) updateIRK(cmd updateIRKCommand) {
	m.mu.Lock()
	m.rotationIRK = cmd.rotationIRK
	m.mu.Unlock()
	m.minimumRotationTime = cmd.minimumRotationTime
	m.maximumRotationTime = cmd.maximumRotationTime
	m.logger.Infof("minimum_rotation_time=%s, maximum_rotation_time=%s",
		m.minimumRotationTime, m.maximumRotationTime)
	m.setRandomAddress()
	for client := range m.registeredClients {
		client.NotifyOnIRKChange()
	}
}
