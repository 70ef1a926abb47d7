package leaddr

// Client is implemented by protocol consumers (advertisers, scanners,
// connection initiators) that use the managed address. Callbacks are invoked
// on the manager's handler goroutine and must not block; the matching
// AckPause/AckResume calls are expected to arrive later, not from inside the
// callback.
type Client interface {
	// OnPause tells the client to stop using the current address for new
	// operations and call AckPause once it has.
	OnPause()

	// OnResume tells the client it may use the address again; it must call
	// AckResume.
	OnResume()

	// NotifyOnIRKChange informs the client that an IRK update has been
	// applied.
	NotifyOnIRKChange()
}

type clientState int

const (
	waitingForPause clientState = iota
	clientPaused
	waitingForResume
	clientResumed
)

func (s clientState) String() string {
	switch s {
	case waitingForPause:
		return "WAITING_FOR_PAUSE"
	case clientPaused:
		return "PAUSED"
	case waitingForResume:
		return "WAITING_FOR_RESUME"
	case clientResumed:
		return "RESUMED"
	}
	return "UNKNOWN_CLIENT_STATE"
}

func (m *AddressManager) registerClient(client Client) {
	if len(m.registeredClients) == 0 && !m.cachedCommands.empty() {
		// Nobody to pause; drain the backlog before this client starts
		// using the address.
		m.logger.Info("Draining cached commands before first client registers")
		m.handleNextCommand()
	}
	m.registeredClients[client] = clientResumed
	if m.policy() == PolicyNotSet {
		m.logger.Info("Address policy isn't set yet, pausing clients")
		m.pauseRegisteredClients()
		return
	}
	if m.RotatingAddress() && len(m.registeredClients) == 1 {
		if !m.rpaOffloadActive() {
			m.scheduleRotateRandomAddress()
			m.logger.Info("Scheduled address rotation for first client registered")
		}
	}
	m.logger.Debug("Client registered")
}

func (m *AddressManager) unregisterClient(client Client) {
	if state, ok := m.registeredClients[client]; ok {
		switch state {
		case waitingForPause:
			m.ackPause(client)
		case waitingForResume:
			m.ackResume(client)
		}
		delete(m.registeredClients, client)
		m.logger.Debug("Client unregistered")
	}
	if len(m.registeredClients) == 0 {
		if m.wakeAlarm != nil {
			m.wakeAlarm.Cancel()
		}
		if m.nonWakeAlarm != nil {
			m.nonWakeAlarm.Cancel()
		}
		m.rotationIntervalMin = zeroTime
		m.rotationIntervalMax = zeroTime
		m.logger.Info("Cancelled address rotation alarm")
	}
}

func (m *AddressManager) pauseRegisteredClients() {
	for client, state := range m.registeredClients {
		switch state {
		case clientPaused, waitingForPause:
		case waitingForResume, clientResumed:
			m.registeredClients[client] = waitingForPause
			client.OnPause()
		}
	}
}

func (m *AddressManager) ackPause(client Client) {
	if _, ok := m.registeredClients[client]; !ok {
		m.logger.Info("No client registered to ack pause")
		return
	}
	m.registeredClients[client] = clientPaused
	for other, state := range m.registeredClients {
		switch state {
		case clientPaused:
		case waitingForPause:
			// not everyone has paused yet
			m.logger.Debug("Waiting for all clients to pause")
			return
		case waitingForResume, clientResumed:
			m.logger.Warnf("Re-triggering OnPause for client in state %s", state)
			m.registeredClients[other] = waitingForPause
			other.OnPause()
			return
		}
	}

	if m.policy() != PolicyNotSet {
		m.checkCachedCommands()
	}
}

func (m *AddressManager) resumeRegisteredClients() {
	// Do not resume clients while commands remain queued.
	if !m.cachedCommands.empty() {
		m.handleNextCommand()
		return
	}

	m.logger.Debug("Resuming registered clients")
	for client, state := range m.registeredClients {
		if state != clientPaused {
			m.logger.Warnf("Client is not paused, state %s", state)
		}
		m.registeredClients[client] = waitingForResume
		client.OnResume()
	}
}

func (m *AddressManager) ackResume(client Client) {
	if _, ok := m.registeredClients[client]; ok {
		m.registeredClients[client] = clientResumed
	} else {
		m.logger.Info("Client not registered")
	}
}
