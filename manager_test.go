package leaddr

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/blehost/leaddr/handler"
	"github.com/blehost/leaddr/hci"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

var (
	testPublicAddress = hci.Address{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	testPeerAddress   = hci.Address{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}
	testStaticAddress = hci.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0xC1}
	testIRK           = hci.Octet16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
)

const (
	testMinRotation = 7 * time.Minute
	testMaxRotation = 15 * time.Minute
)

// scriptedRandom returns queued values when present, deterministic filler
// otherwise.
type scriptedRandom struct {
	mu      sync.Mutex
	byteSeq [][]byte
	uintSeq []uint64
	filler  byte
}

func (r *scriptedRandom) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byteSeq) > 0 {
		b := r.byteSeq[0]
		r.byteSeq = r.byteSeq[1:]
		return b
	}
	buf := make([]byte, n)
	r.filler++
	for i := range buf {
		buf[i] = r.filler
	}
	return buf
}

func (r *scriptedRandom) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.uintSeq) > 0 {
		u := r.uintSeq[0]
		r.uintSeq = r.uintSeq[1:]
		return u
	}
	return 0
}

type pendingCommand struct {
	pkt        *hci.CommandPacket
	onComplete func(hci.CommandCompleteView)
}

// fakeTransport records commands and lets the test decide when and how each
// one completes.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*hci.CommandPacket
	pending []pendingCommand
}

func (f *fakeTransport) EnqueueCommand(pkt *hci.CommandPacket, onComplete func(hci.CommandCompleteView)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pkt)
	f.pending = append(f.pending, pendingCommand{pkt: pkt, onComplete: onComplete})
}

func (f *fakeTransport) completeAll(status hci.ErrorCode) int {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, cmd := range pending {
		cmd.onComplete(hci.NewCommandComplete(cmd.pkt.Op, status))
	}
	return len(pending)
}

func (f *fakeTransport) sentOps() []hci.OpCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]hci.OpCode, len(f.sent))
	for i, pkt := range f.sent {
		ops[i] = pkt.Op
	}
	return ops
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() *hci.CommandPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeController struct {
	rpaOffload bool
}

func (c *fakeController) IsRpaGenerationSupported() bool { return c.rpaOffload }

// testClient counts callbacks; with autoAck set it acknowledges every pause
// and resume immediately.
type testClient struct {
	m       *AddressManager
	autoAck bool

	mu         sync.Mutex
	pauses     int
	resumes    int
	irkChanges int
}

func (c *testClient) OnPause() {
	c.mu.Lock()
	c.pauses++
	c.mu.Unlock()
	if c.autoAck {
		c.m.AckPause(c)
	}
}

func (c *testClient) OnResume() {
	c.mu.Lock()
	c.resumes++
	c.mu.Unlock()
	if c.autoAck {
		c.m.AckResume(c)
	}
}

func (c *testClient) NotifyOnIRKChange() {
	c.mu.Lock()
	c.irkChanges++
	c.mu.Unlock()
}

func (c *testClient) counts() (pauses, resumes, irkChanges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses, c.resumes, c.irkChanges
}

type fixture struct {
	t   *testing.T
	clk *clock.Mock
	h   *handler.Handler
	tr  *fakeTransport
	ctl *fakeController
	rnd *scriptedRandom
	m   *AddressManager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	h := handler.NewWithClock(logger.AsZap(), clk)
	t.Cleanup(h.Stop)

	if cfg.PublicAddress == hci.EmptyAddress {
		cfg.PublicAddress = testPublicAddress
	}
	if cfg.AcceptListSize == 0 {
		cfg.AcceptListSize = 16
	}
	if cfg.ResolvingListSize == 0 {
		cfg.ResolvingListSize = 8
	}

	tr := &fakeTransport{}
	ctl := &fakeController{}
	rnd := &scriptedRandom{}
	m := NewAddressManager(tr, h, cfg, ctl, rnd, logger)
	t.Cleanup(m.Close)
	return &fixture{t: t, clk: clk, h: h, tr: tr, ctl: ctl, rnd: rnd, m: m}
}

// drain flushes the handler and completes outstanding commands until the
// transport goes quiet. Completion handling posts up to three tasks deep
// (completion, queue check, acks), hence the repeated flushes.
func (f *fixture) drain() {
	f.t.Helper()
	for {
		f.h.Sync()
		f.h.Sync()
		f.h.Sync()
		if f.tr.completeAll(hci.Success) == 0 {
			return
		}
	}
}

func (f *fixture) setResolvablePolicy() {
	f.t.Helper()
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UseResolvableAddress, hci.AddressWithType{}, testIRK, true,
		testMinRotation, testMaxRotation)
	f.drain()
}

func TestPublicAddressPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UsePublicAddress, hci.AddressWithType{}, hci.Octet16{}, false, 0, 0)
	f.drain()

	test.That(t, f.m.GetAddressPolicy(), test.ShouldEqual, UsePublicAddress)
	test.That(t, f.m.RotatingAddress(), test.ShouldBeFalse)
	test.That(t, f.m.GetInitiatorAddress(), test.ShouldResemble,
		hci.AddressWithType{Address: testPublicAddress, Type: hci.PublicDeviceAddress})
	test.That(t, f.tr.sentCount(), test.ShouldEqual, 0)

	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()
	pauses, _, _ := client.counts()
	test.That(t, pauses, test.ShouldEqual, 0)
}

func TestStaticAddressPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UseStaticAddress,
		hci.AddressWithType{Address: testStaticAddress, Type: hci.RandomDeviceAddress},
		hci.Octet16{}, false, 0, 0)
	f.drain()

	test.That(t, f.tr.sentOps(), test.ShouldResemble, []hci.OpCode{hci.OpLeSetRandomAddress})
	test.That(t, f.tr.lastSent().Params, test.ShouldResemble, testStaticAddress[:])
	test.That(t, f.m.GetInitiatorAddress().Address, test.ShouldResemble, testStaticAddress)
}

func TestStaticAddressPolicyRejectsBadBitPattern(t *testing.T) {
	f := newFixture(t, Config{})
	badAddr := testStaticAddress
	badAddr[5] = 0x01 // top bits not 11

	test.That(t, func() {
		f.m.SetPrivacyPolicyForInitiatorAddress(
			UseStaticAddress,
			hci.AddressWithType{Address: badAddr, Type: hci.RandomDeviceAddress},
			hci.Octet16{}, false, 0, 0)
	}, test.ShouldPanic)
}

func TestPolicyNotSetRejected(t *testing.T) {
	f := newFixture(t, Config{})
	test.That(t, func() {
		f.m.SetPrivacyPolicyForInitiatorAddress(
			PolicyNotSet, hci.AddressWithType{}, hci.Octet16{}, false, 0, 0)
	}, test.ShouldPanic)
	test.That(t, func() { f.m.GetInitiatorAddress() }, test.ShouldPanic)
}

func TestResolvablePolicySetsRandomAddress(t *testing.T) {
	f := newFixture(t, Config{})
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UseResolvableAddress, hci.AddressWithType{}, testIRK, true,
		testMinRotation, testMaxRotation)
	f.h.Sync()

	// Address only commits once the controller acknowledges.
	test.That(t, f.tr.sentOps(), test.ShouldResemble, []hci.OpCode{hci.OpLeSetRandomAddress})
	f.drain()

	got := f.m.GetInitiatorAddress()
	test.That(t, got.Type, test.ShouldEqual, hci.RandomDeviceAddress)
	test.That(t, got.Address[5]&0xC0, test.ShouldEqual, byte(0x40))
}

func TestRegisterBeforePolicyPausesThenResumes(t *testing.T) {
	f := newFixture(t, Config{})
	client := &testClient{m: f.m, autoAck: true}

	policy := f.m.Register(client)
	f.drain()
	test.That(t, policy, test.ShouldEqual, PolicyNotSet)
	pauses, resumes, _ := client.counts()
	test.That(t, pauses, test.ShouldEqual, 1)
	test.That(t, resumes, test.ShouldEqual, 0)

	f.setResolvablePolicy()
	_, resumes, _ = client.counts()
	test.That(t, resumes, test.ShouldEqual, 1)
	test.That(t, f.m.GetInitiatorAddress().Type, test.ShouldEqual, hci.RandomDeviceAddress)
}

func TestAcceptListCommandPausesClients(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()

	before := f.tr.sentCount()
	f.m.AddDeviceToFilterAcceptList(hci.FilterAcceptListPublic, testPeerAddress)
	f.drain()

	pauses, resumes, _ := client.counts()
	test.That(t, pauses, test.ShouldEqual, 1)
	test.That(t, resumes, test.ShouldEqual, 1)
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before+1)
	test.That(t, f.tr.lastSent().Op, test.ShouldEqual, hci.OpLeAddDeviceToFilterAcceptList)
}

func TestCommandWaitsForEveryClientToPause(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	first := &testClient{m: f.m}
	second := &testClient{m: f.m}
	f.m.Register(first)
	f.m.Register(second)
	f.drain()

	before := f.tr.sentCount()
	f.m.ClearFilterAcceptList()
	f.h.Sync()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)

	f.m.AckPause(first)
	f.h.Sync()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)

	f.m.AckPause(second)
	f.h.Sync()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before+1)
	test.That(t, f.tr.lastSent().Op, test.ShouldEqual, hci.OpLeClearFilterAcceptList)

	f.drain()
	f.m.AckResume(first)
	f.m.AckResume(second)
	f.h.Sync()
}

func TestAckPauseRetriggersLateRegistrant(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	first := &testClient{m: f.m}
	f.m.Register(first)
	f.drain()

	f.m.ClearFilterAcceptList()
	f.h.Sync()

	// second registers after the pause went out, so it is still resumed
	second := &testClient{m: f.m}
	f.m.Register(second)
	f.h.Sync()

	f.m.AckPause(first)
	f.h.Sync()
	pauses, _, _ := second.counts()
	test.That(t, pauses, test.ShouldEqual, 1)
}

func TestAckPauseIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	first := &testClient{m: f.m}
	second := &testClient{m: f.m}
	f.m.Register(first)
	f.m.Register(second)
	f.drain()

	f.m.ClearFilterAcceptList()
	f.h.Sync()

	// Double ack from one client must not start the command early.
	before := f.tr.sentCount()
	f.m.AckPause(first)
	f.m.AckPause(first)
	f.h.Sync()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)
	pauses, _, _ := first.counts()
	test.That(t, pauses, test.ShouldEqual, 1)

	f.m.AckPause(second)
	f.drain()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before+1)
	f.m.AckResume(first)
	f.m.AckResume(second)
	f.h.Sync()
}

func TestUnregisterSynthesizesPendingAck(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	acker := &testClient{m: f.m, autoAck: true}
	silent := &testClient{m: f.m}
	f.m.Register(acker)
	f.m.Register(silent)
	f.drain()

	before := f.tr.sentCount()
	f.m.ClearFilterAcceptList()
	f.h.Sync()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)

	// silent never acks; unregistering it must unblock the queue
	f.m.Unregister(silent)
	f.drain()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before+1)
}

func TestUnregisterLastClientCancelsRotation(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()

	f.m.Unregister(client)
	f.h.Sync()

	before := f.tr.sentCount()
	f.clk.Add(testMaxRotation + time.Minute)
	f.drain()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)
}

func TestUnregisterSync(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()

	test.That(t, f.m.UnregisterSync(client, time.Minute), test.ShouldBeTrue)

	f.h.Stop()
	test.That(t, f.m.UnregisterSync(client, time.Minute), test.ShouldBeFalse)
}

func TestResolvingListUpdateExpandsToThreeCommands(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()

	before := f.tr.sentCount()
	f.m.AddDeviceToResolvingList(
		hci.PublicDeviceOrIdentityAddress, testPeerAddress, testIRK, testIRK)
	f.drain()

	ops := f.tr.sentOps()[before:]
	test.That(t, ops, test.ShouldResemble, []hci.OpCode{
		hci.OpLeSetAddressResolutionEnable,
		hci.OpLeAddDeviceToResolvingList,
		hci.OpLeSetAddressResolutionEnable,
	})

	before = f.tr.sentCount()
	f.m.RemoveDeviceFromResolvingList(hci.PublicDeviceOrIdentityAddress, testPeerAddress)
	f.drain()
	ops = f.tr.sentOps()[before:]
	test.That(t, ops, test.ShouldResemble, []hci.OpCode{
		hci.OpLeSetAddressResolutionEnable,
		hci.OpLeRemoveDeviceFromResolvingList,
		hci.OpLeSetAddressResolutionEnable,
	})
}

func TestResolvingListNoOpWithoutPrivacySupport(t *testing.T) {
	f := newFixture(t, Config{})
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UseResolvableAddress, hci.AddressWithType{}, testIRK, false,
		testMinRotation, testMaxRotation)
	f.drain()

	before := f.tr.sentCount()
	f.m.AddDeviceToResolvingList(
		hci.PublicDeviceOrIdentityAddress, testPeerAddress, testIRK, testIRK)
	f.m.RemoveDeviceFromResolvingList(hci.PublicDeviceOrIdentityAddress, testPeerAddress)
	f.m.ClearResolvingList()
	f.drain()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)
}

func TestRegisterDrainsCommandBacklog(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()

	// No clients yet: accept list commands sit in the queue untouched.
	before := f.tr.sentCount()
	f.m.AddDeviceToFilterAcceptList(hci.FilterAcceptListPublic, testPeerAddress)
	f.h.Sync()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)

	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()
	test.That(t, f.tr.sentCount(), test.ShouldBeGreaterThan, before)
}

func TestIRKUpdateNotifiesClients(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()

	newIRK := hci.Octet16{0xAA}
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UseResolvableAddress, hci.AddressWithType{}, newIRK, true,
		10*time.Minute, 20*time.Minute)
	f.drain()

	pauses, _, irkChanges := client.counts()
	test.That(t, pauses, test.ShouldEqual, 1)
	test.That(t, irkChanges, test.ShouldEqual, 1)
	test.That(t, f.tr.lastSent().Op, test.ShouldEqual, hci.OpLeSetRandomAddress)
	test.That(t, f.m.minimumRotationTime, test.ShouldEqual, 10*time.Minute)
	test.That(t, f.m.maximumRotationTime, test.ShouldEqual, 20*time.Minute)
}

func TestRpaOffloadSkipsSoftwareRotation(t *testing.T) {
	f := newFixture(t, Config{})
	f.ctl.rpaOffload = true
	f.m.SetPrivacyPolicyForInitiatorAddress(
		UseResolvableAddress, hci.AddressWithType{}, testIRK, true,
		testMinRotation, testMaxRotation)
	f.drain()

	ops := f.tr.sentOps()
	test.That(t, ops[0], test.ShouldEqual, hci.OpLeSetResolvablePrivateAddressTimeoutV2)

	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()

	// No alarm was armed, so advancing the clock rotates nothing.
	before := f.tr.sentCount()
	f.clk.Add(testMaxRotation + time.Minute)
	f.drain()
	test.That(t, f.tr.sentCount(), test.ShouldEqual, before)
}

func TestPolicyForTestUnderOffloadOnlyConfiguresTimeout(t *testing.T) {
	f := newFixture(t, Config{})
	f.ctl.rpaOffload = true
	f.m.SetPrivacyPolicyForInitiatorAddressForTest(
		UseResolvableAddress, hci.AddressWithType{}, testIRK,
		testMinRotation, testMaxRotation)
	f.drain()

	// No random address write: the controller rotates on its own.
	test.That(t, f.tr.sentOps(), test.ShouldResemble,
		[]hci.OpCode{hci.OpLeSetResolvablePrivateAddressTimeoutV2})
}

func TestFailedCommandStillAdvancesQueue(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.drain()

	savedAddress := f.m.GetInitiatorAddress()

	f.m.AddDeviceToFilterAcceptList(hci.FilterAcceptListPublic, testPeerAddress)
	f.h.Sync()
	f.tr.completeAll(hci.MemoryCapacityExceeded)
	f.drain()

	// Clients still resume after a controller failure.
	_, resumes, _ := client.counts()
	test.That(t, resumes, test.ShouldEqual, 1)
	test.That(t, f.m.GetInitiatorAddress(), test.ShouldResemble, savedAddress)
}

func TestFailedRandomAddressKeepsOldAddress(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()
	saved := f.m.GetInitiatorAddress()

	client := &testClient{m: f.m, autoAck: true}
	f.m.Register(client)
	f.h.Sync()

	// Fire the rotation alarm and fail the resulting address write.
	f.clk.Add(testMinRotation)
	f.h.Sync()
	f.h.Sync() // the pause ack lands behind the first flush
	f.tr.completeAll(hci.ControllerBusy)
	f.drain()

	test.That(t, f.m.GetInitiatorAddress(), test.ShouldResemble, saved)
}

func TestNewResolvableAndNonResolvableAddresses(t *testing.T) {
	f := newFixture(t, Config{})
	f.setResolvablePolicy()

	rpa := f.m.NewResolvableAddress()
	test.That(t, rpa.Type, test.ShouldEqual, hci.RandomDeviceAddress)
	test.That(t, rpa.Address[5]&0xC0, test.ShouldEqual, byte(0x40))

	nrpa := f.m.NewNonResolvableAddress()
	test.That(t, nrpa.Type, test.ShouldEqual, hci.RandomDeviceAddress)
	test.That(t, nrpa.Address[5]&0xC0, test.ShouldEqual, byte(0x00))
}

func TestListSizeGetters(t *testing.T) {
	f := newFixture(t, Config{AcceptListSize: 12, ResolvingListSize: 6})
	test.That(t, f.m.GetFilterAcceptListSize(), test.ShouldEqual, uint8(12))
	test.That(t, f.m.GetResolvingListSize(), test.ShouldEqual, uint8(6))
}
