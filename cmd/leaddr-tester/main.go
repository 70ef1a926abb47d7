// leaddr-tester runs the address manager against an in-process loopback
// controller and logs every rotation, for eyeballing scheduling behavior
// without real hardware.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blehost/leaddr"
	"github.com/blehost/leaddr/handler"
	"github.com/blehost/leaddr/hci"
	"github.com/blehost/leaddr/internal/loopctl"
	"github.com/jessevdk/go-flags"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := &options{}
	parser := flags.NewParser(opts, flags.IgnoreUnknown)
	_, err := parser.Parse()
	if err != nil {
		panic(err)
	}
	if opts.Help {
		parser.WriteHelp(os.Stdout)
		return
	}

	logger := logging.NewLogger("leaddr-tester")
	if opts.Debug {
		logger.SetLevel(logging.DEBUG)
	}

	runDuration, err := time.ParseDuration(opts.Duration)
	if err != nil {
		panic(err)
	}

	cfg, err := leaddr.LoadPrivacyConfig(opts.ConfigPath)
	if err != nil {
		logger.Warnf("Using built-in defaults: %s", err)
		cfg = &leaddr.PrivacyConfig{
			Policy:          "resolvable",
			IRK:             "0102030405060708090a0b0c0d0e0f10",
			SupportsPrivacy: true,
		}
	}

	ctlOpts := []loopctl.Option{}
	if opts.RpaOffload {
		ctlOpts = append(ctlOpts, loopctl.WithRpaOffload())
	}
	controller := loopctl.New(logger.Sublogger("loopctl"), ctlOpts...)

	h := handler.New(logger.AsZap())
	defer h.Stop()

	publicAddress, err := hci.ParseAddress("11:22:33:44:55:66")
	if err != nil {
		panic(err)
	}

	manager := leaddr.NewAddressManager(controller, h, leaddr.Config{
		PublicAddress:     publicAddress,
		AcceptListSize:    controller.AcceptListSize(),
		ResolvingListSize: controller.ResolvingListSize(),
		UseNonWakeAlarm:   true,
	}, controller, leaddr.NewCryptoRandom(), logger.Sublogger("leaddr"))
	defer manager.Close()

	policy, err := cfg.PolicyValue()
	if err != nil {
		panic(err)
	}
	irk, err := cfg.IRKValue()
	if err != nil {
		panic(err)
	}
	minTime, maxTime, err := cfg.RotationTimes()
	if err != nil {
		panic(err)
	}

	var fixedAddress hci.AddressWithType
	if policy == leaddr.UseStaticAddress {
		addr, err := cfg.StaticAddressValue()
		if err != nil {
			panic(err)
		}
		fixedAddress = hci.AddressWithType{Address: addr, Type: hci.RandomDeviceAddress}
	}

	manager.SetPrivacyPolicyForInitiatorAddress(
		policy, fixedAddress, irk, cfg.SupportsPrivacy, minTime, maxTime)

	client := &demoClient{manager: manager, logger: logger.Sublogger("client")}
	manager.Register(client)
	defer manager.UnregisterSync(client, 5*time.Second)

	peerAddr, err := hci.ParseAddress("AA:BB:CC:DD:EE:FF")
	if err != nil {
		panic(err)
	}
	manager.AddDeviceToFilterAcceptList(hci.FilterAcceptListPublic, peerAddr)
	if cfg.SupportsPrivacy {
		manager.AddDeviceToResolvingList(
			hci.PublicDeviceOrIdentityAddress, peerAddr, irk, irk)
	}

	logger.Infof("Running for %s, interrupt to stop", runDuration)
	start := time.Now()
	for goutils.SelectContextOrWait(ctx, 30*time.Second) {
		if time.Since(start) > runDuration {
			break
		}
		logger.Infof("Current initiator address: %s", manager.GetInitiatorAddress())
	}
}

// demoClient acks every pause and resume from its own goroutine, the way a
// real advertiser or scanner would after winding down its air operations.
type demoClient struct {
	manager *leaddr.AddressManager
	logger  logging.Logger
}

func (c *demoClient) OnPause() {
	c.logger.Info("Pausing")
	goutils.PanicCapturingGo(func() { c.manager.AckPause(c) })
}

func (c *demoClient) OnResume() {
	c.logger.Infof("Resuming with address %s", c.manager.GetInitiatorAddress())
	goutils.PanicCapturingGo(func() { c.manager.AckResume(c) })
}

func (c *demoClient) NotifyOnIRKChange() {
	c.logger.Info("IRK changed")
}
