package leaddr

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/blehost/leaddr/hci"
	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

const (
	// Defaults used when a config omits the rotation bounds.
	DefaultMinimumRotationTime = 7 * time.Minute
	DefaultMaximumRotationTime = 15 * time.Minute
)

// PrivacyConfig is the on-disk (jsonc) form of the privacy settings that a
// host feeds into SetPrivacyPolicyForInitiatorAddress.
type PrivacyConfig struct {
	// Policy is one of "public", "static", "non_resolvable", "resolvable".
	Policy string `json:"policy"`

	// StaticAddress is the fixed address in "aa:bb:cc:dd:ee:ff" form, used
	// by the static policy.
	StaticAddress string `json:"static_address,omitempty"`

	// IRK is the 16-byte identity resolving key, hex encoded.
	IRK string `json:"irk,omitempty"`

	SupportsPrivacy bool `json:"supports_privacy"`

	// Rotation bounds as Go duration strings, e.g. "7m", "15m30s".
	MinimumRotationTime string `json:"minimum_rotation_time,omitempty"`
	MaximumRotationTime string `json:"maximum_rotation_time,omitempty"`

	UseNonWakeAlarm       bool `json:"use_non_wake_alarm,omitempty"`
	NrpaNonConnectableAdv bool `json:"nrpa_non_connectable_adv,omitempty"`
}

// LoadPrivacyConfig reads and validates a jsonc privacy config file.
func LoadPrivacyConfig(path string) (*PrivacyConfig, error) {
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errw.Wrapf(err, "reading %s", path)
	}
	cfg := &PrivacyConfig{}
	if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), cfg); err != nil {
		return nil, errw.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errw.Wrapf(err, "validating %s", path)
	}
	return cfg, nil
}

// Validate checks the config for internal consistency.
func (c *PrivacyConfig) Validate() error {
	if _, err := c.PolicyValue(); err != nil {
		return err
	}
	if _, err := c.IRKValue(); err != nil {
		return err
	}
	if c.Policy == "static" {
		addr, err := c.StaticAddressValue()
		if err != nil {
			return err
		}
		if !IsValidStaticAddress(addr) {
			return errw.Errorf("static_address %s has an invalid bit pattern", c.StaticAddress)
		}
	}
	minTime, maxTime, err := c.RotationTimes()
	if err != nil {
		return err
	}
	if maxTime < minTime {
		return errw.Errorf("maximum_rotation_time %s is below minimum_rotation_time %s", maxTime, minTime)
	}
	return nil
}

// PolicyValue maps the config's policy string to an AddressPolicy.
func (c *PrivacyConfig) PolicyValue() (AddressPolicy, error) {
	switch c.Policy {
	case "public":
		return UsePublicAddress, nil
	case "static":
		return UseStaticAddress, nil
	case "non_resolvable":
		return UseNonResolvableAddress, nil
	case "resolvable":
		return UseResolvableAddress, nil
	}
	return PolicyNotSet, errw.Errorf("unknown address policy %q", c.Policy)
}

// IRKValue decodes the hex IRK; a zero key when unset.
func (c *PrivacyConfig) IRKValue() (hci.Octet16, error) {
	var irk hci.Octet16
	if c.IRK == "" {
		return irk, nil
	}
	raw, err := hex.DecodeString(c.IRK)
	if err != nil {
		return irk, errw.Wrap(err, "parsing irk")
	}
	if len(raw) != len(irk) {
		return irk, errw.Errorf("irk must be %d bytes, got %d", len(irk), len(raw))
	}
	copy(irk[:], raw)
	return irk, nil
}

// StaticAddressValue parses the configured static address.
func (c *PrivacyConfig) StaticAddressValue() (hci.Address, error) {
	addr, err := hci.ParseAddress(c.StaticAddress)
	if err != nil {
		return hci.Address{}, errw.Wrap(err, "parsing static_address")
	}
	return addr, nil
}

// RotationTimes returns the configured rotation bounds, falling back to the
// defaults for unset fields.
func (c *PrivacyConfig) RotationTimes() (time.Duration, time.Duration, error) {
	minTime := DefaultMinimumRotationTime
	maxTime := DefaultMaximumRotationTime
	var err error
	if c.MinimumRotationTime != "" {
		if minTime, err = time.ParseDuration(c.MinimumRotationTime); err != nil {
			return 0, 0, errw.Wrap(err, "parsing minimum_rotation_time")
		}
	}
	if c.MaximumRotationTime != "" {
		if maxTime, err = time.ParseDuration(c.MaximumRotationTime); err != nil {
			return 0, 0, errw.Wrap(err, "parsing maximum_rotation_time")
		}
	}
	return minTime, maxTime, nil
}
