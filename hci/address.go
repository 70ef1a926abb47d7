// Package hci contains the slice of HCI vocabulary used by the LE address
// manager: device addresses, opcodes, command packet builders, and
// command-complete event parsing.
package hci

import (
	"fmt"
	"strings"

	errw "github.com/pkg/errors"
)

// Address is a 48-bit Bluetooth device address, stored least significant byte
// first, the order it appears on the wire. Index 5 holds the most significant
// byte, whose top two bits carry the random-address sub-type markers.
type Address [6]byte

// Octet16 is a 128-bit value, used for IRKs and AES blocks.
type Octet16 [16]byte

// EmptyAddress is the all-zero address.
var EmptyAddress = Address{}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// ParseAddress parses a colon-separated address string, most significant byte
// first ("AA:BB:CC:DD:EE:FF").
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, errw.Errorf("invalid address %q: expected 6 octets", s)
	}
	for i, part := range parts {
		var b byte
		if _, err := fmt.Sscanf(part, "%02x", &b); err != nil || len(part) != 2 {
			return addr, errw.Errorf("invalid address %q: bad octet %q", s, part)
		}
		addr[5-i] = b
	}
	return addr, nil
}

// AddressType distinguishes public device addresses from random ones.
type AddressType uint8

const (
	PublicDeviceAddress AddressType = 0x00
	RandomDeviceAddress AddressType = 0x01
)

func (t AddressType) String() string {
	switch t {
	case PublicDeviceAddress:
		return "PUBLIC_DEVICE_ADDRESS"
	case RandomDeviceAddress:
		return "RANDOM_DEVICE_ADDRESS"
	}
	return fmt.Sprintf("UNKNOWN_ADDRESS_TYPE(%d)", uint8(t))
}

// AddressWithType pairs an address with its type tag.
type AddressWithType struct {
	Address Address
	Type    AddressType
}

func (a AddressWithType) String() string {
	return fmt.Sprintf("%s[%s]", a.Address, a.Type)
}

// FilterAcceptListAddressType tags accept list entries.
type FilterAcceptListAddressType uint8

const (
	FilterAcceptListPublic FilterAcceptListAddressType = 0x00
	FilterAcceptListRandom FilterAcceptListAddressType = 0x01
)

// PeerAddressType tags resolving list identity entries.
type PeerAddressType uint8

const (
	PublicDeviceOrIdentityAddress PeerAddressType = 0x00
	RandomDeviceOrIdentityAddress PeerAddressType = 0x01
)

// PrivacyMode governs whether a resolving list entry accepts both the identity
// address and RPAs from the peer.
type PrivacyMode uint8

const (
	NetworkPrivacyMode PrivacyMode = 0x00
	DevicePrivacyMode  PrivacyMode = 0x01
)

// Enable is the on/off parameter used by several LE commands.
type Enable uint8

const (
	Disabled Enable = 0x00
	Enabled  Enable = 0x01
)
