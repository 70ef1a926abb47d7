package leaddr

import (
	"crypto/aes"

	"github.com/blehost/leaddr/hci"
)

const (
	// Top two bits of the most significant address byte carry the random
	// address sub-type marker.
	bleAddrMask = 0xc0

	// Marker for a resolvable random address: bits 7:6 equal 01.
	bleResolveAddrMSB = 0x40
)

// generateRPA derives a Resolvable Private Address from the rotation IRK: a
// 24-bit prand carrying the resolvable marker in its top bits, and the low 24
// bits of AES-128(irk, prand) as the hash part.
func generateRPA(random RandomSource, irk hci.Octet16) hci.Address {
	prand := random.Bytes(3)
	prand[2] &^= bleAddrMask
	// The random part of prand shall not be all 0 or all 1.
	if (prand[0] == 0x00 && prand[1] == 0x00 && prand[2] == 0x00) ||
		(prand[0] == 0xFF && prand[1] == 0xFF && prand[2] == 0x3F) {
		prand[0] = byte(random.Uint64()%0xFE + 1)
	}
	prand[2] |= bleResolveAddrMSB

	var addr hci.Address
	addr[3] = prand[0]
	addr[4] = prand[1]
	addr[5] = prand[2]

	var block hci.Octet16
	block[0] = prand[0]
	block[1] = prand[1]
	block[2] = prand[2]
	hash := aes128(irk, block)

	addr[0] = hash[0]
	addr[1] = hash[1]
	addr[2] = hash[2]
	return addr
}

// generateNRPA draws a Non-Resolvable Private Address: six random bytes with
// bits 7:6 of the top byte cleared, never all 0, all 1, or equal to the public
// address.
func generateNRPA(random RandomSource, publicAddress hci.Address) hci.Address {
	b := random.Bytes(6)
	b[5] &^= bleAddrMask
	if (b[0] == 0x00 && b[1] == 0x00 && b[2] == 0x00 && b[3] == 0x00 && b[4] == 0x00 && b[5] == 0x00) ||
		(b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF && b[4] == 0xFF && b[5] == 0x3F) {
		b[0] = byte(random.Uint64()%0xFE + 1)
	}

	var addr hci.Address
	copy(addr[:], b)

	for addr == publicAddress {
		addr[0] = byte(random.Uint64()%0xFE + 1)
	}
	return addr
}

// IsValidStaticAddress reports whether addr satisfies the static random
// address bit pattern: the two most significant bits set, and a random part
// that is neither all 0 nor all 1.
func IsValidStaticAddress(addr hci.Address) bool {
	if addr[5]&bleAddrMask != bleAddrMask {
		return false
	}
	allZero := addr[0] == 0x00 && addr[1] == 0x00 && addr[2] == 0x00 &&
		addr[3] == 0x00 && addr[4] == 0x00 && addr[5] == bleAddrMask
	allOne := addr[0] == 0xFF && addr[1] == 0xFF && addr[2] == 0xFF &&
		addr[3] == 0xFF && addr[4] == 0xFF && addr[5] == 0xFF
	return !allZero && !allOne
}

func aes128(key, block hci.Octet16) hci.Octet16 {
	cipher, err := aes.NewCipher(key[:])
	if err != nil {
		// a 16-byte key cannot be rejected
		panic(err)
	}
	var out hci.Octet16
	cipher.Encrypt(out[:], block[:])
	return out
}
