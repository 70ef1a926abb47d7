package leaddr

import (
	"crypto/aes"
	"testing"

	"github.com/blehost/leaddr/hci"
	"go.viam.com/test"
)

func TestGenerateRPA(t *testing.T) {
	t.Run("marker bits and hash", func(t *testing.T) {
		rnd := &scriptedRandom{byteSeq: [][]byte{{0x12, 0x34, 0xF6}}}
		addr := generateRPA(rnd, testIRK)

		// prand with the top bits replaced by the resolvable marker
		test.That(t, addr[3], test.ShouldEqual, byte(0x12))
		test.That(t, addr[4], test.ShouldEqual, byte(0x34))
		test.That(t, addr[5], test.ShouldEqual, byte(0x76))

		var block [16]byte
		block[0], block[1], block[2] = addr[3], addr[4], addr[5]
		cipher, err := aes.NewCipher(testIRK[:])
		test.That(t, err, test.ShouldBeNil)
		var out [16]byte
		cipher.Encrypt(out[:], block[:])
		test.That(t, addr[0], test.ShouldEqual, out[0])
		test.That(t, addr[1], test.ShouldEqual, out[1])
		test.That(t, addr[2], test.ShouldEqual, out[2])
	})

	t.Run("all-zero prand is resampled", func(t *testing.T) {
		rnd := &scriptedRandom{
			byteSeq: [][]byte{{0x00, 0x00, 0x00}},
			uintSeq: []uint64{0xFD}, // %0xFE+1 = 0xFE
		}
		addr := generateRPA(rnd, testIRK)
		test.That(t, addr[3], test.ShouldEqual, byte(0xFE))
		test.That(t, addr[5]&0xC0, test.ShouldEqual, byte(0x40))
	})

	t.Run("all-one prand is resampled", func(t *testing.T) {
		rnd := &scriptedRandom{
			byteSeq: [][]byte{{0xFF, 0xFF, 0xFF}},
			uintSeq: []uint64{0},
		}
		addr := generateRPA(rnd, testIRK)
		test.That(t, addr[3], test.ShouldEqual, byte(0x01))
	})
}

func TestGenerateNRPA(t *testing.T) {
	t.Run("top bits cleared", func(t *testing.T) {
		rnd := &scriptedRandom{byteSeq: [][]byte{{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}}}
		addr := generateNRPA(rnd, testPublicAddress)
		test.That(t, addr[5]&0xC0, test.ShouldEqual, byte(0x00))
		test.That(t, addr[5], test.ShouldEqual, byte(0x3F))
	})

	t.Run("collision with public address is rerolled", func(t *testing.T) {
		pub := hci.Address{0x11, 0x22, 0x33, 0x44, 0x55, 0x06}
		rnd := &scriptedRandom{
			byteSeq: [][]byte{{0x11, 0x22, 0x33, 0x44, 0x55, 0x06}},
			uintSeq: []uint64{0x41},
		}
		addr := generateNRPA(rnd, pub)
		test.That(t, addr, test.ShouldNotResemble, pub)
		test.That(t, addr[0], test.ShouldEqual, byte(0x42))
	})

	t.Run("all-zero draw is resampled", func(t *testing.T) {
		rnd := &scriptedRandom{
			byteSeq: [][]byte{{0, 0, 0, 0, 0, 0}},
			uintSeq: []uint64{0x10},
		}
		addr := generateNRPA(rnd, testPublicAddress)
		test.That(t, addr, test.ShouldNotResemble, hci.EmptyAddress)
	})
}

func TestIsValidStaticAddress(t *testing.T) {
	for _, tc := range []struct {
		name  string
		addr  hci.Address
		valid bool
	}{
		{"typical static", hci.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0xC1}, true},
		{"top bits not set", hci.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0x41}, false},
		{"random part all zero", hci.Address{0, 0, 0, 0, 0, 0xC0}, false},
		{"random part all one", hci.Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, false},
		{"almost all one", hci.Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, IsValidStaticAddress(tc.addr), test.ShouldEqual, tc.valid)
		})
	}
}

func TestCryptoRandom(t *testing.T) {
	rnd := NewCryptoRandom()
	a := rnd.Bytes(16)
	b := rnd.Bytes(16)
	test.That(t, len(a), test.ShouldEqual, 16)
	test.That(t, a, test.ShouldNotResemble, b)
	test.That(t, rnd.Uint64(), test.ShouldNotEqual, rnd.Uint64())
}
