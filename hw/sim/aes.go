// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
)

// AES-128 key schedule, the crypto engine decrypts with the last round key
// which must be derived by the caller through key reversal.

const (
	keyWords = 4
	rounds   = 10
)

var (
	sbox [256]uint8
	rcon = [rounds]uint32{0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x1b, 0x36}
)

func rotl8(x uint8, n uint) uint8 {
	return x<<n | x>>(8-n)
}

func init() {
	var p, q uint8 = 1, 1

	for {
		// multiply p by 3
		hi := p & 0x80
		p ^= p << 1

		if hi != 0 {
			p ^= 0x1b
		}

		// divide q by 3
		q ^= q << 1
		q ^= q << 2
		q ^= q << 4

		if q&0x80 != 0 {
			q ^= 0x09
		}

		sbox[p] = q ^ rotl8(q, 1) ^ rotl8(q, 2) ^ rotl8(q, 3) ^ rotl8(q, 4) ^ 0x63

		if p == 1 {
			break
		}
	}

	sbox[0] = 0x63
}

func subWord(w uint32) uint32 {
	return uint32(sbox[w>>24])<<24 |
		uint32(sbox[w>>16&0xff])<<16 |
		uint32(sbox[w>>8&0xff])<<8 |
		uint32(sbox[w&0xff])
}

func rotWord(w uint32) uint32 {
	return w<<8 | w>>24
}

func schedule(w uint32, i int) uint32 {
	return subWord(rotWord(w)) ^ rcon[i/keyWords-1]<<24
}

func toWords(key []byte) (w [keyWords]uint32) {
	for i := range w {
		w[i] = binary.BigEndian.Uint32(key[i*4:])
	}

	return
}

func fromWords(w [keyWords]uint32, key []byte) {
	for i := range w {
		binary.BigEndian.PutUint32(key[i*4:], w[i])
	}
}

// lastRoundKey expands an AES-128 key up to its final round key.
func lastRoundKey(key []byte, out []byte) {
	w := toWords(key)

	for i := keyWords; i < keyWords*(rounds+1); i += keyWords {
		w[0] ^= schedule(w[3], i)
		w[1] ^= w[0]
		w[2] ^= w[1]
		w[3] ^= w[2]
	}

	fromWords(w, out)
}

// firstRoundKey runs the key expansion backwards from the final round key.
func firstRoundKey(last []byte, out []byte) {
	w := toWords(last)

	for i := keyWords * rounds; i >= keyWords; i -= keyWords {
		w[3] ^= w[2]
		w[2] ^= w[1]
		w[1] ^= w[0]
		w[0] ^= schedule(w[3], i)
	}

	fromWords(w, out)
}
