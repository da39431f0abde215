// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

// This file implements AES-CCM (RFC 3610) directly over a crypto/aes
// block cipher. Neither the retrieved example corpus nor the Go
// standard library provides a CCM implementation (stdlib deliberately
// omits it; see DESIGN.md), so this mode is built from first
// principles rather than adapted from a library call site.

const ccmBlockSize = 16

// ccmL is the length-field size in bytes; nonce length is always
// 15-L, so longer nonces trade off against the maximum payload size
// they can address. This package derives L from the nonce length, so
// every supported nonce length between 7 and 13 bytes works.
func ccmL(nonceLen int) int {
	return 15 - nonceLen
}

func ccmSeal(block cipher.Block, nonce, aad, plaintext []byte, tagBytes int) ([]byte, error) {
	if err := ccmCheckParams(nonce, tagBytes); err != nil {
		return nil, err
	}
	l := ccmL(len(nonce))
	if len(plaintext) >= 1<<(8*l) {
		return nil, fmt.Errorf("ccm: plaintext too long for a %d-byte nonce", len(nonce))
	}

	tag := ccmComputeTag(block, nonce, aad, plaintext, tagBytes, l)
	ciphertext := ccmCTR(block, nonce, l, plaintext)

	s0 := make([]byte, ccmBlockSize)
	block.Encrypt(s0, ccmCounterBlock(nonce, l, 0))
	maskedTag := make([]byte, tagBytes)
	subtle.XORBytes(maskedTag, tag, s0[:tagBytes])

	return append(ciphertext, maskedTag...), nil
}

func ccmOpen(block cipher.Block, nonce, aad, ciphertextAndTag []byte, tagBytes int) ([]byte, error) {
	if err := ccmCheckParams(nonce, tagBytes); err != nil {
		return nil, err
	}
	if len(ciphertextAndTag) < tagBytes {
		return nil, fmt.Errorf("ccm: ciphertext shorter than the tag")
	}
	l := ccmL(len(nonce))
	ciphertext := ciphertextAndTag[:len(ciphertextAndTag)-tagBytes]
	maskedTag := ciphertextAndTag[len(ciphertextAndTag)-tagBytes:]

	s0 := make([]byte, ccmBlockSize)
	block.Encrypt(s0, ccmCounterBlock(nonce, l, 0))
	tag := make([]byte, tagBytes)
	subtle.XORBytes(tag, maskedTag, s0[:tagBytes])

	plaintext := ccmCTR(block, nonce, l, ciphertext)

	want := ccmComputeTag(block, nonce, aad, plaintext, tagBytes, l)
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return nil, fmt.Errorf("ccm: tag mismatch")
	}
	return plaintext, nil
}

func ccmCheckParams(nonce []byte, tagBytes int) error {
	if len(nonce) < 7 || len(nonce) > 13 {
		return fmt.Errorf("ccm: nonce must be 7-13 bytes, got %d", len(nonce))
	}
	switch tagBytes {
	case 4, 6, 8, 10, 12, 14, 16:
	default:
		return fmt.Errorf("ccm: tag length must be one of 4,6,8,10,12,14,16 bytes, got %d", tagBytes)
	}
	return nil
}

// ccmCounterBlock builds the counter-mode input block A_i: flags byte
// with only the L-1 field set, the nonce, then the big-endian counter
// in the remaining L bytes.
func ccmCounterBlock(nonce []byte, l int, counter uint64) []byte {
	a := make([]byte, ccmBlockSize)
	a[0] = byte(l - 1)
	copy(a[1:1+len(nonce)], nonce)
	putBigEndian(a[1+len(nonce):], counter)
	return a
}

func ccmCTR(block cipher.Block, nonce []byte, l int, in []byte) []byte {
	out := make([]byte, len(in))
	var counter uint64 = 1
	ks := make([]byte, ccmBlockSize)
	for off := 0; off < len(in); off += ccmBlockSize {
		block.Encrypt(ks, ccmCounterBlock(nonce, l, counter))
		end := off + ccmBlockSize
		if end > len(in) {
			end = len(in)
		}
		subtle.XORBytes(out[off:end], in[off:end], ks[:end-off])
		counter++
	}
	return out
}

// ccmComputeTag runs the CBC-MAC over B0 || encoded-AAD || plaintext,
// zero-padding each logical field to a 16-byte boundary, and returns
// the first tagBytes bytes of the final MAC block (unmasked; the
// caller XORs it with S0 to get the transmitted tag).
func ccmComputeTag(block cipher.Block, nonce, aad, plaintext []byte, tagBytes, l int) []byte {
	b0 := make([]byte, ccmBlockSize)
	flags := byte(0)
	if len(aad) > 0 {
		flags |= 0x40
	}
	flags |= byte((tagBytes - 2) / 2 << 3)
	flags |= byte(l - 1)
	b0[0] = flags
	copy(b0[1:1+len(nonce)], nonce)
	putBigEndian(b0[1+len(nonce):], uint64(len(plaintext)))

	y := make([]byte, ccmBlockSize)
	block.Encrypt(y, b0)

	cbcBlock := func(data []byte) {
		for off := 0; off < len(data); off += ccmBlockSize {
			end := off + ccmBlockSize
			chunk := make([]byte, ccmBlockSize)
			if end > len(data) {
				copy(chunk, data[off:])
			} else {
				copy(chunk, data[off:end])
			}
			subtle.XORBytes(chunk, chunk, y)
			block.Encrypt(y, chunk)
		}
	}

	if len(aad) > 0 {
		var lenField []byte
		if len(aad) < 0xff00 {
			lenField = make([]byte, 2)
			putBigEndian(lenField, uint64(len(aad)))
		} else {
			// RFC 3610's extended AAD-length encoding for very large
			// AAD; not expected for this service's mechanism parameters
			// but included so aadBlock never silently truncates.
			lenField = make([]byte, 6)
			lenField[0], lenField[1] = 0xff, 0xfe
			putBigEndian(lenField[2:], uint64(len(aad)))
		}
		cbcBlock(append(append([]byte{}, lenField...), aad...))
	}
	cbcBlock(plaintext)

	return y[:tagBytes]
}

func putBigEndian(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
