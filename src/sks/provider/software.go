// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/google/tink/go/mac/subtle"
	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/mechanism"
)

// softKey is a key handle's backing storage: key type plus raw value.
// PopulateKey fills Value in after AllocateKey reserves the handle, the
// same two-step shape as GENERATE's "allocate, then append random
// VALUE" sequence in spec §4.E.
type softKey struct {
	keyType uint
	value   []byte
}

// softOp is one in-flight operation's mutable state. Every Provider
// method that takes an OpHandle type-asserts it back to *softOp; no
// other package ever sees this type.
type softOp struct {
	alg  mechanism.Alg
	mode Mode
	key  *softKey

	block cipher.Block

	// Non-AE cipher state.
	iv      []byte
	cbcEnc  cipher.BlockMode
	cbcDec  cipher.BlockMode
	ctr     cipher.Stream
	pad     bool
	cts     bool
	partial []byte // buffered bytes not yet a full block (ECB/CBC) or the whole message so far (CTS)

	// AE (CCM/GCM) state: both modes are implemented over one-shot
	// library primitives (crypto/cipher's GCM AEAD, this package's own
	// CCM), so AEUpdate buffers every byte it sees and the actual
	// Seal/Open call happens in AEFinal*.
	nonce    []byte
	aad      []byte
	tagBytes int
	ccm      bool
	aeBuf    []byte

	// MAC state: tink's mac/subtle primitives are one-shot
	// (ComputeMAC/VerifyMAC over the whole message), so MACUpdate
	// buffers and MACComputeFinal/MACCompareFinal run the primitive once.
	macBuf []byte
}

// Software is an in-process Provider with no hardware or TEE backing,
// used by tests and by cmd/skstool's default configuration.
type Software struct{}

// NewSoftware returns a ready-to-use software provider.
func NewSoftware() *Software { return &Software{} }

func (p *Software) AllocateKey(keyType uint, bitLen int) (KeyHandle, error) {
	if bitLen%8 != 0 || bitLen <= 0 {
		return nil, abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "key bit length must be a positive multiple of 8, got %d", bitLen)
	}
	return &softKey{keyType: keyType, value: make([]byte, bitLen/8)}, nil
}

func (p *Software) PopulateKey(kh KeyHandle, value []byte) error {
	k, ok := kh.(*softKey)
	if !ok {
		return abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "not a software key handle")
	}
	k.value = append([]byte(nil), value...)
	return nil
}

func (p *Software) FreeKey(kh KeyHandle) {
	if k, ok := kh.(*softKey); ok {
		zero(k.value)
	}
}

func (p *Software) AllocateOperation(alg mechanism.Alg, mode Mode) (OpHandle, error) {
	return &softOp{alg: alg, mode: mode}, nil
}

func (p *Software) SetOperationKey(op OpHandle, kh KeyHandle) error {
	o, k, err := asSoftOpKey(op, kh)
	if err != nil {
		return err
	}
	o.key = k
	block, err := aes.NewCipher(k.value)
	if err != nil {
		return abi.New(uint(pkcs11.CKR_GENERAL_ERROR), "could not load key into AES cipher: %v", err)
	}
	o.block = block
	return nil
}

func (p *Software) FreeOperation(op OpHandle) {
	if o, ok := op.(*softOp); ok {
		zero(o.partial)
		zero(o.aeBuf)
		zero(o.macBuf)
	}
}

func (p *Software) CipherInit(op OpHandle, param any) error {
	o, err := asSoftOp(op)
	if err != nil {
		return err
	}
	switch o.alg {
	case mechanism.AlgAESECB:
		// No parameter; ECB has no chaining state besides the block
		// cipher itself.
	case mechanism.AlgAESCBC:
		iv, ok := param.([]byte)
		if !ok || len(iv) != ccmBlockSize {
			return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "AES_CBC requires a 16-byte IV")
		}
		o.iv = iv
		if o.mode == ModeEncrypt {
			o.cbcEnc = cipher.NewCBCEncrypter(o.block, iv)
		} else {
			o.cbcDec = cipher.NewCBCDecrypter(o.block, iv)
		}
	case mechanism.AlgAESCBCPad:
		iv, ok := param.([]byte)
		if !ok || len(iv) != ccmBlockSize {
			return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "AES_CBC_PAD requires a 16-byte IV")
		}
		o.iv = iv
		o.pad = true
	case mechanism.AlgAESCTS:
		iv, ok := param.([]byte)
		if !ok || len(iv) != ccmBlockSize {
			return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "AES_CTS requires a 16-byte IV")
		}
		o.iv = iv
		o.cts = true
	case mechanism.AlgAESCTR:
		ctrParams, ok := param.(*mechanism.CTRParams)
		if !ok {
			return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "AES_CTR requires a counter-block parameter")
		}
		o.ctr = cipher.NewCTR(o.block, ctrParams.IV)
	default:
		return abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "unsupported cipher mechanism")
	}
	return nil
}

func (p *Software) CipherUpdate(op OpHandle, in, out []byte) (int, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return 0, err
	}
	switch o.alg {
	case mechanism.AlgAESECB:
		return blockwise(o, in, out, o.mode == ModeEncrypt, nil, nil)
	case mechanism.AlgAESCBC:
		return blockwise(o, in, out, o.mode == ModeEncrypt, o.cbcEnc, o.cbcDec)
	case mechanism.AlgAESCBCPad:
		// The last block needs the padding decision, so CBC_PAD buffers
		// the whole message and runs CBC only at Final, the same
		// whole-message shape as CTS below.
		o.partial = append(o.partial, in...)
		return 0, nil
	case mechanism.AlgAESCTS:
		o.partial = append(o.partial, in...)
		return 0, nil
	case mechanism.AlgAESCTR:
		if len(out) < len(in) {
			return 0, abi.ShortBuffer(len(in))
		}
		o.ctr.XORKeyStream(out[:len(in)], in)
		return len(in), nil
	default:
		return 0, abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "unsupported cipher mechanism")
	}
}

// blockwise drives ECB/CBC update: complete blocks accumulated in
// o.partial are encrypted/decrypted immediately; any leftover partial
// block is held for the next call or for Final to reject (this
// service's ECB/CBC have no padding, so a non-multiple-of-16 message is
// a caller error surfaced at Final).
func blockwise(o *softOp, in, out []byte, encrypt bool, enc, dec cipher.BlockMode) (int, error) {
	nBlocks := (len(o.partial) + len(in)) / ccmBlockSize
	n := nBlocks * ccmBlockSize
	if n > 0 && len(out) < n {
		return 0, abi.ShortBuffer(n)
	}
	o.partial = append(o.partial, in...)
	if nBlocks == 0 {
		return 0, nil
	}
	chunk := o.partial[:n]
	switch {
	case enc != nil:
		enc.CryptBlocks(out[:n], chunk)
	case dec != nil:
		dec.CryptBlocks(out[:n], chunk)
	case encrypt:
		for off := 0; off < n; off += ccmBlockSize {
			o.block.Encrypt(out[off:off+ccmBlockSize], chunk[off:off+ccmBlockSize])
		}
	default:
		for off := 0; off < n; off += ccmBlockSize {
			o.block.Decrypt(out[off:off+ccmBlockSize], chunk[off:off+ccmBlockSize])
		}
	}
	o.partial = append([]byte(nil), o.partial[n:]...)
	return n, nil
}

func (p *Software) CipherFinal(op OpHandle, out []byte) (int, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return 0, err
	}
	switch o.alg {
	case mechanism.AlgAESECB, mechanism.AlgAESCBC:
		if len(o.partial) != 0 {
			return 0, abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "cipher input was not a multiple of the block size")
		}
		return 0, nil
	case mechanism.AlgAESCBCPad:
		return cbcPadFinal(o, out)
	case mechanism.AlgAESCTS:
		return ctsFinal(o, out)
	case mechanism.AlgAESCTR:
		return 0, nil
	default:
		return 0, abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "unsupported cipher mechanism")
	}
}

// cbcPadFinal runs CBC over the whole message buffered since CipherInit,
// applying PKCS7 padding before encryption or stripping it after
// decryption.
func cbcPadFinal(o *softOp, out []byte) (int, error) {
	if o.mode == ModeEncrypt {
		padLen := ccmBlockSize - len(o.partial)%ccmBlockSize
		padded := append(append([]byte(nil), o.partial...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
		if len(out) < len(padded) {
			return 0, abi.ShortBuffer(len(padded))
		}
		cipher.NewCBCEncrypter(o.block, o.iv).CryptBlocks(out[:len(padded)], padded)
		return len(padded), nil
	}

	if len(o.partial) == 0 || len(o.partial)%ccmBlockSize != 0 {
		return 0, abi.New(uint(pkcs11.CKR_ENCRYPTED_DATA_INVALID), "AES_CBC_PAD ciphertext must be a nonzero multiple of the block size")
	}
	plain := make([]byte, len(o.partial))
	cipher.NewCBCDecrypter(o.block, o.iv).CryptBlocks(plain, o.partial)

	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > ccmBlockSize || padLen > len(plain) {
		return 0, abi.New(uint(pkcs11.CKR_ENCRYPTED_DATA_INVALID), "AES_CBC_PAD padding is malformed")
	}
	for _, b := range plain[len(plain)-padLen:] {
		if int(b) != padLen {
			return 0, abi.New(uint(pkcs11.CKR_ENCRYPTED_DATA_INVALID), "AES_CBC_PAD padding is malformed")
		}
	}
	plain = plain[:len(plain)-padLen]
	if len(out) < len(plain) {
		return 0, abi.ShortBuffer(len(plain))
	}
	return copy(out, plain), nil
}

// ctsFinal performs CBC-CS1 ciphertext stealing over the whole message
// accumulated since CipherInit: spec.md requires CTS to behave as one
// unit, so unlike ECB/CBC this service never produces output before
// Final.
func ctsFinal(o *softOp, out []byte) (int, error) {
	msg := o.partial
	if len(msg) < ccmBlockSize {
		return 0, abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "AES_CTS requires at least one full block")
	}
	if len(out) < len(msg) {
		return 0, abi.ShortBuffer(len(msg))
	}

	if o.mode == ModeEncrypt {
		return ctsEncrypt(o.block, o.iv, msg, out)
	}
	return ctsDecrypt(o.block, o.iv, msg, out)
}

// ctsEncrypt implements CBC ciphertext stealing in the CS1 layout: the
// whole message, zero-padded to a block boundary, is CBC-encrypted once;
// the second-to-last ciphertext block is then truncated to the message's
// true tail length and the final transmitted block is always the full
// 16-byte last block. The last two blocks are not swapped.
func ctsEncrypt(block cipher.Block, iv, msg, out []byte) (int, error) {
	n := len(msg)
	rem := n % ccmBlockSize
	if rem == 0 {
		rem = ccmBlockSize
	}
	prefixFull := n - rem // multiple of ccmBlockSize

	padded := make([]byte, prefixFull+ccmBlockSize)
	copy(padded, msg)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	if prefixFull == 0 {
		// A single block: no stealing is possible, CTS degenerates to CBC.
		return copy(out, padded[:ccmBlockSize]), nil
	}

	plainPrefix := prefixFull - ccmBlockSize
	secondLast := append([]byte(nil), padded[plainPrefix:prefixFull]...)
	lastPadded := padded[prefixFull : prefixFull+ccmBlockSize]

	copy(out[:plainPrefix], padded[:plainPrefix])
	copy(out[plainPrefix:plainPrefix+rem], secondLast[:rem])
	copy(out[plainPrefix+rem:plainPrefix+rem+ccmBlockSize], lastPadded)
	return plainPrefix + rem + ccmBlockSize, nil
}

// ctsDecrypt reverses ctsEncrypt: it recovers the raw decryption of the
// final full block to reconstruct the stolen ciphertext bytes, then
// undoes the CBC chain for the last two blocks before running ordinary
// CBC decryption over everything ahead of them.
func ctsDecrypt(block cipher.Block, iv, msg, out []byte) (int, error) {
	n := len(msg)
	rem := n % ccmBlockSize
	if rem == 0 {
		rem = ccmBlockSize
	}
	prefixFull := n - rem

	if prefixFull == 0 {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out[:ccmBlockSize], msg[:ccmBlockSize])
		return ccmBlockSize, nil
	}

	plainPrefix := prefixFull - ccmBlockSize
	prevCipher := iv
	if plainPrefix > 0 {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out[:plainPrefix], msg[:plainPrefix])
		prevCipher = msg[plainPrefix-ccmBlockSize : plainPrefix]
	}

	cnTrunc := msg[plainPrefix : plainPrefix+rem]
	secondLastFull := msg[plainPrefix+rem : plainPrefix+rem+ccmBlockSize]

	d := make([]byte, ccmBlockSize)
	block.Decrypt(d, secondLastFull)

	fullLastCipher := make([]byte, ccmBlockSize)
	copy(fullLastCipher, cnTrunc)
	copy(fullLastCipher[rem:], d[rem:])

	pLast := make([]byte, ccmBlockSize)
	xorInto(pLast[:rem], d[:rem], cnTrunc)

	pPrev := make([]byte, ccmBlockSize)
	block.Decrypt(pPrev, fullLastCipher)
	xorInto(pPrev, pPrev, prevCipher)

	copy(out[plainPrefix:plainPrefix+ccmBlockSize], pPrev)
	copy(out[plainPrefix+ccmBlockSize:plainPrefix+ccmBlockSize+rem], pLast[:rem])
	return plainPrefix + ccmBlockSize + rem, nil
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// gcmStandardNonceSize is the only GCM IV length this provider accepts.
// cipher.NewGCMWithTagSize below hard-codes its nonce size to this same
// constant (crypto/cipher's gcmStandardNonceSize) in exchange for the
// caller-chosen tag size spec §4.E's GCMParams.TagBits requires; Go's
// standard library has no single AEAD constructor that accepts both a
// caller-chosen nonce size and a caller-chosen tag size; see DESIGN.md.
// Rejecting any other IV length here, before an operation is ever bound
// to a Seal/Open call, turns what would otherwise be a library panic on
// a mismatched nonce into an ordinary MECHANISM_PARAM_INVALID.
const gcmStandardNonceSize = 12

func (p *Software) AEInit(op OpHandle, param any) error {
	o, err := asSoftOp(op)
	if err != nil {
		return err
	}
	switch v := param.(type) {
	case *mechanism.CCMParams:
		o.ccm = true
		o.nonce = v.Nonce
		o.aad = v.AAD
		o.tagBytes = int(v.TagBytes)
	case *mechanism.GCMParams:
		if len(v.IV) != gcmStandardNonceSize {
			return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "AES_GCM requires a %d-byte IV, got %d", gcmStandardNonceSize, len(v.IV))
		}
		o.ccm = false
		o.nonce = v.IV
		o.aad = v.AAD
		o.tagBytes = int(v.TagBits) / 8
	default:
		return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "AE operation requires a CCM or GCM parameter")
	}
	return nil
}

func (p *Software) AEUpdate(op OpHandle, in, out []byte) (int, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return 0, err
	}
	o.aeBuf = append(o.aeBuf, in...)
	return 0, nil
}

func (p *Software) AEFinalEncrypt(op OpHandle, out []byte) (int, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return 0, err
	}
	var result []byte
	if o.ccm {
		result, err = ccmSeal(o.block, o.nonce, o.aad, o.aeBuf, o.tagBytes)
	} else {
		var aead cipher.AEAD
		aead, err = cipher.NewGCMWithTagSize(o.block, o.tagBytes)
		if err == nil {
			result = aead.Seal(nil, o.nonce, o.aeBuf, o.aad)
		}
	}
	if err != nil {
		return 0, abi.New(uint(pkcs11.CKR_GENERAL_ERROR), "AE seal failed: %v", err)
	}
	if len(out) < len(result) {
		return 0, abi.ShortBuffer(len(result))
	}
	return copy(out, result), nil
}

func (p *Software) AEFinalDecrypt(op OpHandle) ([]byte, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return nil, err
	}
	var result []byte
	if o.ccm {
		result, err = ccmOpen(o.block, o.nonce, o.aad, o.aeBuf, o.tagBytes)
	} else {
		var aead cipher.AEAD
		aead, err = cipher.NewGCMWithTagSize(o.block, o.tagBytes)
		if err == nil {
			result, err = aead.Open(nil, o.nonce, o.aeBuf, o.aad)
		}
	}
	if err != nil {
		return nil, abi.New(uint(pkcs11.CKR_ENCRYPTED_DATA_INVALID), "tag verification failed: %v", err)
	}
	return result, nil
}

func (p *Software) MACInit(op OpHandle) error {
	o, err := asSoftOp(op)
	if err != nil {
		return err
	}
	o.macBuf = nil
	return nil
}

func (p *Software) MACUpdate(op OpHandle, in []byte) error {
	o, err := asSoftOp(op)
	if err != nil {
		return err
	}
	o.macBuf = append(o.macBuf, in...)
	return nil
}

func macPrimitive(o *softOp) (macComputer, error) {
	switch o.alg {
	case mechanism.AlgAESCMAC:
		return subtle.NewAESCMAC(o.key.value, 16)
	case mechanism.AlgAESXCBCMAC:
		return newXCBCMAC(o.key.value)
	case mechanism.AlgHMACMD5:
		return subtle.NewHMAC("MD5", o.key.value, 16)
	case mechanism.AlgHMACSHA1:
		return subtle.NewHMAC("SHA1", o.key.value, 20)
	case mechanism.AlgHMACSHA224:
		return subtle.NewHMAC("SHA224", o.key.value, 28)
	case mechanism.AlgHMACSHA256:
		return subtle.NewHMAC("SHA256", o.key.value, 32)
	case mechanism.AlgHMACSHA384:
		return subtle.NewHMAC("SHA384", o.key.value, 48)
	case mechanism.AlgHMACSHA512:
		return subtle.NewHMAC("SHA512", o.key.value, 64)
	default:
		return nil, fmt.Errorf("unsupported MAC algorithm")
	}
}

// macComputer is the subset of tink's mac.MAC interface this package
// needs; both subtle.AESCMAC and subtle.HMAC satisfy it.
type macComputer interface {
	ComputeMAC(data []byte) ([]byte, error)
	VerifyMAC(mac, data []byte) error
}

func (p *Software) MACComputeFinal(op OpHandle, out []byte) (int, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return 0, err
	}
	m, err := macPrimitive(o)
	if err != nil {
		return 0, abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "%v", err)
	}
	tag, err := m.ComputeMAC(o.macBuf)
	if err != nil {
		return 0, abi.New(uint(pkcs11.CKR_GENERAL_ERROR), "MAC computation failed: %v", err)
	}
	if len(out) < len(tag) {
		return 0, abi.ShortBuffer(len(tag))
	}
	return copy(out, tag), nil
}

func (p *Software) MACCompareFinal(op OpHandle, tag []byte) (bool, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return false, err
	}
	m, err := macPrimitive(o)
	if err != nil {
		return false, abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "%v", err)
	}
	if err := m.VerifyMAC(tag, o.macBuf); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Software) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, abi.New(uint(pkcs11.CKR_GENERAL_ERROR), "could not read random bytes: %v", err)
	}
	return buf, nil
}

func asSoftOp(op OpHandle) (*softOp, error) {
	o, ok := op.(*softOp)
	if !ok {
		return nil, abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "not a software operation handle")
	}
	return o, nil
}

func asSoftOpKey(op OpHandle, kh KeyHandle) (*softOp, *softKey, error) {
	o, err := asSoftOp(op)
	if err != nil {
		return nil, nil, err
	}
	k, ok := kh.(*softKey)
	if !ok {
		return nil, nil, abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "not a software key handle")
	}
	return o, k, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
