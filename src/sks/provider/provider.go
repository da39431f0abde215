// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the CRYPTO PROVIDER capability surface the
// Processing Engine consumes (spec.md §1's "narrow capability surface":
// allocate-operation, set-operation-key, cipher-init/update/final,
// AE-init/update/final, MAC-init/update/compare/final, transient-key
// allocation/population, secure random), plus a software implementation
// of it. The shape of this interface is grounded on how
// src/pk11/aes.go and src/pk11/gensec.go drive the teacher's own
// pkcs11.Ctx: separate init/Encrypt/Decrypt calls bound to one key and
// one mechanism for an operation's lifetime, the same separation this
// package's Key/Op handles preserve.
package provider

import "github.com/lowRISC/sks-core/src/sks/mechanism"

// KeyHandle is an opaque handle to key material loaded into the
// provider, populated lazily by AllocateKey/PopulateKey the first time
// an object record is used (spec §4.E "load the key into a provider
// transient object if not already loaded").
type KeyHandle any

// OpHandle is an opaque handle to one in-flight provider operation,
// bound to exactly one key and one mechanism for its lifetime (spec
// §6's "Provider operation").
type OpHandle any

// Mode distinguishes which direction a cipher or AE operation runs.
type Mode int

const (
	ModeEncrypt Mode = iota
	ModeDecrypt
	ModeSign
	ModeVerify
)

// Provider is the capability surface the engine is written against.
// Every method here has a direct analogue in spec.md §1's capability
// list; engine.Session never reaches for anything else.
type Provider interface {
	// AllocateKey creates transient key material of keyType sized
	// bitLen bits and returns a handle to it (transient-key allocation).
	AllocateKey(keyType uint, bitLen int) (KeyHandle, error)
	// PopulateKey loads value into an already-allocated key handle
	// (transient-key population), used both right after AllocateKey in
	// key generation and when loading an existing object's VALUE for
	// use in an operation.
	PopulateKey(kh KeyHandle, value []byte) error
	// FreeKey releases a key handle's provider-side resources. The
	// engine does not call it on operation teardown (spec §4.E's
	// "Release" note: the transient key stays on the object record for
	// reuse), and object destruction (engine.DestroyObject,
	// object.Store.Destroy, session close) does not call it either.
	FreeKey(kh KeyHandle)

	// AllocateOperation allocates an operation for alg running in mode,
	// bound to no key yet.
	AllocateOperation(alg mechanism.Alg, mode Mode) (OpHandle, error)
	// SetOperationKey binds kh to op for the remainder of its lifetime.
	SetOperationKey(op OpHandle, kh KeyHandle) error
	// FreeOperation releases op's provider-side resources.
	FreeOperation(op OpHandle)

	// CipherInit begins a non-AE cipher operation (ECB/CBC/CBC_PAD/CTS/CTR)
	// with the given mechanism parameter (nil for ECB, a 16-byte IV for
	// CBC/CBC_PAD/CTS, a parsed *mechanism.CTRParams for CTR).
	CipherInit(op OpHandle, param any) error
	// CipherUpdate consumes in and writes produced output into out,
	// returning how much of out was written. If out is too small for
	// what this call would produce, it returns abi.ShortBuffer(need)
	// and in is not consumed.
	CipherUpdate(op OpHandle, in, out []byte) (n int, err error)
	// CipherFinal flushes any remainder (e.g. CBC_PAD's final padded
	// block, or CTS's stolen ciphertext) into out.
	CipherFinal(op OpHandle, out []byte) (n int, err error)

	// AEInit begins an AE (CCM/GCM) operation with the given parsed
	// mechanism parameter (*mechanism.CCMParams or *mechanism.GCMParams)
	// and preloads aad, if any.
	AEInit(op OpHandle, param any) error
	// AEUpdate feeds in into the running AE computation. For encrypt,
	// it returns produced ciphertext into out (may be less than len(in)
	// while internal buffering catches up); for decrypt, the engine
	// never surfaces intermediate output to its caller, but AEUpdate
	// still accepts data incrementally and returns how many bytes of
	// out it used internally.
	AEUpdate(op OpHandle, in, out []byte) (n int, err error)
	// AEFinalEncrypt produces the ciphertext tail plus the
	// authentication tag into out.
	AEFinalEncrypt(op OpHandle, out []byte) (n int, err error)
	// AEFinalDecrypt verifies the authentication tag (the last
	// tagLen bytes already fed via AEUpdate) and, only on success,
	// returns the accumulated plaintext.
	AEFinalDecrypt(op OpHandle) (plaintext []byte, err error)

	// MACInit begins a MAC (CMAC/XCBC-MAC/HMAC) operation.
	MACInit(op OpHandle) error
	// MACUpdate feeds in into the running MAC computation.
	MACUpdate(op OpHandle, in []byte) error
	// MACComputeFinal produces the tag into out (sign direction).
	MACComputeFinal(op OpHandle, out []byte) (n int, err error)
	// MACCompareFinal compares the running MAC against tag (verify
	// direction), returning ok=false (not an error) on mismatch; the
	// engine maps that into SIGNATURE_INVALID.
	MACCompareFinal(op OpHandle, tag []byte) (ok bool, err error)

	// Random returns n cryptographically secure random bytes (used for
	// AES_KEY_GEN/GENERIC_SECRET_KEY_GEN's key material).
	Random(n int) ([]byte, error)
}
