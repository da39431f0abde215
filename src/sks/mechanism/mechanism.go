// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package mechanism holds the static table mapping PKCS#11 mechanism ids
// to the provider algorithm/mode/key-type requirements used by both the
// Policy Gate (parent-key checks) and the Processing Engine (operation
// dispatch), grounded on spec.md §4.E's mechanism table and
// processing.c's tee_operarion_params, which performs the equivalent
// mechanism->algo/mode/size mapping before calling
// TEE_AllocateOperation.
package mechanism

import (
	"github.com/lowRISC/sks-core/src/sks/abi"
)

// Family distinguishes the three command families the Processing Engine
// drives differently (spec §4.E).
type Family int

const (
	FamilyCipher Family = iota
	FamilyMAC
	FamilyKeyGen
)

// Alg names the provider-level algorithm/mode a mechanism drives,
// independent of key size (which is derived from the key's VALUE
// length at bind time).
type Alg int

const (
	AlgAESECB Alg = iota
	AlgAESCBC
	AlgAESCBCPad
	AlgAESCTS
	AlgAESCTR
	AlgAESCCM
	AlgAESGCM
	AlgAESCMAC
	AlgAESXCBCMAC
	AlgHMACMD5
	AlgHMACSHA1
	AlgHMACSHA224
	AlgHMACSHA256
	AlgHMACSHA384
	AlgHMACSHA512
)

// Entry describes one mechanism this service knows how to drive.
type Entry struct {
	Mechanism uint
	Family    Family
	Alg       Alg
	// KeyTypes lists the key types a parent key may have for this
	// mechanism (spec §4.E's "Key types" column; checked by the Policy
	// Gate's parent-key rule and by its creation-vs-mechanism rule).
	KeyTypes []uint
	// RequiresIV16 is true for mechanisms needing exactly a 16-byte IV
	// parameter with no further structure (CBC, CBC_PAD, CTS).
	RequiresIV16 bool
	// RequiresNoParam is true for mechanisms with an empty parameter
	// (ECB).
	RequiresNoParam bool
	// HasStructuredParam is true for mechanisms whose parameter is a
	// dedicated wire structure parsed by its own init routine
	// (CTR/CCM/GCM), rather than a flat IV.
	HasStructuredParam bool
}

var table = map[uint]Entry{
	abi.MechAESECB: {
		Mechanism: abi.MechAESECB, Family: FamilyCipher, Alg: AlgAESECB,
		KeyTypes: []uint{abi.KeyTypeAES}, RequiresNoParam: true,
	},
	abi.MechAESCBC: {
		Mechanism: abi.MechAESCBC, Family: FamilyCipher, Alg: AlgAESCBC,
		KeyTypes: []uint{abi.KeyTypeAES}, RequiresIV16: true,
	},
	abi.MechAESCBCPad: {
		Mechanism: abi.MechAESCBCPad, Family: FamilyCipher, Alg: AlgAESCBCPad,
		KeyTypes: []uint{abi.KeyTypeAES}, RequiresIV16: true,
	},
	abi.MechAESCTS: {
		Mechanism: abi.MechAESCTS, Family: FamilyCipher, Alg: AlgAESCTS,
		KeyTypes: []uint{abi.KeyTypeAES}, RequiresIV16: true,
	},
	abi.MechAESCTR: {
		Mechanism: abi.MechAESCTR, Family: FamilyCipher, Alg: AlgAESCTR,
		KeyTypes: []uint{abi.KeyTypeAES}, HasStructuredParam: true,
	},
	abi.MechAESCCM: {
		Mechanism: abi.MechAESCCM, Family: FamilyCipher, Alg: AlgAESCCM,
		KeyTypes: []uint{abi.KeyTypeAES}, HasStructuredParam: true,
	},
	abi.MechAESGCM: {
		Mechanism: abi.MechAESGCM, Family: FamilyCipher, Alg: AlgAESGCM,
		KeyTypes: []uint{abi.KeyTypeAES}, HasStructuredParam: true,
	},
	abi.MechAESCMAC: {
		Mechanism: abi.MechAESCMAC, Family: FamilyMAC, Alg: AlgAESCMAC,
		KeyTypes: []uint{abi.KeyTypeAES}, RequiresNoParam: true,
	},
	abi.MechAESCMACGeneral: {
		Mechanism: abi.MechAESCMACGeneral, Family: FamilyMAC, Alg: AlgAESCMAC,
		KeyTypes: []uint{abi.KeyTypeAES}, HasStructuredParam: true,
	},
	abi.MechAESXCBCMAC: {
		Mechanism: abi.MechAESXCBCMAC, Family: FamilyMAC, Alg: AlgAESXCBCMAC,
		KeyTypes: []uint{abi.KeyTypeAES}, RequiresNoParam: true,
	},
	abi.MechMD5HMAC: {
		Mechanism: abi.MechMD5HMAC, Family: FamilyMAC, Alg: AlgHMACMD5,
		KeyTypes: []uint{abi.KeyTypeGenericSecret, abi.KeyTypeMD5HMAC}, RequiresNoParam: true,
	},
	abi.MechSHA1HMAC: {
		Mechanism: abi.MechSHA1HMAC, Family: FamilyMAC, Alg: AlgHMACSHA1,
		KeyTypes: []uint{abi.KeyTypeGenericSecret, abi.KeyTypeSHA1HMAC}, RequiresNoParam: true,
	},
	abi.MechSHA224HMAC: {
		Mechanism: abi.MechSHA224HMAC, Family: FamilyMAC, Alg: AlgHMACSHA224,
		KeyTypes: []uint{abi.KeyTypeGenericSecret, abi.KeyTypeSHA224HMAC}, RequiresNoParam: true,
	},
	abi.MechSHA256HMAC: {
		Mechanism: abi.MechSHA256HMAC, Family: FamilyMAC, Alg: AlgHMACSHA256,
		KeyTypes: []uint{abi.KeyTypeGenericSecret, abi.KeyTypeSHA256HMAC}, RequiresNoParam: true,
	},
	abi.MechSHA384HMAC: {
		Mechanism: abi.MechSHA384HMAC, Family: FamilyMAC, Alg: AlgHMACSHA384,
		KeyTypes: []uint{abi.KeyTypeGenericSecret, abi.KeyTypeSHA384HMAC}, RequiresNoParam: true,
	},
	abi.MechSHA512HMAC: {
		Mechanism: abi.MechSHA512HMAC, Family: FamilyMAC, Alg: AlgHMACSHA512,
		KeyTypes: []uint{abi.KeyTypeGenericSecret, abi.KeyTypeSHA512HMAC}, RequiresNoParam: true,
	},
	abi.MechAESKeyGen: {
		Mechanism: abi.MechAESKeyGen, Family: FamilyKeyGen,
		KeyTypes: []uint{abi.KeyTypeAES},
	},
	abi.MechGenericSecretKeyGen: {
		Mechanism: abi.MechGenericSecretKeyGen, Family: FamilyKeyGen,
		KeyTypes: []uint{abi.KeyTypeGenericSecret},
	},
}

// Lookup returns the table entry for mech, or ok=false if this service
// does not know how to drive it (MECHANISM_INVALID at the caller).
func Lookup(mech uint) (Entry, bool) {
	e, ok := table[mech]
	return e, ok
}

// AllowsKeyType reports whether keyType is a valid parent-key type for
// mech (spec §4.D rule 4's key-type-match half).
func (e Entry) AllowsKeyType(keyType uint) bool {
	for _, kt := range e.KeyTypes {
		if kt == keyType {
			return true
		}
	}
	return false
}

// CTRParams is the parsed AES_CTR mechanism parameter.
type CTRParams struct {
	IV         []byte
	CounterBits uint32
}

// CCMParams is the parsed AES_CCM mechanism parameter: a nonce, AAD to
// authenticate but not encrypt, the total length of data to be
// processed (ccm requires this up front), and tag length in bytes.
type CCMParams struct {
	Nonce     []byte
	AAD       []byte
	DataLen   uint32
	TagBytes  uint32
}

// GCMParams is the parsed AES_GCM mechanism parameter: an IV, AAD, and
// tag length in bits (96-128 per spec §4.E).
type GCMParams struct {
	IV      []byte
	AAD     []byte
	TagBits uint32
}
