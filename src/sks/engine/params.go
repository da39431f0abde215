// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/mechanism"
	"github.com/lowRISC/sks-core/src/sks/serial"
)

// mechParamInvalid builds a MECHANISM_PARAM_INVALID error; every
// malformed-parameter path in this file funnels through it so a short
// or overlong parameter sub-blob is never reported as anything else
// (processing.c's tee_init_ctr_operation/tee_init_ccm_operation/
// tee_init_gcm_operation equivalents all reject this way).
func mechParamInvalid(mech uint, format string, args ...any) error {
	a := append([]any{mech}, args...)
	return abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "mechanism %d: "+format, a...)
}

// parseCipherParam interprets paramBytes against entry's declared
// parameter shape (spec §4.E's per-mechanism init dispatch), returning
// the value CipherInit/AEInit expects: nil for RequiresNoParam, a raw
// 16-byte IV for RequiresIV16, or one of this package's parsed structs
// for HasStructuredParam.
func parseCipherParam(entry mechanism.Entry, mech uint, paramBytes []byte) (any, error) {
	switch {
	case entry.RequiresNoParam:
		if len(paramBytes) != 0 {
			return nil, mechParamInvalid(mech, "takes no parameter, got %d bytes", len(paramBytes))
		}
		return nil, nil
	case entry.RequiresIV16:
		if len(paramBytes) != 16 {
			return nil, mechParamInvalid(mech, "requires a 16-byte IV, got %d bytes", len(paramBytes))
		}
		return append([]byte(nil), paramBytes...), nil
	case entry.HasStructuredParam:
		switch mech {
		case abi.MechAESCTR:
			return parseCTRParam(paramBytes)
		case abi.MechAESCCM:
			return parseCCMParam(paramBytes)
		case abi.MechAESGCM:
			return parseGCMParam(paramBytes)
		}
	}
	return nil, mechParamInvalid(mech, "has no known parameter shape")
}

// parseCTRParam decodes the wire form of CK_AES_CTR_PARAMS: a 4-byte
// little-endian counter-bits field followed by the 16-byte counter
// block, matching the {id,size,data} mechanism-parameter attribute
// whose data this function receives (no separate length prefix — the
// attribute's own size field, already consumed by package serial,
// bounds paramBytes).
func parseCTRParam(b []byte) (*mechanism.CTRParams, error) {
	if len(b) != 20 {
		return nil, mechParamInvalid(abi.MechAESCTR, "AES_CTR parameter must be 20 bytes (4-byte counter-bits + 16-byte block), got %d", len(b))
	}
	r := serial.NewReader(b)
	counterBits, _ := r.Uint32()
	iv, _ := r.Bytes(16)
	return &mechanism.CTRParams{CounterBits: counterBits, IV: append([]byte(nil), iv...)}, nil
}

// parseCCMParam decodes this service's flat wire encoding of
// CK_CCM_PARAMS: {u32 nonceLen, nonce, u32 aadLen, aad, u32 dataLen,
// u32 tagBytes}, little-endian, with no trailing bytes permitted.
func parseCCMParam(b []byte) (*mechanism.CCMParams, error) {
	r := serial.NewReader(b)
	nonceLen, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESCCM, "truncated before nonce length")
	}
	nonce, err := r.Bytes(int(nonceLen))
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESCCM, "truncated nonce")
	}
	aadLen, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESCCM, "truncated before AAD length")
	}
	aad, err := r.Bytes(int(aadLen))
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESCCM, "truncated AAD")
	}
	dataLen, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESCCM, "truncated before data length")
	}
	tagBytes, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESCCM, "truncated before tag length")
	}
	if r.Remaining() != 0 {
		return nil, mechParamInvalid(abi.MechAESCCM, "%d trailing bytes", r.Remaining())
	}
	return &mechanism.CCMParams{
		Nonce:    append([]byte(nil), nonce...),
		AAD:      append([]byte(nil), aad...),
		DataLen:  dataLen,
		TagBytes: tagBytes,
	}, nil
}

// parseGCMParam decodes this service's flat wire encoding of
// CK_GCM_PARAMS: {u32 ivLen, iv, u32 aadLen, aad, u32 tagBits}.
func parseGCMParam(b []byte) (*mechanism.GCMParams, error) {
	r := serial.NewReader(b)
	ivLen, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESGCM, "truncated before IV length")
	}
	iv, err := r.Bytes(int(ivLen))
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESGCM, "truncated IV")
	}
	aadLen, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESGCM, "truncated before AAD length")
	}
	aad, err := r.Bytes(int(aadLen))
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESGCM, "truncated AAD")
	}
	tagBits, err := r.Uint32()
	if err != nil {
		return nil, mechParamInvalid(abi.MechAESGCM, "truncated before tag length")
	}
	if r.Remaining() != 0 {
		return nil, mechParamInvalid(abi.MechAESGCM, "%d trailing bytes", r.Remaining())
	}
	return &mechanism.GCMParams{
		IV:      append([]byte(nil), iv...),
		AAD:     append([]byte(nil), aad...),
		TagBits: tagBits,
	}, nil
}

// macGeneralParam is the parsed CK_MAC_GENERAL_PARAMS: the caller's
// requested truncated tag length, in bytes, for AES_CMAC_GENERAL.
type macGeneralParam struct {
	Length uint32
}

func parseMACGeneralParam(b []byte) (*macGeneralParam, error) {
	if len(b) != 4 {
		return nil, mechParamInvalid(abi.MechAESCMACGeneral, "parameter must be a 4-byte MAC length, got %d bytes", len(b))
	}
	r := serial.NewReader(b)
	length, _ := r.Uint32()
	if length == 0 || length > fullCMACTagBytes {
		return nil, mechParamInvalid(abi.MechAESCMACGeneral, "MAC length %d out of range 1-%d", length, fullCMACTagBytes)
	}
	return &macGeneralParam{Length: length}, nil
}
