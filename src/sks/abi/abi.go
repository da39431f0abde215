// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package abi defines the wire identifiers shared by every layer of the
// key-object service: PKCS#11 class/key-type/attribute/mechanism ids (taken
// directly from github.com/miekg/pkcs11, the same constant namespace
// src/pk11 builds its templates from), the boolean-attribute bit table, and
// the stable error codes returned across the control-buffer boundary.
package abi

import (
	"fmt"

	"github.com/miekg/pkcs11"
)

// Object classes and key types this service creates. Re-exported as a
// named uint so callers elsewhere in this module don't need to import
// github.com/miekg/pkcs11 merely to name a class.
const (
	ClassSecretKey = uint(pkcs11.CKO_SECRET_KEY)

	KeyTypeAES           = uint(pkcs11.CKK_AES)
	KeyTypeGenericSecret = uint(pkcs11.CKK_GENERIC_SECRET)
	KeyTypeMD5HMAC       = uint(pkcs11.CKK_MD5_HMAC)
	KeyTypeSHA1HMAC      = uint(pkcs11.CKK_SHA_1_HMAC)
	KeyTypeSHA224HMAC    = uint(pkcs11.CKK_SHA224_HMAC)
	KeyTypeSHA256HMAC    = uint(pkcs11.CKK_SHA256_HMAC)
	KeyTypeSHA384HMAC    = uint(pkcs11.CKK_SHA384_HMAC)
	KeyTypeSHA512HMAC    = uint(pkcs11.CKK_SHA512_HMAC)
)

// Attribute ids. The full PKCS#11 boolean-attribute set plus the
// value-carrying and bookkeeping attributes this service handles.
const (
	AttrClass           = uint(pkcs11.CKA_CLASS)
	AttrKeyType          = uint(pkcs11.CKA_KEY_TYPE)
	AttrValue            = uint(pkcs11.CKA_VALUE)
	AttrValueLen         = uint(pkcs11.CKA_VALUE_LEN)
	AttrLabel            = uint(pkcs11.CKA_LABEL)
	AttrID               = uint(pkcs11.CKA_ID)

	AttrToken            = uint(pkcs11.CKA_TOKEN)
	AttrPrivate          = uint(pkcs11.CKA_PRIVATE)
	AttrModifiable       = uint(pkcs11.CKA_MODIFIABLE)
	AttrExtractable      = uint(pkcs11.CKA_EXTRACTABLE)
	AttrSensitive        = uint(pkcs11.CKA_SENSITIVE)
	AttrEncrypt          = uint(pkcs11.CKA_ENCRYPT)
	AttrDecrypt          = uint(pkcs11.CKA_DECRYPT)
	AttrSign             = uint(pkcs11.CKA_SIGN)
	AttrVerify           = uint(pkcs11.CKA_VERIFY)
	AttrWrap             = uint(pkcs11.CKA_WRAP)
	AttrUnwrap           = uint(pkcs11.CKA_UNWRAP)
	AttrDerive           = uint(pkcs11.CKA_DERIVE)
	AttrLocal            = uint(pkcs11.CKA_LOCAL)
	AttrAlwaysSensitive  = uint(pkcs11.CKA_ALWAYS_SENSITIVE)
	AttrNeverExtractable = uint(pkcs11.CKA_NEVER_EXTRACTABLE)
)

// Mechanism ids this service's Processing Engine knows how to drive.
const (
	MechAESKeyGen           = uint(pkcs11.CKM_AES_KEY_GEN)
	MechGenericSecretKeyGen = uint(pkcs11.CKM_GENERIC_SECRET_KEY_GEN)

	MechAESECB = uint(pkcs11.CKM_AES_ECB)
	MechAESCBC = uint(pkcs11.CKM_AES_CBC)
	MechAESCBCPad = uint(pkcs11.CKM_AES_CBC_PAD)
	MechAESCTS = uint(pkcs11.CKM_AES_CTS)
	MechAESCTR = uint(pkcs11.CKM_AES_CTR)
	MechAESCCM = uint(pkcs11.CKM_AES_CCM)
	MechAESGCM = uint(pkcs11.CKM_AES_GCM)

	MechAESCMAC        = uint(pkcs11.CKM_AES_CMAC)
	MechAESCMACGeneral = uint(pkcs11.CKM_AES_CMAC_GENERAL)
	MechAESXCBCMAC     = uint(pkcs11.CKM_AES_XCBC_MAC)
	MechMD5HMAC        = uint(pkcs11.CKM_MD5_HMAC)
	MechSHA1HMAC       = uint(pkcs11.CKM_SHA_1_HMAC)
	MechSHA224HMAC     = uint(pkcs11.CKM_SHA224_HMAC)
	MechSHA256HMAC     = uint(pkcs11.CKM_SHA256_HMAC)
	MechSHA384HMAC     = uint(pkcs11.CKM_SHA384_HMAC)
	MechSHA512HMAC     = uint(pkcs11.CKM_SHA512_HMAC)
)

// Undefined is the sentinel mechanism/class/key-type id meaning "none",
// used for a session with no active processing.
const Undefined = ^uint(0)

// boolAttrs is the closed, compile-time table mapping boolean PKCS#11
// attributes to bit positions in a blob header's 64-bit bool field. The
// order is arbitrary but fixed: once assigned, a bit position must never
// be reused for a different attribute.
var boolAttrs = [...]uint{
	AttrToken,
	AttrPrivate,
	AttrModifiable,
	AttrExtractable,
	AttrSensitive,
	AttrEncrypt,
	AttrDecrypt,
	AttrSign,
	AttrVerify,
	AttrWrap,
	AttrUnwrap,
	AttrDerive,
	AttrLocal,
	AttrAlwaysSensitive,
	AttrNeverExtractable,
}

var boolBit = func() map[uint]int {
	m := make(map[uint]int, len(boolAttrs))
	for i, id := range boolAttrs {
		m[id] = i
	}
	return m
}()

// BoolBit returns the bit position reserved for the boolean attribute id,
// and whether id is a boolean attribute at all.
func BoolBit(id uint) (int, bool) {
	b, ok := boolBit[id]
	return b, ok
}

// IsBoolAttr reports whether id is one of the boolean attributes carried
// in a blob header's bool field rather than as a regular entry.
func IsBoolAttr(id uint) bool {
	_, ok := boolBit[id]
	return ok
}

// BoolAttrs returns the closed table of boolean attribute ids, in the
// same fixed order BoolBit assigns bit positions from.
func BoolAttrs() []uint {
	out := make([]uint, len(boolAttrs))
	copy(out, boolAttrs[:])
	return out
}

// Error codes not already covered by a github.com/miekg/pkcs11 CKR_*
// constant. These never cross the wire to a real PKCS#11 consumer; they
// exist purely so this service's internal control flow has a stable
// value to return for "no such attribute" and "object busy", which
// PKCS#11's CKR_* namespace does not separately name the way spec's
// error taxonomy (§6) does.
const (
	localBase        = 0x80000000
	NotFound         = localBase + 1
	ActionProhibited = localBase + 2
)

var codeNames = map[uint]string{
	uint(pkcs11.CKR_OK):                          "OK",
	uint(pkcs11.CKR_GENERAL_ERROR):                "GENERAL_ERROR",
	uint(pkcs11.CKR_ARGUMENTS_BAD):                "BAD_PARAM",
	uint(pkcs11.CKR_BUFFER_TOO_SMALL):             "SHORT_BUFFER",
	uint(pkcs11.CKR_HOST_MEMORY):                  "MEMORY",
	uint(pkcs11.CKR_SESSION_HANDLE_INVALID):       "SESSION_HANDLE_INVALID",
	uint(pkcs11.CKR_KEY_HANDLE_INVALID):           "KEY_HANDLE_INVALID",
	uint(pkcs11.CKR_OPERATION_ACTIVE):             "OPERATION_ACTIVE",
	uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED):    "OPERATION_NOT_INITIALIZED",
	uint(pkcs11.CKR_MECHANISM_INVALID):            "MECHANISM_INVALID",
	uint(pkcs11.CKR_MECHANISM_PARAM_INVALID):      "MECHANISM_PARAM_INVALID",
	uint(pkcs11.CKR_KEY_TYPE_INCONSISTENT):        "KEY_TYPE_INCONSISTENT",
	uint(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED):   "KEY_FUNCTION_NOT_PERMITTED",
	uint(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID):       "ATTRIBUTE_TYPE_INVALID",
	uint(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID):      "ATTRIBUTE_VALUE_INVALID",
	uint(pkcs11.CKR_TEMPLATE_INCONSISTENT):        "TEMPLATE_INCONSISTENT",
	uint(pkcs11.CKR_USER_NOT_LOGGED_IN):           "USER_NOT_LOGGED_IN",
	uint(pkcs11.CKR_SIGNATURE_INVALID):            "SIGNATURE_INVALID",
	uint(pkcs11.CKR_SESSION_READ_ONLY):            "SESSION_READ_ONLY",
	uint(pkcs11.CKR_OBJECT_HANDLE_INVALID):        "OBJECT_HANDLE_INVALID",
	NotFound:         "NOT_FOUND",
	ActionProhibited: "ACTION_PROHIBITED",
}

// CodeName returns a human-readable name for a stable wire error code, or
// its hex value if unrecognized.
func CodeName(code uint) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", code)
}

// Error is the one error type returned across every entry point in this
// module, carrying the stable wire code spec §6/§7 requires. Need is only
// meaningful when Code is CKR_BUFFER_TOO_SMALL: it is the buffer size the
// caller must retry with.
type Error struct {
	Code uint
	Msg  string
	Need int
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return CodeName(e.Code)
	}
	return fmt.Sprintf("%s: %s", CodeName(e.Code), e.Msg)
}

// WireCode returns the stable code callers across the control-buffer
// boundary see. It lets collaborators such as src/logger format this code
// into a log line by duck-typing against a one-method interface instead of
// importing this package.
func (e *Error) WireCode() uint {
	return e.Code
}

// New builds an *Error with the given code and formatted message.
func New(code uint, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ShortBuffer builds the one error variant that carries a retry size.
func ShortBuffer(need int) *Error {
	return &Error{Code: uint(pkcs11.CKR_BUFFER_TOO_SMALL), Need: need}
}

// CodeOf extracts the wire code from err, defaulting to GENERAL_ERROR for
// any error not produced by this package (a programmer error: every path
// through this service should return an *Error).
func CodeOf(err error) uint {
	if err == nil {
		return uint(pkcs11.CKR_OK)
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return uint(pkcs11.CKR_GENERAL_ERROR)
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code uint) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
