// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the Policy Gate: template sanitation on
// object creation, creation-vs-mechanism and creation-vs-token-state
// checks, and parent-key-vs-mechanism/token checks. Grounded on
// processing.c's call sites for create_attributes_from_template,
// check_created_attrs_against_processing, check_created_attrs_against_token,
// check_parent_attrs_against_processing and check_parent_attrs_against_token
// (processing.c:104-122, 487-495, 850-866, 980-988) — the bodies of these
// functions were not retrieved, so this package's rule tables are
// reconstructed from spec.md §4.D plus those call sites' ordering and
// error codes.
package policy

import (
	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/attrs"
	"github.com/lowRISC/sks-core/src/sks/mechanism"
)

// Function names the PKCS#11 function space a creation template is
// sanitized for (rule 1), and the operation a parent key is checked
// against (rule 4). Derive and Copy are named but never reach a
// complete engine pipeline (spec.md Non-goals).
type Function int

const (
	FunctionImport Function = iota
	FunctionGenerate
	FunctionDerive
	FunctionCopy

	FunctionEncrypt
	FunctionDecrypt
	FunctionSign
	FunctionVerify
	FunctionWrap
	FunctionUnwrap
)

// TokenState is the subset of session/login state rules 3 and 5 need.
// Core constructs one from its session bookkeeping; this package never
// looks beyond these two fields.
type TokenState struct {
	ReadWrite bool // session is R/W, required to create a token object
	LoggedIn  bool // a USER is logged in, required for private objects
}

// defaults lists, per key type, which boolean attributes get a
// default value when absent from the template, and that default. LOCAL
// is true for GENERATE-created objects and false for every other
// function; ALWAYS_SENSITIVE
// and NEVER_EXTRACTABLE track whether the template's own
// SENSITIVE/EXTRACTABLE choices match TEE_Panic-level invariants used
// upstream in this family of TAs: ALWAYS_SENSITIVE defaults to
// SENSITIVE's value, NEVER_EXTRACTABLE to !EXTRACTABLE.
type defaults struct {
	token        bool
	private      bool
	modifiable   bool
	sensitive    bool
	extractable  bool
	encrypt      bool
	decrypt      bool
	sign         bool
	verify       bool
}

func defaultsFor(class uint, keyType uint) defaults {
	d := defaults{modifiable: true, extractable: true}
	if class == abi.ClassSecretKey {
		switch keyType {
		case abi.KeyTypeAES:
			d.encrypt, d.decrypt = true, true
		case abi.KeyTypeGenericSecret,
			abi.KeyTypeMD5HMAC, abi.KeyTypeSHA1HMAC, abi.KeyTypeSHA224HMAC,
			abi.KeyTypeSHA256HMAC, abi.KeyTypeSHA384HMAC, abi.KeyTypeSHA512HMAC:
			d.sign, d.verify = true, true
		}
	}
	return d
}

// mandatory lists the attributes that must be present in the sanitized
// blob by the time CreateAttributesFromTemplate returns (spec §4.D
// rule 1's "every mandatory attribute ... is present").
var mandatory = []uint{abi.AttrClass, abi.AttrKeyType}

// permittedForFunction reports whether attribute id may appear in a
// caller-supplied template submitted for fn. The two derived read-only
// attributes (ALWAYS_SENSITIVE, NEVER_EXTRACTABLE) and LOCAL are
// rejected if supplied by the caller for any function, since the gate
// itself computes them; everything else (bookkeeping and boolean
// attributes) is permitted for every creation function this service
// supports.
func permittedForFunction(id uint, fn Function) bool {
	switch id {
	case abi.AttrLocal, abi.AttrAlwaysSensitive, abi.AttrNeverExtractable:
		return false
	}
	return true
}

// checkEntries rejects duplicate occurrences of any regular attribute
// (rule 1's "rejects duplicate attributes" — boolean/class/key-type
// attributes can never appear twice, since they live in dedicated
// header fields, not regular entries) and rejects any attribute this
// function may not receive from a caller.
func checkEntries(tmpl *attrs.Blob, fn Function) error {
	counts := make(map[uint]int)
	for _, e := range tmpl.Entries() {
		counts[e.ID]++
		if counts[e.ID] > 1 {
			return abi.New(uint(pkcs11.CKR_TEMPLATE_INCONSISTENT), "attribute %d occurs more than once", e.ID)
		}
		if !permittedForFunction(e.ID, fn) {
			return abi.New(uint(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID), "attribute %d is not permitted for this function", e.ID)
		}
	}
	return nil
}

// CreateAttributesFromTemplate sanitizes tmpl for fn in place: rejects
// duplicate attributes, rejects attributes not permitted for fn, fills
// in defaults, and requires CLASS/KEY_TYPE to be present by the end
// (rule 1). tmpl must already have been decoded by package serial.
func CreateAttributesFromTemplate(tmpl *attrs.Blob, fn Function) error {
	class, hasClass := tmpl.Class()
	if !hasClass {
		return abi.New(uint(pkcs11.CKR_TEMPLATE_INCONSISTENT), "template has no CLASS attribute")
	}
	keyType, hasKeyType := tmpl.KeyType()
	if !hasKeyType {
		return abi.New(uint(pkcs11.CKR_TEMPLATE_INCONSISTENT), "template has no KEY_TYPE attribute")
	}

	for _, id := range []uint{abi.AttrLocal, abi.AttrAlwaysSensitive, abi.AttrNeverExtractable} {
		if tmpl.BoolIsSet(id) {
			return abi.New(uint(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID), "attribute %d is computed by the gate, not caller-suppliable", id)
		}
	}
	if err := checkEntries(tmpl, fn); err != nil {
		return err
	}

	d := defaultsFor(class, keyType)
	setBoolDefault(tmpl, abi.AttrToken, d.token)
	setBoolDefault(tmpl, abi.AttrPrivate, d.private)
	setBoolDefault(tmpl, abi.AttrModifiable, d.modifiable)
	setBoolDefault(tmpl, abi.AttrSensitive, d.sensitive)
	setBoolDefault(tmpl, abi.AttrExtractable, d.extractable)
	setBoolDefault(tmpl, abi.AttrEncrypt, d.encrypt)
	setBoolDefault(tmpl, abi.AttrDecrypt, d.decrypt)
	setBoolDefault(tmpl, abi.AttrSign, d.sign)
	setBoolDefault(tmpl, abi.AttrVerify, d.verify)

	if err := tmpl.AddBool(abi.AttrLocal, fn == FunctionGenerate); err != nil {
		return err
	}
	if err := tmpl.AddBool(abi.AttrAlwaysSensitive, tmpl.Bool(abi.AttrSensitive)); err != nil {
		return err
	}
	if err := tmpl.AddBool(abi.AttrNeverExtractable, !tmpl.Bool(abi.AttrExtractable)); err != nil {
		return err
	}

	for _, id := range mandatory {
		if _, ok := tmpl.Pointer(id); !ok {
			return abi.New(uint(pkcs11.CKR_TEMPLATE_INCONSISTENT), "mandatory attribute %d missing after sanitation", id)
		}
	}
	return nil
}

func setBoolDefault(b *attrs.Blob, id uint, def bool) {
	if b.BoolIsSet(id) {
		return
	}
	b.AddBool(id, def)
}

// CheckCreatedAgainstMechanism asserts that the sanitized blob's
// class/key-type pairing is producible by mech (rule 2): AES_KEY_GEN
// only yields AES secret keys, GENERIC_SECRET_KEY_GEN only yields
// generic secret keys.
func CheckCreatedAgainstMechanism(blob *attrs.Blob, mech uint) error {
	entry, ok := mechanism.Lookup(mech)
	if !ok || entry.Family != mechanism.FamilyKeyGen {
		return abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "mechanism %d does not create objects", mech)
	}
	class, _ := blob.Class()
	if class != abi.ClassSecretKey {
		return abi.New(uint(pkcs11.CKR_KEY_TYPE_INCONSISTENT), "mechanism %d only produces secret keys", mech)
	}
	keyType, _ := blob.KeyType()
	if !entry.AllowsKeyType(keyType) {
		return abi.New(uint(pkcs11.CKR_KEY_TYPE_INCONSISTENT), "mechanism %d cannot produce key type %d", mech, keyType)
	}
	return nil
}

// CheckCreatedAgainstToken asserts the new object's TOKEN/PRIVATE
// attributes are legal given the session's state (rule 3).
func CheckCreatedAgainstToken(blob *attrs.Blob, state TokenState) error {
	if blob.Bool(abi.AttrToken) && !state.ReadWrite {
		return abi.New(uint(pkcs11.CKR_SESSION_READ_ONLY), "token object requires a read/write session")
	}
	if blob.Bool(abi.AttrPrivate) && !state.LoggedIn {
		return abi.New(uint(pkcs11.CKR_USER_NOT_LOGGED_IN), "private object requires a logged-in user")
	}
	return nil
}

// usageBit maps a parent-key Function to the attribute id that must be
// set on the parent key for that function to be permitted (rule 4).
func usageBit(fn Function) (uint, bool) {
	switch fn {
	case FunctionEncrypt:
		return abi.AttrEncrypt, true
	case FunctionDecrypt:
		return abi.AttrDecrypt, true
	case FunctionSign:
		return abi.AttrSign, true
	case FunctionVerify:
		return abi.AttrVerify, true
	case FunctionWrap:
		return abi.AttrWrap, true
	case FunctionUnwrap:
		return abi.AttrUnwrap, true
	case FunctionDerive:
		return abi.AttrDerive, true
	default:
		return 0, false
	}
}

// CheckParentAgainstProcessing asserts the parent key may be used for
// fn under mech: the usage bit matching fn must be set, and the key's
// type must be one mech accepts (rule 4).
func CheckParentAgainstProcessing(parent *attrs.Blob, mech uint, fn Function) error {
	entry, ok := mechanism.Lookup(mech)
	if !ok {
		return abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "unknown mechanism %d", mech)
	}
	bit, ok := usageBit(fn)
	if ok && !parent.Bool(bit) {
		return abi.New(uint(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED), "parent key is not permitted for this function")
	}
	keyType, _ := parent.KeyType()
	if !entry.AllowsKeyType(keyType) {
		return abi.New(uint(pkcs11.CKR_KEY_TYPE_INCONSISTENT), "parent key type %d is incompatible with mechanism %d", keyType, mech)
	}
	return nil
}

// CheckParentAgainstToken asserts a private parent key requires a
// logged-in user (rule 5).
func CheckParentAgainstToken(parent *attrs.Blob, state TokenState) error {
	if parent.Bool(abi.AttrPrivate) && !state.LoggedIn {
		return abi.New(uint(pkcs11.CKR_USER_NOT_LOGGED_IN), "private key requires a logged-in user")
	}
	return nil
}
