// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/attrs"
	"github.com/lowRISC/sks-core/src/sks/object"
	"github.com/lowRISC/sks-core/src/sks/policy"
)

// createRecord lands a sanitized, fully-checked template into the
// Object Store as either a token or session object, depending on the
// template's own TOKEN attribute (object.h's create_object picks the
// same way from SKS_CKA_TOKEN).
func (e *Engine) createRecord(session object.SessionID, tmpl *attrs.Blob) object.Handle {
	if tmpl.Bool(abi.AttrToken) {
		return e.store.CreateTokenObject(tmpl)
	}
	return e.store.CreateSessionObject(session, tmpl)
}

// ImportObject implements entry_import_object (processing.c:49-160):
// sanitize tmpl under IMPORT, require a caller-supplied VALUE, check
// the token/session state, then create the object. No mechanism is
// associated with an import, so rule 2 (CheckCreatedAgainstMechanism)
// never applies here.
func (e *Engine) ImportObject(session object.SessionID, tmpl *attrs.Blob, state policy.TokenState) (object.Handle, error) {
	if err := policy.CreateAttributesFromTemplate(tmpl, policy.FunctionImport); err != nil {
		return 0, err
	}
	if _, ok := tmpl.Pointer(abi.AttrValue); !ok {
		return 0, abi.New(uint(pkcs11.CKR_TEMPLATE_INCONSISTENT), "import requires a VALUE attribute")
	}
	if err := policy.CheckCreatedAgainstToken(tmpl, state); err != nil {
		return 0, err
	}
	return e.createRecord(session, tmpl), nil
}

// GenerateObject implements entry_generate_object's
// generate_random_key_value path (processing.c:758-791): sanitize tmpl
// under GENERATE, check it against mech and the token/session state,
// read VALUE_LEN, fill VALUE with that many secure-random bytes, scrub
// the intermediate buffer, then create the object.
func (e *Engine) GenerateObject(session object.SessionID, mech uint, tmpl *attrs.Blob, state policy.TokenState) (object.Handle, error) {
	if err := policy.CreateAttributesFromTemplate(tmpl, policy.FunctionGenerate); err != nil {
		return 0, err
	}
	if err := policy.CheckCreatedAgainstMechanism(tmpl, mech); err != nil {
		return 0, err
	}
	if err := policy.CheckCreatedAgainstToken(tmpl, state); err != nil {
		return 0, err
	}

	lenBytes, ok := tmpl.Pointer(abi.AttrValueLen)
	if !ok || len(lenBytes) != 4 {
		return 0, abi.New(uint(pkcs11.CKR_ATTRIBUTE_VALUE_INVALID), "GENERATE requires a 4-byte VALUE_LEN attribute")
	}
	valueLen := binary.LittleEndian.Uint32(lenBytes)

	value, err := e.prov.Random(int(valueLen))
	if err != nil {
		return 0, mapProviderErr(err)
	}
	addErr := tmpl.Add(abi.AttrValue, value)
	zero(value)
	if addErr != nil {
		return 0, addErr
	}

	return e.createRecord(session, tmpl), nil
}

// DestroyObject removes handle from the store (object.h's
// destroy_object); it is exposed here rather than requiring core to
// reach into the store directly, purely for call-site symmetry with
// ImportObject/GenerateObject. The busy-refusal rule lives in
// object.Store.Destroy itself.
func (e *Engine) DestroyObject(session object.SessionID, handle object.Handle, sessionOnly bool) error {
	return e.store.Destroy(handle, session, sessionOnly)
}
