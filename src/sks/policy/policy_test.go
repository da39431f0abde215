// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/attrs"
)

func aesSecretTemplate(t *testing.T) *attrs.Blob {
	t.Helper()
	b := attrs.New()
	if err := b.AddUint32(abi.AttrClass, uint32(abi.ClassSecretKey)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddUint32(abi.AttrKeyType, uint32(abi.KeyTypeAES)); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCreateAttributesFromTemplateFillsDefaults(t *testing.T) {
	tmpl := aesSecretTemplate(t)
	if err := CreateAttributesFromTemplate(tmpl, FunctionGenerate); err != nil {
		t.Fatalf("CreateAttributesFromTemplate() = %v; want nil", err)
	}
	if !tmpl.Bool(abi.AttrLocal) {
		t.Errorf("LOCAL should default to true for FunctionGenerate")
	}
	if !tmpl.Bool(abi.AttrEncrypt) || !tmpl.Bool(abi.AttrDecrypt) {
		t.Errorf("AES secret keys should default ENCRYPT/DECRYPT to true")
	}
	if tmpl.Bool(abi.AttrSign) {
		t.Errorf("AES secret keys should default SIGN to false")
	}
}

func TestCreateAttributesFromTemplateRejectsMissingClass(t *testing.T) {
	tmpl := attrs.New()
	if err := CreateAttributesFromTemplate(tmpl, FunctionGenerate); err == nil {
		t.Errorf("CreateAttributesFromTemplate with no CLASS = nil error; want TEMPLATE_INCONSISTENT")
	}
}

func TestCreateAttributesFromTemplateRejectsComputedAttribute(t *testing.T) {
	tmpl := aesSecretTemplate(t)
	if err := tmpl.AddBool(abi.AttrLocal, true); err != nil {
		t.Fatal(err)
	}
	if err := CreateAttributesFromTemplate(tmpl, FunctionGenerate); err == nil {
		t.Errorf("template supplying LOCAL itself should be rejected")
	}
}

func TestCreateAttributesFromTemplateRejectsDuplicateEntry(t *testing.T) {
	tmpl := aesSecretTemplate(t)
	mustAddLabel := func(v string) {
		if err := tmpl.Add(abi.AttrLabel, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	mustAddLabel("first")
	mustAddLabel("second")

	if err := CreateAttributesFromTemplate(tmpl, FunctionGenerate); err == nil {
		t.Errorf("template with a duplicated LABEL should be rejected")
	}
}

func TestCheckCreatedAgainstMechanism(t *testing.T) {
	tmpl := aesSecretTemplate(t)
	if err := CreateAttributesFromTemplate(tmpl, FunctionGenerate); err != nil {
		t.Fatal(err)
	}

	if err := CheckCreatedAgainstMechanism(tmpl, abi.MechAESKeyGen); err != nil {
		t.Errorf("AES template against AES_KEY_GEN = %v; want nil", err)
	}
	if err := CheckCreatedAgainstMechanism(tmpl, abi.MechGenericSecretKeyGen); err == nil {
		t.Errorf("AES template against GENERIC_SECRET_KEY_GEN = nil; want KEY_TYPE_INCONSISTENT")
	}
}

func TestCheckCreatedAgainstToken(t *testing.T) {
	tmpl := aesSecretTemplate(t)
	if err := tmpl.AddBool(abi.AttrToken, true); err != nil {
		t.Fatal(err)
	}

	if err := CheckCreatedAgainstToken(tmpl, TokenState{ReadWrite: false}); err == nil {
		t.Errorf("token object on a read-only session should be rejected")
	}
	if err := CheckCreatedAgainstToken(tmpl, TokenState{ReadWrite: true}); err != nil {
		t.Errorf("token object on a read/write session = %v; want nil", err)
	}
}

func TestCheckParentAgainstProcessing(t *testing.T) {
	parent := aesSecretTemplate(t)
	if err := CreateAttributesFromTemplate(parent, FunctionGenerate); err != nil {
		t.Fatal(err)
	}

	if err := CheckParentAgainstProcessing(parent, abi.MechAESGCM, FunctionEncrypt); err != nil {
		t.Errorf("AES key against AES_GCM/Encrypt = %v; want nil", err)
	}
	if err := CheckParentAgainstProcessing(parent, abi.MechAESGCM, FunctionSign); err == nil {
		t.Errorf("AES key without SIGN set against FunctionSign = nil; want KEY_FUNCTION_NOT_PERMITTED")
	}
	if err := CheckParentAgainstProcessing(parent, abi.MechSHA256HMAC, FunctionEncrypt); err == nil {
		t.Errorf("AES key against SHA256_HMAC = nil; want KEY_TYPE_INCONSISTENT")
	}
}

func TestCheckParentAgainstToken(t *testing.T) {
	parent := aesSecretTemplate(t)
	if err := parent.AddBool(abi.AttrPrivate, true); err != nil {
		t.Fatal(err)
	}

	if err := CheckParentAgainstToken(parent, TokenState{LoggedIn: false}); err == nil {
		t.Errorf("private parent key with no login = nil; want USER_NOT_LOGGED_IN")
	}
	if err := CheckParentAgainstToken(parent, TokenState{LoggedIn: true}); err != nil {
		t.Errorf("private parent key with login = %v; want nil", err)
	}
}
