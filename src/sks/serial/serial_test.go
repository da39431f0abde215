// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"encoding/binary"
	"testing"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/attrs"
)

func TestUint32Underrun(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.Uint32(); !abi.Is(err, argBad) {
		t.Errorf("Uint32() on a 3-byte buffer = %v; want BAD_PARAM", err)
	}
}

func TestUint32RoundTrip(t *testing.T) {
	r := NewReader([]byte{0x78, 0x56, 0x34, 0x12})
	got, err := r.Uint32()
	if err != nil {
		t.Fatalf("Uint32() = _, %v; want nil", err)
	}
	if got != 0x12345678 {
		t.Errorf("Uint32() = 0x%x; want 0x12345678", got)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d; want 0", r.Remaining())
	}
}

func TestAttributeRoundTrip(t *testing.T) {
	var buf []byte
	var idBuf, sizeBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(abi.AttrLabel))
	binary.LittleEndian.PutUint32(sizeBuf[:], 3)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, "abc"...)

	r := NewReader(buf)
	id, value, err := r.Attribute()
	if err != nil {
		t.Fatalf("Attribute() = _, _, %v; want nil", err)
	}
	if id != abi.AttrLabel {
		t.Errorf("id = %d; want %d", id, abi.AttrLabel)
	}
	if string(value) != "abc" {
		t.Errorf("value = %q; want %q", value, "abc")
	}
}

func TestBlobRoundTripsThroughMarshal(t *testing.T) {
	src := attrs.New()
	if err := src.Add(abi.AttrClass, []byte{4, 0, 0, 0}); err != nil {
		t.Fatalf("Add(CLASS) = %v", err)
	}
	if err := src.Add(abi.AttrKeyType, []byte{1, 0, 0, 0}); err != nil {
		t.Fatalf("Add(KEY_TYPE) = %v", err)
	}
	if err := src.Add(abi.AttrExtractable, []byte{1}); err != nil {
		t.Fatalf("Add(EXTRACTABLE) = %v", err)
	}
	if err := src.Add(abi.AttrLabel, []byte("my-key")); err != nil {
		t.Fatalf("Add(LABEL) = %v", err)
	}

	wire := src.Marshal()
	got, err := NewReader(wire).Blob()
	if err != nil {
		t.Fatalf("Blob() = _, %v; want nil", err)
	}

	if c, ok := got.Class(); !ok || c != abi.ClassSecretKey {
		t.Errorf("Class() = %v, %v; want %v, true", c, ok, abi.ClassSecretKey)
	}
	if !got.Bool(abi.AttrExtractable) {
		t.Errorf("EXTRACTABLE should round-trip as true")
	}
	label, ok := got.Pointer(abi.AttrLabel)
	if !ok || string(label) != "my-key" {
		t.Errorf("LABEL = %q, %v; want %q, true", label, ok, "my-key")
	}
}

func TestBlobRoundTripPreservesOmittedAttributes(t *testing.T) {
	src := attrs.New()
	if err := src.Add(abi.AttrLabel, []byte("my-key")); err != nil {
		t.Fatalf("Add(LABEL) = %v", err)
	}

	wire := src.Marshal()
	got, err := NewReader(wire).Blob()
	if err != nil {
		t.Fatalf("Blob() = _, %v; want nil", err)
	}

	if _, ok := got.Class(); ok {
		t.Errorf("Class() reported present on a blob that never set CLASS")
	}
	if _, ok := got.KeyType(); ok {
		t.Errorf("KeyType() reported present on a blob that never set KEY_TYPE")
	}
	if got.BoolIsSet(abi.AttrExtractable) {
		t.Errorf("BoolIsSet(EXTRACTABLE) reported present on a blob that never set it")
	}

	ref := attrs.New()
	if err := ref.Add(abi.AttrLabel, []byte("my-key")); err != nil {
		t.Fatalf("Add(LABEL) = %v", err)
	}
	if !got.MatchesReference(ref) {
		t.Errorf("MatchesReference should succeed: ref only constrains on LABEL, which matches, and never asks about CLASS/KEY_TYPE/booleans the candidate never set")
	}
}

func TestBlobRejectsTruncatedBuffer(t *testing.T) {
	src := attrs.New()
	if err := src.Add(abi.AttrLabel, []byte("abcdef")); err != nil {
		t.Fatalf("Add(LABEL) = %v", err)
	}
	wire := src.Marshal()
	truncated := wire[:len(wire)-2]

	if _, err := NewReader(truncated).Blob(); err == nil {
		t.Errorf("Blob() on a truncated buffer = nil error; want BAD_PARAM")
	}
}

func TestAligned4(t *testing.T) {
	tests := []struct {
		n    int
		want bool
	}{{0, true}, {4, true}, {8, true}, {1, false}, {6, false}}
	for _, test := range tests {
		if got := Aligned4(test.n); got != test.want {
			t.Errorf("Aligned4(%d) = %v; want %v", test.n, got, test.want)
		}
	}
}
