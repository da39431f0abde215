// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"github.com/lowRISC/sks-core/src/sks/object"
	"github.com/lowRISC/sks-core/src/sks/serial"
)

// EncryptInit implements entry_cipher_init's encrypt direction
// (processing.c:425-596): ctrl is
// {session:u32, key:u32, mechanism-param:attribute}, where the
// attribute's own id is the mechanism id.
func (c *Core) EncryptInit(ctrl []byte) error {
	return c.cipherInit(ctrl, true)
}

// DecryptInit implements entry_cipher_init's decrypt direction.
func (c *Core) DecryptInit(ctrl []byte) error {
	return c.cipherInit(ctrl, false)
}

func (c *Core) cipherInit(ctrl []byte, encrypt bool) error {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return err
	}
	session := object.SessionID(sessU32)
	keyU32, err := r.Uint32()
	if err != nil {
		return err
	}
	mech, param, err := r.Attribute()
	if err != nil {
		return err
	}
	state, err := c.tokenState(session)
	if err != nil {
		return err
	}
	s := c.eng.Session(session)
	if encrypt {
		return s.EncryptInit(object.Handle(keyU32), mech, param, state)
	}
	return s.DecryptInit(object.Handle(keyU32), mech, param, state)
}

// CipherUpdate implements entry_cipher_update (processing.c:603-673):
// ctrl is {session:u32, inLen:u32, in:[inLen]byte}; produced bytes are
// written into out, exactly as the Processing Engine returns them
// (zero for any CCM/GCM update — SPEC_FULL.md §6 Open Question (a)).
func (c *Core) CipherUpdate(ctrl, out []byte) (int, error) {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	inLen, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	in, err := r.Bytes(int(inLen))
	if err != nil {
		return 0, err
	}
	return c.eng.Session(object.SessionID(sessU32)).CipherUpdate(in, out)
}

// CipherFinal implements entry_cipher_final (processing.c:680-756):
// ctrl is {session:u32}; the operation's remainder is flushed into out.
func (c *Core) CipherFinal(ctrl, out []byte) (int, error) {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	return c.eng.Session(object.SessionID(sessU32)).CipherFinal(out)
}

// SignInit implements entry_signverify_init's sign direction: ctrl is
// {session:u32, key:u32, mechanism-param:attribute}.
func (c *Core) SignInit(ctrl []byte) error {
	return c.macInit(ctrl, true)
}

// VerifyInit implements entry_signverify_init's verify direction.
func (c *Core) VerifyInit(ctrl []byte) error {
	return c.macInit(ctrl, false)
}

func (c *Core) macInit(ctrl []byte, sign bool) error {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return err
	}
	session := object.SessionID(sessU32)
	keyU32, err := r.Uint32()
	if err != nil {
		return err
	}
	mech, param, err := r.Attribute()
	if err != nil {
		return err
	}
	state, err := c.tokenState(session)
	if err != nil {
		return err
	}
	s := c.eng.Session(session)
	if sign {
		return s.SignInit(object.Handle(keyU32), mech, param, state)
	}
	return s.VerifyInit(object.Handle(keyU32), mech, param, state)
}

// SignUpdate/VerifyUpdate implement entry_signverify_update: ctrl is
// {session:u32, inLen:u32, in:[inLen]byte}.
func (c *Core) SignUpdate(ctrl []byte) error {
	session, in, err := decodeSessionAndData(ctrl)
	if err != nil {
		return err
	}
	return c.eng.Session(session).SignUpdate(in)
}

func (c *Core) VerifyUpdate(ctrl []byte) error {
	session, in, err := decodeSessionAndData(ctrl)
	if err != nil {
		return err
	}
	return c.eng.Session(session).VerifyUpdate(in)
}

func decodeSessionAndData(ctrl []byte) (object.SessionID, []byte, error) {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return 0, nil, err
	}
	n, err := r.Uint32()
	if err != nil {
		return 0, nil, err
	}
	data, err := r.Bytes(int(n))
	if err != nil {
		return 0, nil, err
	}
	return object.SessionID(sessU32), data, nil
}

// SignFinal implements entry_signverify_final's sign direction: ctrl is
// {session:u32}; the tag is written into out.
func (c *Core) SignFinal(ctrl, out []byte) (int, error) {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	return c.eng.Session(object.SessionID(sessU32)).SignFinal(out)
}

// VerifyFinal implements entry_signverify_final's verify direction:
// ctrl is {session:u32, tagLen:u32, tag:[tagLen]byte}.
func (c *Core) VerifyFinal(ctrl []byte) error {
	session, tag, err := decodeSessionAndData(ctrl)
	if err != nil {
		return err
	}
	return c.eng.Session(session).VerifyFinal(tag)
}
