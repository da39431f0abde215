// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the Processing Engine: a per-session state
// machine (READY, ENCRYPTING, DECRYPTING, SIGNING, VERIFYING) that
// drives the CRYPTO PROVIDER through one mechanism's init/update/final
// sequence, gated by the Policy Gate and resolved against the Object
// Store. Grounded almost one-to-one on processing.c's entry_cipher_init/
// _update/_final, entry_signverify_init/_update/_final and
// release_active_processing (processing.c:22-47, 425-756).
package engine

import (
	"crypto/subtle"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/logger"
	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/mechanism"
	"github.com/lowRISC/sks-core/src/sks/object"
	"github.com/lowRISC/sks-core/src/sks/policy"
	"github.com/lowRISC/sks-core/src/sks/provider"
)

// State names the five processing states a session may be in
// (spec.md §4.E / §5).
type State int

const (
	StateReady State = iota
	StateEncrypting
	StateDecrypting
	StateSigning
	StateVerifying
)

// Engine owns the per-session processing state for every session
// talking to one Object Store through one Provider. It is safe for
// concurrent use across distinct sessions; a single session's own
// methods are not internally synchronized, matching spec §5's
// single-threaded-per-session model (the caller, src/sks/core, never
// lets two goroutines drive the same session handle at once).
type Engine struct {
	store *object.Store
	prov  provider.Provider
	log   logger.Logger

	mu       sync.Mutex
	sessions map[object.SessionID]*Session
}

// New returns an Engine driving prov and resolving keys through store.
// log may be nil, in which case the engine logs nothing.
func New(store *object.Store, prov provider.Provider, log logger.Logger) *Engine {
	return &Engine{
		store:    store,
		prov:     prov,
		log:      log,
		sessions: make(map[object.SessionID]*Session),
	}
}

// Session returns the processing state for id, creating it (in state
// READY) on first use.
func (e *Engine) Session(id object.SessionID) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &Session{id: id, store: e.store, prov: e.prov, log: e.log, state: StateReady, mech: abi.Undefined}
		e.sessions[id] = s
	}
	return s
}

// CloseSession tears down any active processing on id, then releases
// every session object id owns and its open find cursor (spec §5: "A
// session shutdown ... forces the processing state back to READY
// ... before releasing records").
func (e *Engine) CloseSession(id object.SessionID) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()

	if ok {
		s.releaseActive()
	}
	e.store.DestroySession(id)
}

// Session is one session's processing state: at most one active cipher
// or MAC operation at a time, bound to exactly one key object and one
// mechanism for its lifetime.
type Session struct {
	id    object.SessionID
	store *object.Store
	prov  provider.Provider
	log   logger.Logger

	state     State
	mech      uint
	op        provider.OpHandle
	keyHandle object.Handle
	macLen    int // >0 only for AES_CMAC_GENERAL's truncated tag length
}

func isAEMechanism(mech uint) bool {
	return mech == abi.MechAESCCM || mech == abi.MechAESGCM
}

// releaseActive tears down whatever operation is bound to s and resets
// it to READY, matching release_active_processing's "always clear
// proc_id, free the provider op, force state back to READY" sequence
// (processing.c:22-47). It is safe to call on an already-READY session.
func (s *Session) releaseActive() {
	// Dispatch by the mechanism id that was actually active, not a
	// generic "is this AE" flag, mirroring release_active_processing's
	// own per-mechanism-id switch (processing.c:22-47). This provider's
	// AE operations carry no teardown beyond FreeOperation below, but
	// the dispatch shape is kept so a future AE mechanism with real
	// engine-side scratch has an obvious place to free it.
	switch s.mech {
	case abi.MechAESCCM, abi.MechAESGCM:
	}

	if s.op != nil {
		s.prov.FreeOperation(s.op)
		s.op = nil
	}
	if s.keyHandle != 0 {
		s.store.Unmark(s.keyHandle)
		s.keyHandle = 0
	}
	s.mech = abi.Undefined
	s.macLen = 0
	s.state = StateReady
}

func (s *Session) warn(err error) {
	if s.log != nil && err != nil {
		s.log.Warn(err)
	}
}

// mapProviderErr normalizes any error a Provider method returns into
// this service's one *abi.Error wire type (spec §9 Open Question (c)):
// Provider implementations are expected to already return *abi.Error,
// but a stray error from elsewhere (a Go stdlib/ecosystem call the
// provider didn't wrap) is reported as GENERAL_ERROR rather than
// leaking an unrecognized error type across the engine boundary.
func mapProviderErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*abi.Error); ok {
		return err
	}
	return abi.New(uint(pkcs11.CKR_GENERAL_ERROR), "provider error: %v", err)
}

func isShortBuffer(err error) bool {
	return abi.Is(err, uint(pkcs11.CKR_BUFFER_TOO_SMALL))
}

// rewriteNoBufferShortBuffer implements the supplemented buffer-presence
// rule from entry_cipher_update/entry_cipher_final
// (processing.c:663-672, 745-750): a SHORT_BUFFER result is only ever a
// usable "retry with a bigger buffer" signal when the caller supplied a
// buffer at all. A nil out means the caller passed no buffer whatsoever,
// which the original rewrites to BAD_PARAM instead.
func rewriteNoBufferShortBuffer(out []byte, err error) error {
	if isShortBuffer(err) && out == nil {
		return abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "no output buffer supplied")
	}
	return err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// loadParentKey lazily populates parent's provider-side transient key on
// first use (spec §4.E: "load the key into a provider transient object
// if not already loaded"), then caches the handle on the record so later
// operations against the same object skip re-population.
func loadParentKey(prov provider.Provider, parent *object.Record) (provider.KeyHandle, error) {
	if parent.ProviderKey != nil {
		return parent.ProviderKey, nil
	}
	value, ok := parent.Blob.Pointer(abi.AttrValue)
	if !ok {
		return nil, abi.New(uint(pkcs11.CKR_GENERAL_ERROR), "key object has no VALUE attribute")
	}
	keyType, _ := parent.Blob.KeyType()
	kh, err := prov.AllocateKey(keyType, len(value)*8)
	if err != nil {
		return nil, mapProviderErr(err)
	}
	if err := prov.PopulateKey(kh, value); err != nil {
		return nil, mapProviderErr(err)
	}
	parent.ProviderKey = kh
	return kh, nil
}

// EncryptInit begins an encrypt operation against keyHandle under mech,
// with the mechanism-parameter bytes exactly as read from the control
// buffer's one-attribute blob (its id equal to mech; see package
// serial's Attribute).
func (s *Session) EncryptInit(keyHandle object.Handle, mech uint, param []byte, state policy.TokenState) error {
	return s.cipherInit(provider.ModeEncrypt, policy.FunctionEncrypt, keyHandle, mech, param, state)
}

// DecryptInit begins a decrypt operation; see EncryptInit.
func (s *Session) DecryptInit(keyHandle object.Handle, mech uint, param []byte, state policy.TokenState) error {
	return s.cipherInit(provider.ModeDecrypt, policy.FunctionDecrypt, keyHandle, mech, param, state)
}

func (s *Session) cipherInit(mode provider.Mode, fn policy.Function, keyHandle object.Handle, mech uint, param []byte, state policy.TokenState) error {
	if s.state != StateReady {
		return abi.New(uint(pkcs11.CKR_OPERATION_ACTIVE), "session %d already has an active operation", s.id)
	}
	if mode == provider.ModeEncrypt {
		s.state = StateEncrypting
	} else {
		s.state = StateDecrypting
	}

	entry, ok := mechanism.Lookup(mech)
	if !ok || entry.Family != mechanism.FamilyCipher {
		err := abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "mechanism %d is not a cipher mechanism", mech)
		s.warn(err)
		s.releaseActive()
		return err
	}

	parent, ok := s.store.Handle2Object(keyHandle, s.id)
	if !ok {
		err := abi.New(uint(pkcs11.CKR_KEY_HANDLE_INVALID), "no such key object %d", keyHandle)
		s.warn(err)
		s.releaseActive()
		return err
	}

	if err := policy.CheckParentAgainstProcessing(parent.Blob, mech, fn); err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}
	if err := policy.CheckParentAgainstToken(parent.Blob, state); err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}

	parsedParam, err := parseCipherParam(entry, mech, param)
	if err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}

	kh, err := loadParentKey(s.prov, parent)
	if err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}

	op, err := s.prov.AllocateOperation(entry.Alg, mode)
	if err != nil {
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}
	if err := s.prov.SetOperationKey(op, kh); err != nil {
		s.prov.FreeOperation(op)
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}

	if isAEMechanism(mech) {
		err = s.prov.AEInit(op, parsedParam)
	} else {
		err = s.prov.CipherInit(op, parsedParam)
	}
	if err != nil {
		s.prov.FreeOperation(op)
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}

	s.mech = mech
	s.op = op
	s.keyHandle = keyHandle
	s.store.MarkBusy(keyHandle)
	return nil
}

// CipherUpdate feeds in through the active cipher/AE operation. For
// CCM/GCM, every update — encrypt or decrypt — is fed to the provider's
// one-shot AE accumulator and always reports zero bytes produced; actual
// ciphertext/plaintext only appears from CipherFinal (spec §4.E, §9 Open
// Question (a)).
func (s *Session) CipherUpdate(in, out []byte) (int, error) {
	if s.state != StateEncrypting && s.state != StateDecrypting {
		return 0, abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no cipher operation is active on session %d", s.id)
	}
	if isAEMechanism(s.mech) && in != nil && len(in) == 0 {
		return 0, nil
	}

	var n int
	var err error
	if isAEMechanism(s.mech) {
		n, err = s.prov.AEUpdate(s.op, in, out)
	} else {
		n, err = s.prov.CipherUpdate(s.op, in, out)
	}
	err = rewriteNoBufferShortBuffer(out, err)
	if err == nil {
		return n, nil
	}
	if isShortBuffer(err) {
		return 0, err
	}
	s.warn(err)
	s.releaseActive()
	return 0, mapProviderErr(err)
}

// CipherFinal flushes the active cipher/AE operation's remainder into
// out. SHORT_BUFFER is the one non-nil outcome that leaves the
// operation active so the caller can retry with a bigger buffer
// (processing.c:680-756's "if (rv != SKS_SHORT_BUFFER)
// release_active_processing(session)").
func (s *Session) CipherFinal(out []byte) (int, error) {
	if s.state != StateEncrypting && s.state != StateDecrypting {
		return 0, abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no cipher operation is active on session %d", s.id)
	}

	var n int
	var err error
	switch {
	case isAEMechanism(s.mech) && s.state == StateEncrypting:
		n, err = s.prov.AEFinalEncrypt(s.op, out)
	case isAEMechanism(s.mech):
		var plaintext []byte
		plaintext, err = s.prov.AEFinalDecrypt(s.op)
		if err == nil {
			if len(out) < len(plaintext) {
				err = abi.ShortBuffer(len(plaintext))
			} else {
				n = copy(out, plaintext)
			}
		}
	default:
		n, err = s.prov.CipherFinal(s.op, out)
	}

	err = rewriteNoBufferShortBuffer(out, err)
	if isShortBuffer(err) {
		return 0, err
	}
	if err != nil {
		s.warn(err)
		s.releaseActive()
		return 0, mapProviderErr(err)
	}
	s.releaseActive()
	return n, nil
}

// SignInit begins a MAC-sign operation.
func (s *Session) SignInit(keyHandle object.Handle, mech uint, param []byte, state policy.TokenState) error {
	return s.macInit(provider.ModeSign, policy.FunctionSign, StateSigning, keyHandle, mech, param, state)
}

// VerifyInit begins a MAC-verify operation.
func (s *Session) VerifyInit(keyHandle object.Handle, mech uint, param []byte, state policy.TokenState) error {
	return s.macInit(provider.ModeVerify, policy.FunctionVerify, StateVerifying, keyHandle, mech, param, state)
}

func (s *Session) macInit(mode provider.Mode, fn policy.Function, want State, keyHandle object.Handle, mech uint, param []byte, state policy.TokenState) error {
	if s.state != StateReady {
		return abi.New(uint(pkcs11.CKR_OPERATION_ACTIVE), "session %d already has an active operation", s.id)
	}
	s.state = want

	entry, ok := mechanism.Lookup(mech)
	if !ok || entry.Family != mechanism.FamilyMAC {
		err := abi.New(uint(pkcs11.CKR_MECHANISM_INVALID), "mechanism %d is not a MAC mechanism", mech)
		s.warn(err)
		s.releaseActive()
		return err
	}

	parent, ok := s.store.Handle2Object(keyHandle, s.id)
	if !ok {
		err := abi.New(uint(pkcs11.CKR_KEY_HANDLE_INVALID), "no such key object %d", keyHandle)
		s.warn(err)
		s.releaseActive()
		return err
	}

	if err := policy.CheckParentAgainstProcessing(parent.Blob, mech, fn); err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}
	if err := policy.CheckParentAgainstToken(parent.Blob, state); err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}

	macLen := 0
	if entry.HasStructuredParam {
		p, err := parseMACGeneralParam(param)
		if err != nil {
			s.warn(err)
			s.releaseActive()
			return err
		}
		macLen = int(p.Length)
	} else if len(param) != 0 {
		err := abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "mechanism %d takes no parameter", mech)
		s.warn(err)
		s.releaseActive()
		return err
	}

	kh, err := loadParentKey(s.prov, parent)
	if err != nil {
		s.warn(err)
		s.releaseActive()
		return err
	}

	op, err := s.prov.AllocateOperation(entry.Alg, mode)
	if err != nil {
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}
	if err := s.prov.SetOperationKey(op, kh); err != nil {
		s.prov.FreeOperation(op)
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}
	if err := s.prov.MACInit(op); err != nil {
		s.prov.FreeOperation(op)
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}

	s.mech = mech
	s.op = op
	s.keyHandle = keyHandle
	s.macLen = macLen
	s.store.MarkBusy(keyHandle)
	return nil
}

// SignUpdate feeds in into the active sign operation.
func (s *Session) SignUpdate(in []byte) error {
	if s.state != StateSigning {
		return abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no sign operation is active on session %d", s.id)
	}
	if err := s.prov.MACUpdate(s.op, in); err != nil {
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}
	return nil
}

// VerifyUpdate feeds in into the active verify operation.
func (s *Session) VerifyUpdate(in []byte) error {
	if s.state != StateVerifying {
		return abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no verify operation is active on session %d", s.id)
	}
	if err := s.prov.MACUpdate(s.op, in); err != nil {
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}
	return nil
}

// fullCMACTagBytes is the untruncated AES-CMAC tag size; AES_CMAC_GENERAL
// truncates to a caller-chosen prefix of this, never extends it.
const fullCMACTagBytes = 16

// SignFinal produces the MAC tag into out.
func (s *Session) SignFinal(out []byte) (int, error) {
	if s.state != StateSigning {
		return 0, abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no sign operation is active on session %d", s.id)
	}

	var n int
	var err error
	if s.macLen > 0 {
		full := make([]byte, fullCMACTagBytes)
		var got int
		got, err = s.prov.MACComputeFinal(s.op, full)
		if err == nil {
			if len(out) < s.macLen {
				err = abi.ShortBuffer(s.macLen)
			} else if got < s.macLen {
				err = abi.New(uint(pkcs11.CKR_MECHANISM_PARAM_INVALID), "requested MAC length %d exceeds the mechanism's tag size", s.macLen)
			} else {
				n = copy(out, full[:s.macLen])
			}
		}
	} else {
		n, err = s.prov.MACComputeFinal(s.op, out)
	}

	err = rewriteNoBufferShortBuffer(out, err)
	if isShortBuffer(err) {
		return 0, err
	}
	if err != nil {
		s.warn(err)
		s.releaseActive()
		return 0, mapProviderErr(err)
	}
	s.releaseActive()
	return n, nil
}

// VerifyFinal compares the active verify operation's MAC against tag,
// returning SIGNATURE_INVALID (not a short-buffer or provider error) on
// mismatch.
func (s *Session) VerifyFinal(tag []byte) error {
	if s.state != StateVerifying {
		return abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no verify operation is active on session %d", s.id)
	}

	var ok bool
	var err error
	if s.macLen > 0 {
		full := make([]byte, fullCMACTagBytes)
		var got int
		got, err = s.prov.MACComputeFinal(s.op, full)
		if err == nil {
			ok = got >= s.macLen && len(tag) == s.macLen && subtle.ConstantTimeCompare(full[:s.macLen], tag) == 1
		}
	} else {
		ok, err = s.prov.MACCompareFinal(s.op, tag)
	}

	if err != nil {
		err = mapProviderErr(err)
		s.warn(err)
		s.releaseActive()
		return err
	}
	s.releaseActive()
	if !ok {
		return abi.New(uint(pkcs11.CKR_SIGNATURE_INVALID), "MAC verification failed")
	}
	return nil
}
