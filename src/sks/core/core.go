// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package core is the one entry surface a caller drives: it wires the
// Object Store, Processing Engine and Policy Gate together and decodes
// the caller control buffers the rest of this service is ultimately
// specified in terms of (spec.md §1, §6). It plays the same role on
// this service's side that src/pk11's top-level Mod/Session pair plays
// on the teacher's client side — a single type callers open sessions
// against and issue every operation through — except in reverse: pk11
// drives a remote PKCS#11 module, core *is* one.
package core

import (
	"encoding/binary"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/logger"
	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/engine"
	"github.com/lowRISC/sks-core/src/sks/object"
	"github.com/lowRISC/sks-core/src/sks/policy"
	"github.com/lowRISC/sks-core/src/sks/provider"
	"github.com/lowRISC/sks-core/src/sks/serial"
)

// Config configures a Core at construction time, following the
// teacher's small literal Options-struct pattern (src/pk11's
// HSMConfig/KeyOptions) rather than a config file — this service keeps
// no configuration of its own beyond what it's handed at startup.
type Config struct {
	// Log receives the engine's Warn diagnostics (policy rejections,
	// provider failures); this package hands it to the engine and logs
	// nothing itself. May be nil.
	Log logger.Logger
	// Provider overrides the default software provider. Nil uses
	// provider.NewSoftware().
	Provider provider.Provider
}

// sessionMeta is core's own bookkeeping for the session state the
// Policy Gate's TokenState needs (spec §4.D rules 3 and 5). It lives
// here, not in object or engine, because login state is global to the
// whole token, not scoped to any individual package below core.
type sessionMeta struct {
	readWrite bool
}

// Core owns the Object Store and Processing Engine, the per-session
// read/write and token-login bookkeeping, and session-id allocation.
type Core struct {
	log   logger.Logger
	store *object.Store
	eng   *engine.Engine

	mu       sync.Mutex
	nextSess object.SessionID
	sessions map[object.SessionID]*sessionMeta
	loggedIn bool
}

// NewCore builds a Core from cfg. A zero Config is valid: it logs
// nothing and drives the in-process software provider.
func NewCore(cfg Config) *Core {
	prov := cfg.Provider
	if prov == nil {
		prov = provider.NewSoftware()
	}
	store := object.NewStore()
	return &Core{
		log:      cfg.Log,
		store:    store,
		eng:      engine.New(store, prov, cfg.Log),
		sessions: make(map[object.SessionID]*sessionMeta),
	}
}

// OpenSession allocates a new session id, read-write or read-only per
// the caller's request (spec §4.D rule 3's "requires a read/write
// session" check reads this back later).
func (c *Core) OpenSession(readWrite bool) object.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSess++
	id := c.nextSess
	c.sessions[id] = &sessionMeta{readWrite: readWrite}
	return id
}

// CloseSession tears down id's processing state and session objects
// (engine.Engine.CloseSession) and forgets its read/write bookkeeping.
func (c *Core) CloseSession(id object.SessionID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	c.eng.CloseSession(id)
}

// Login marks the token as having a logged-in user, a token-wide flag
// every open session observes (spec §4.D rules 3 and 5). This service
// implements no PIN verification of its own (spec's Non-goals exclude
// persistence/authentication semantics beyond the handle model); a
// caller that has already authenticated a user by some external means
// calls Login to unlock PRIVATE object/key access.
func (c *Core) Login() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = true
}

// Logout clears the token's logged-in flag.
func (c *Core) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = false
}

func (c *Core) tokenState(session object.SessionID) (policy.TokenState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[session]
	if !ok {
		return policy.TokenState{}, abi.New(uint(pkcs11.CKR_SESSION_HANDLE_INVALID), "no such session %d", session)
	}
	return policy.TokenState{ReadWrite: m.readWrite, LoggedIn: c.loggedIn}, nil
}

// writeHandle encodes h as a little-endian u32 into out, applying the
// same buffer-presence rule as the cipher entry points (spec §9 Open
// Question (c)/SPEC_FULL §5.2): no buffer at all is BAD_PARAM rather
// than SHORT_BUFFER.
func writeHandle(out []byte, h object.Handle) (int, error) {
	if out == nil {
		return 0, abi.New(uint(pkcs11.CKR_ARGUMENTS_BAD), "no output buffer supplied")
	}
	if len(out) < 4 {
		return 0, abi.ShortBuffer(4)
	}
	binary.LittleEndian.PutUint32(out, uint32(h))
	return 4, nil
}

// ImportObject implements entry_import_object (processing.c:49-160):
// ctrl is {session:u32, template:blob}; the new object's handle is
// written to out.
func (c *Core) ImportObject(ctrl, out []byte) (int, error) {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	session := object.SessionID(sessU32)
	tmpl, err := r.Blob()
	if err != nil {
		return 0, err
	}
	state, err := c.tokenState(session)
	if err != nil {
		return 0, err
	}
	handle, err := c.eng.ImportObject(session, tmpl, state)
	if err != nil {
		return 0, err
	}
	return writeHandle(out, handle)
}

// GenerateObject implements entry_generate_object's random-key-value
// path (processing.c:758-791): ctrl is
// {session:u32, mechanism:u32, template:blob}; the new object's handle
// is written to out.
func (c *Core) GenerateObject(ctrl, out []byte) (int, error) {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	session := object.SessionID(sessU32)
	mechU32, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	tmpl, err := r.Blob()
	if err != nil {
		return 0, err
	}
	state, err := c.tokenState(session)
	if err != nil {
		return 0, err
	}
	handle, err := c.eng.GenerateObject(session, uint(mechU32), tmpl, state)
	if err != nil {
		return 0, err
	}
	return writeHandle(out, handle)
}

// DestroyObject implements object.h's destroy_object: ctrl is
// {session:u32, handle:u32}.
func (c *Core) DestroyObject(ctrl []byte) error {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return err
	}
	handleU32, err := r.Uint32()
	if err != nil {
		return err
	}
	return c.eng.DestroyObject(object.SessionID(sessU32), object.Handle(handleU32), false)
}

// FindObjectsInit implements entry_find_objects_init: ctrl is
// {session:u32, reference:blob}.
func (c *Core) FindObjectsInit(ctrl []byte) error {
	r := serial.NewReader(ctrl)
	sessU32, err := r.Uint32()
	if err != nil {
		return err
	}
	ref, err := r.Blob()
	if err != nil {
		return err
	}
	return c.store.FindInit(object.SessionID(sessU32), ref)
}

// FindObjectsNext implements entry_find_objects, returning up to max
// handles from session's open cursor.
func (c *Core) FindObjectsNext(session object.SessionID, max int) ([]object.Handle, error) {
	return c.store.FindNext(session, max)
}

// FindObjectsFinal implements entry_find_objects_final.
func (c *Core) FindObjectsFinal(session object.SessionID) {
	c.store.FindFinal(session)
}

