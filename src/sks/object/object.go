// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package object implements the Object Store: opaque 32-bit handles over
// live key objects, session vs. token ownership, and the find-objects
// cursor. Grounded on object.h's sks_object/create_object/destroy_object/
// sks_handle2object/sks_object2handle contract; the find cursor's
// init/next/final shape and its "one cursor per session" rule are
// reconstructed from object.h's entry_find_objects_init/_find_objects/
// _find_objects_final trio plus spec.md §4.C.
package object

import (
	"sync"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/attrs"
)

// Handle is an opaque identifier handed to callers; it is never a
// pointer and is validated against a session's visible object set on
// every use (spec §3 "Handles").
type Handle uint32

// SessionID names the owning session for session objects. The value
// itself is caller-assigned (src/sks/core hands one out per opened
// session) and is opaque to this package beyond equality.
type SessionID uint32

// Record is one live key object: its attribute blob, an optional
// provider-side transient-key handle (populated lazily at first use by
// the engine), and ownership/backing-store bookkeeping.
type Record struct {
	Blob *attrs.Blob

	// ProviderKey is the CRYPTO PROVIDER's opaque handle for this
	// object's key material, populated on first use and left nil until
	// then (object.h's "these are for persistent/token objects (TODO:
	// move to attributes)" TEE_ObjectHandle key_handle field, generalized
	// to any provider-side key, not only persistent ones).
	ProviderKey any

	// token is true for token (persistent) objects; false for session
	// objects. A session handle bundle may refer to a token object but
	// never owns it (spec §3).
	token bool
	owner SessionID

	// UUID names a token object's backing store, mirroring object.h's
	// TEE_UUID *uuid field. Zero value for session objects.
	UUID uuid.UUID

	// busy is set by the engine while a live provider operation is bound
	// to this object; Destroy refuses while busy (spec §4.C's "refuses
	// with ACTION_PROHIBITED").
	busy bool
}

// IsToken reports whether r is a token (persistent) object.
func (r *Record) IsToken() bool { return r.token }

// Owner returns the session that owns r, only meaningful when r is a
// session object.
func (r *Record) Owner() SessionID { return r.owner }

// Store owns every live object and hands out handles scoped to it.
type Store struct {
	mu      sync.Mutex
	next    Handle
	records map[Handle]*Record

	cursors map[SessionID]*findCursor
}

// NewStore returns an empty object store.
func NewStore() *Store {
	return &Store{
		records: make(map[Handle]*Record),
		cursors: make(map[SessionID]*findCursor),
	}
}

// CreateSessionObject takes ownership of blob and links it into
// session's object list, returning its new handle (create_object with
// an implicit TOKEN=false object).
func (s *Store) CreateSessionObject(session SessionID, blob *attrs.Blob) Handle {
	return s.create(&Record{Blob: blob, token: false, owner: session})
}

// CreateTokenObject takes ownership of blob and links it into the
// shared token-object list, assigning it a fresh backing UUID
// (create_token_object_instance).
func (s *Store) CreateTokenObject(blob *attrs.Blob) Handle {
	return s.create(&Record{Blob: blob, token: true, UUID: uuid.New()})
}

func (s *Store) create(r *Record) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.records[h] = r
	return h
}

// Handle2Object resolves handle to its record, scoped to session:
// session objects owned by a different session are invisible (returns
// ok=false), matching sks_handle2object's session-scoping contract.
func (s *Store) Handle2Object(handle Handle, session SessionID) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[handle]
	if !ok {
		return nil, false
	}
	if !r.token && r.owner != session {
		return nil, false
	}
	return r, true
}

// Object2Handle is the inverse lookup, used by callers that hold a
// *Record (e.g. after Find) and need the handle to report back to the
// caller.
func (s *Store) Object2Handle(target *Record) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, r := range s.records {
		if r == target {
			return h, true
		}
	}
	return 0, false
}

// MarkBusy/Unmark track whether a live provider operation is bound to an
// object, gating Destroy the way object.h's destroy_object refuses to
// free an object still in active use.
func (s *Store) MarkBusy(handle Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[handle]; ok {
		r.busy = true
	}
}

func (s *Store) Unmark(handle Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[handle]; ok {
		r.busy = false
	}
}

// Destroy releases handle's record. sessionOnly, when true, refuses to
// destroy a token object (the caller asked for a session-scoped
// destroy only); a busy object always refuses with ACTION_PROHIBITED
// regardless of sessionOnly.
func (s *Store) Destroy(handle Handle, session SessionID, sessionOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[handle]
	if !ok {
		return abi.New(uint(pkcs11.CKR_OBJECT_HANDLE_INVALID), "no object for handle %d", handle)
	}
	if !r.token && r.owner != session {
		return abi.New(uint(pkcs11.CKR_OBJECT_HANDLE_INVALID), "object %d not owned by this session", handle)
	}
	if r.busy {
		return abi.New(abi.ActionProhibited, "object %d has a live operation bound to it", handle)
	}
	if r.token && sessionOnly {
		return abi.New(abi.ActionProhibited, "object %d is a token object, session-only destroy requested", handle)
	}

	delete(s.records, handle)
	return nil
}

// DestroySession releases every session object owned by session and
// closes its open find cursor, matching how session objects never
// outlive the session that created them (spec §4.C; a session object
// has exactly one owner and needs no further coordination once that
// owner is gone).
func (s *Store) DestroySession(session SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, r := range s.records {
		if !r.token && r.owner == session {
			delete(s.records, h)
		}
	}
	delete(s.cursors, session)
}

// findCursor snapshots the handles matching a reference template at
// Init time; Next drains the snapshot in order. Only one cursor may be
// open per session (spec §4.C), matching object.h's one
// release_session_find_obj_context per session lifetime.
type findCursor struct {
	pending []Handle
}

// FindInit snapshots, in ascending handle order, every object visible
// to session (its own session objects plus every token object) whose
// attributes match ref (attrs.Blob.MatchesReference). It replaces any
// cursor already open for session.
func (s *Store) FindInit(session SessionID, ref *attrs.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Handle
	for h, r := range s.records {
		if !r.token && r.owner != session {
			continue
		}
		if r.Blob.MatchesReference(ref) {
			matches = append(matches, h)
		}
	}
	sortHandles(matches)
	s.cursors[session] = &findCursor{pending: matches}
	return nil
}

// FindNext returns up to max handles from session's open cursor,
// draining them from the snapshot. It fails with OPERATION_NOT_INITIALIZED
// if no cursor is open.
func (s *Store) FindNext(session SessionID, max int) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[session]
	if !ok {
		return nil, abi.New(uint(pkcs11.CKR_OPERATION_NOT_INITIALIZED), "no find-objects cursor open for this session")
	}
	if max > len(c.pending) {
		max = len(c.pending)
	}
	out := c.pending[:max]
	c.pending = c.pending[max:]
	return out, nil
}

// FindFinal releases session's open cursor, if any (always succeeds,
// matching release_session_find_obj_context's unconditional teardown).
func (s *Store) FindFinal(session SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, session)
}

func sortHandles(hs []Handle) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j-1] > hs[j]; j-- {
			hs[j-1], hs[j] = hs[j], hs[j-1]
		}
	}
}
