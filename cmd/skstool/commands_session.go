// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/lowRISC/sks-core/src/sks/object"
)

// defineSessionCommands registers open-session/close-session/login/
// logout, the REPL's equivalent of src/pk11/tool's pk11Commands login
// surface.
func (st *state) defineSessionCommands() {
	st.define("open-session", &command{
		usage: "<rw:0|1>",
		help:  "opens a session, read-write if rw is nonzero; returns its id",
		run: func(args []any, st *state) (any, error) {
			rw, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			return int64(st.core.OpenSession(rw != 0)), nil
		},
	})

	st.define("close-session", &command{
		usage: "<session>",
		help:  "closes a session",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			st.core.CloseSession(object.SessionID(sess))
			return nil, nil
		},
	})

	st.define("login", &command{
		help: "marks the token logged in",
		run: func(args []any, st *state) (any, error) {
			st.core.Login()
			return nil, nil
		},
	})

	st.define("logout", &command{
		help: "clears the token's logged-in flag",
		run: func(args []any, st *state) (any, error) {
			st.core.Logout()
			return nil, nil
		},
	})
}
