// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package main

// defineCryptoCommands registers the cipher and MAC entry points
// (encrypt/decrypt-init, update, final, sign/verify-init/update/final),
// the REPL surface over engine.Session's processing state machine.
func (st *state) defineCryptoCommands() {
	initCmd := func(encrypt bool) func(args []any, st *state) (any, error) {
		return func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			key, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			mech, err := u32(args[2])
			if err != nil {
				return nil, err
			}
			param, err := bytesArg(args[3])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, key)
			ctrl = append(ctrl, buildAttribute(mech, param)...)
			if encrypt {
				return nil, st.core.EncryptInit(ctrl)
			}
			return nil, st.core.DecryptInit(ctrl)
		}
	}

	st.define("encrypt-init", &command{
		usage: `<session> <key> <mechanism> <h"param">`,
		help:  "starts an encryption operation",
		run:   initCmd(true),
	})
	st.define("decrypt-init", &command{
		usage: `<session> <key> <mechanism> <h"param">`,
		help:  "starts a decryption operation",
		run:   initCmd(false),
	})

	st.define("update", &command{
		usage: `<session> <h"data">`,
		help:  "feeds data into the active cipher operation; returns any output",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			data, err := bytesArg(args[1])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, uint32(len(data)))
			ctrl = append(ctrl, data...)
			out := make([]byte, len(data)+32)
			n, err := st.core.CipherUpdate(ctrl, out)
			if err != nil {
				return nil, err
			}
			return out[:n], nil
		},
	})

	st.define("final", &command{
		usage: "<session>",
		help:  "flushes the active cipher operation's remainder",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			out := make([]byte, 64)
			n, err := st.core.CipherFinal(ctrl, out)
			if err != nil {
				return nil, err
			}
			return out[:n], nil
		},
	})

	macInitCmd := func(sign bool) func(args []any, st *state) (any, error) {
		return func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			key, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			mech, err := u32(args[2])
			if err != nil {
				return nil, err
			}
			param, err := bytesArg(args[3])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, key)
			ctrl = append(ctrl, buildAttribute(mech, param)...)
			if sign {
				return nil, st.core.SignInit(ctrl)
			}
			return nil, st.core.VerifyInit(ctrl)
		}
	}

	st.define("sign-init", &command{
		usage: `<session> <key> <mechanism> <h"param">`,
		help:  "starts a MAC-signing operation",
		run:   macInitCmd(true),
	})
	st.define("verify-init", &command{
		usage: `<session> <key> <mechanism> <h"param">`,
		help:  "starts a MAC-verification operation",
		run:   macInitCmd(false),
	})

	dataCmd := func(sign bool) func(args []any, st *state) (any, error) {
		return func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			data, err := bytesArg(args[1])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, uint32(len(data)))
			ctrl = append(ctrl, data...)
			if sign {
				return nil, st.core.SignUpdate(ctrl)
			}
			return nil, st.core.VerifyUpdate(ctrl)
		}
	}
	st.define("sign-update", &command{
		usage: `<session> <h"data">`,
		help:  "feeds data into the active signing operation",
		run:   dataCmd(true),
	})
	st.define("verify-update", &command{
		usage: `<session> <h"data">`,
		help:  "feeds data into the active verification operation",
		run:   dataCmd(false),
	})

	st.define("sign-final", &command{
		usage: "<session>",
		help:  "computes the tag for the active signing operation",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			out := make([]byte, 32)
			n, err := st.core.SignFinal(ctrl, out)
			if err != nil {
				return nil, err
			}
			return out[:n], nil
		},
	})

	st.define("verify-final", &command{
		usage: `<session> <h"tag">`,
		help:  "checks the supplied tag against the active verification operation",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			tag, err := bytesArg(args[1])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, uint32(len(tag)))
			ctrl = append(ctrl, tag...)
			return nil, st.core.VerifyFinal(ctrl)
		},
	})
}
