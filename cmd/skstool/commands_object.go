// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/lowRISC/sks-core/src/sks/abi"
	"github.com/lowRISC/sks-core/src/sks/attrs"
	"github.com/lowRISC/sks-core/src/sks/object"
)

// readHandle decodes the 4-byte little-endian handle core.Core writes
// into an out buffer (ImportObject/GenerateObject's convention).
func readHandle(out []byte) (int64, error) {
	if len(out) < 4 {
		return 0, fmt.Errorf("short handle buffer")
	}
	return int64(binary.LittleEndian.Uint32(out)), nil
}

// defineObjectCommands registers the template-building and object
// lifecycle commands (new-template/attr/class/keytype/bool, import,
// generate, destroy, find-init/find-next/find-final), the REPL
// surface over object.Store's entry points.
func (st *state) defineObjectCommands() {
	st.define("new-template", &command{
		help: "creates an empty attribute template variable",
		run: func(args []any, st *state) (any, error) {
			return attrs.New(), nil
		},
	})

	st.define("class", &command{
		usage: "<template> <class>",
		help:  "sets a template's CKA_CLASS",
		run: func(args []any, st *state) (any, error) {
			t, err := blobArg(args[0])
			if err != nil {
				return nil, err
			}
			v, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			return nil, t.AddUint32(0, uint32(v)) // abi.AttrClass == 0
		},
	})

	st.define("keytype", &command{
		usage: "<template> <keytype>",
		help:  "sets a template's CKA_KEY_TYPE",
		run: func(args []any, st *state) (any, error) {
			t, err := blobArg(args[0])
			if err != nil {
				return nil, err
			}
			v, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			return nil, t.AddUint32(abi.AttrKeyType, uint32(v))
		},
	})

	st.define("bool", &command{
		usage: "<template> <attr-id> <0|1>",
		help:  "sets a boolean attribute",
		run: func(args []any, st *state) (any, error) {
			t, err := blobArg(args[0])
			if err != nil {
				return nil, err
			}
			id, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			v, err := u32(args[2])
			if err != nil {
				return nil, err
			}
			return nil, t.AddBool(uint(id), v != 0)
		},
	})

	st.define("attr", &command{
		usage: "<template> <attr-id> <h\"hex\">",
		help:  "adds a raw {id,value} attribute entry",
		run: func(args []any, st *state) (any, error) {
			t, err := blobArg(args[0])
			if err != nil {
				return nil, err
			}
			id, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			val, err := bytesArg(args[2])
			if err != nil {
				return nil, err
			}
			return nil, t.Add(uint(id), val)
		},
	})

	st.define("import", &command{
		usage: "<session> <template>",
		help:  "imports template as a new object; returns its handle",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			t, err := blobArg(args[1])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = append(ctrl, t.Marshal()...)
			out := make([]byte, 4)
			n, err := st.core.ImportObject(ctrl, out)
			if err != nil {
				return nil, err
			}
			return readHandle(out[:n])
		},
	})

	st.define("generate", &command{
		usage: "<session> <mechanism> <template>",
		help:  "generates a new random key object; returns its handle",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			mech, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			t, err := blobArg(args[2])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, mech)
			ctrl = append(ctrl, t.Marshal()...)
			out := make([]byte, 4)
			n, err := st.core.GenerateObject(ctrl, out)
			if err != nil {
				return nil, err
			}
			return readHandle(out[:n])
		},
	})

	st.define("destroy", &command{
		usage: "<session> <handle>",
		help:  "destroys an object",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			h, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = putU32(ctrl, h)
			return nil, st.core.DestroyObject(ctrl)
		},
	})

	st.define("find-init", &command{
		usage: "<session> <template>",
		help:  "opens a find cursor matching template",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			t, err := blobArg(args[1])
			if err != nil {
				return nil, err
			}
			ctrl := putU32(nil, sess)
			ctrl = append(ctrl, t.Marshal()...)
			return nil, st.core.FindObjectsInit(ctrl)
		},
	})

	st.define("find-next", &command{
		usage: "<session> <max>",
		help:  "returns up to max handles from the open find cursor",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			max, err := u32(args[1])
			if err != nil {
				return nil, err
			}
			handles, err := st.core.FindObjectsNext(object.SessionID(sess), int(max))
			if err != nil {
				return nil, err
			}
			ids := make([]int64, len(handles))
			for i, h := range handles {
				ids[i] = int64(h)
			}
			return fmt.Sprintf("%v", ids), nil
		},
	})

	st.define("find-final", &command{
		usage: "<session>",
		help:  "closes the open find cursor",
		run: func(args []any, st *state) (any, error) {
			sess, err := u32(args[0])
			if err != nil {
				return nil, err
			}
			st.core.FindObjectsFinal(object.SessionID(sess))
			return nil, nil
		},
	})
}
