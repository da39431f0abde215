// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Command skstool is a line-oriented REPL for manually exercising a
// core.Core, playing the same role for this service that src/pk11/tool
// plays for a real PKCS#11 module: a small command table a human types
// session/object/crypto operations into, grounded on that tool's
// Command{Name,Usage,Help,Run} table and its $var/h"hex" token surface
// (src/pk11/tool/commands.go, lex.go), minus the PKCS#11 module it would
// otherwise load — here the commands drive an in-process core.Core
// directly.
package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lowRISC/sks-core/src/sks/attrs"
	"github.com/lowRISC/sks-core/src/sks/core"
)

// command mirrors src/pk11/tool/commands.Command, minus the typed
// ArgTy resolution machinery: skstool commands resolve their own
// arguments since there are only a handful of argument shapes
// (session/handle numbers, hex byte strings, template variables).
type command struct {
	usage string
	help  string
	run   func(args []any, st *state) (any, error)
}

// state is this REPL's equivalent of commands.State: the Core under
// test, plus a variable table $-references resolve against.
type state struct {
	core *core.Core
	vars map[string]any
	cmds map[string]*command
}

func newState() *state {
	st := &state{
		core: core.NewCore(core.Config{}),
		vars: make(map[string]any),
		cmds: make(map[string]*command),
	}
	st.defineSessionCommands()
	st.defineObjectCommands()
	st.defineCryptoCommands()
	return st
}

func (st *state) define(name string, c *command) {
	st.cmds[name] = c
}

// resolve looks up a token's value, substituting variable references.
func (st *state) resolve(tok token) (any, error) {
	ref, ok := tok.value.(varRef)
	if !ok {
		return tok.value, nil
	}
	v, ok := st.vars[string(ref)]
	if !ok {
		return nil, fmt.Errorf("no variable $%s", string(ref))
	}
	return v, nil
}

func u32(v any) (uint32, error) {
	switch v := v.(type) {
	case int64:
		return uint32(v), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func bytesArg(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected a byte string, got %T", v)
	}
}

func blobArg(v any) (*attrs.Blob, error) {
	b, ok := v.(*attrs.Blob)
	if !ok {
		return nil, fmt.Errorf("expected a template variable, got %T", v)
	}
	return b, nil
}

// putU32 appends n to buf in the little-endian form every core.Core
// control buffer uses for handles, sessions, and lengths.
func putU32(buf []byte, n uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	return append(buf, b[:]...)
}

// buildAttribute encodes the {id:u32, size:u32, value} form core.Core
// expects for a mechanism parameter (serial.Reader.Attribute's
// counterpart on the write side).
func buildAttribute(id uint32, value []byte) []byte {
	buf := putU32(nil, id)
	buf = putU32(buf, uint32(len(value)))
	return append(buf, value...)
}

// run executes one already-tokenized command line.
func (st *state) run(toks []token) (any, error) {
	if len(toks) == 0 {
		return nil, nil
	}
	name, ok := toks[0].value.(string)
	if !ok {
		return nil, fmt.Errorf("expected a command name, got %q", toks[0].text)
	}
	cmd, ok := st.cmds[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q (try help)", name)
	}

	args := make([]any, len(toks)-1)
	for i, tok := range toks[1:] {
		v, err := st.resolve(tok)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return cmd.run(args, st)
}

// runLine handles one REPL line, including the optional leading
// "$var = " assignment form.
func (st *state) runLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	dest := ""
	if i := strings.Index(line, "="); i > 0 && strings.HasPrefix(strings.TrimSpace(line[:i]), "$") {
		lhs := strings.TrimSpace(line[:i])
		dest = strings.TrimPrefix(lhs, "$")
		line = line[i+1:]
	}

	toks, err := tokenizeLine(line)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	val, err := st.run(toks)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if dest != "" {
		st.vars[dest] = val
	}
	if val != nil {
		fmt.Println(stringify(val))
	}
}

func (st *state) help() {
	var names []string
	for k := range st.cmds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		c := st.cmds[k]
		fmt.Printf("%s %s\n  %s\n", k, c.usage, c.help)
	}
}

func main() {
	st := newState()
	st.define("help", &command{
		help: "lists every command",
		run: func(args []any, st *state) (any, error) {
			st.help()
			return nil, nil
		},
	})

	r := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "skstool> ")
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			return
		}
		st.runLine(line)
	}
}
