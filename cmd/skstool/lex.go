// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// token is one lexeme off a REPL line: a bare word, a $-prefixed
// variable reference, or an h"..." hex byte-string literal, following
// the surface src/pk11/tool/lex.go defines (Var/Str/Int) minus the
// text/scanner machinery this single-line REPL doesn't need.
type token struct {
	text  string
	value any // string, int64, []byte, or varRef
}

type varRef string

// tokenizeLine splits line into tokens on whitespace, recognizing
// $var and h"hex" specially. Quoted strings may not contain spaces;
// that's adequate for the session/handle/hex arguments every skstool
// command takes.
func tokenizeLine(line string) ([]token, error) {
	var toks []token
	for _, field := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(field, "$"):
			toks = append(toks, token{text: field, value: varRef(field[1:])})
		case strings.HasPrefix(field, `h"`) && strings.HasSuffix(field, `"`):
			raw := field[2 : len(field)-1]
			b, err := hex.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("bad hex literal %q: %w", field, err)
			}
			toks = append(toks, token{text: field, value: b})
		default:
			if n, err := strconv.ParseInt(field, 0, 64); err == nil {
				toks = append(toks, token{text: field, value: n})
			} else {
				toks = append(toks, token{text: field, value: field})
			}
		}
	}
	return toks, nil
}

// stringify renders a command result the way the REPL prints it back,
// mirroring commands.Stringify's h"%x" convention for byte values.
func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []byte:
		return fmt.Sprintf(`h"%x"`, v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
