// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package logger

// Logger is the method set *ModLogger actually exports, extracted so
// src/sks/core and src/sks/engine can depend on an interface instead of
// the concrete *ModLogger: a caller of core.NewCore can supply a test
// spy or a no-op logger without either domain package knowing about
// file rotation or the package-level verbosity level.
type Logger interface {
	SetLogLevel(logLevel LogLevel) error
	Close() error
	Fatal(err error, intf ...interface{})
	Panic(err error, intf ...interface{})
	Error(err error, intf ...interface{})
	Warn(err error, intf ...interface{})
	Info(err error, intf ...interface{})
	Debug(err error, intf ...interface{})
	Trace(err error, intf ...interface{})
}

var _ Logger = (*ModLogger)(nil)
