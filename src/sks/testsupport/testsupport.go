// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides the small fixtures this service's own
// _test.go files share, mirroring src/pk11/test_support.go's
// Check/GetSession helpers — minus the SoftHSM bring-up, which has no
// analogue here: NewCore stands up an in-process software provider
// instead of shelling out to softhsm2-util.
package testsupport

import (
	"testing"

	"github.com/lowRISC/sks-core/src/sks/core"
)

// Check fails the test immediately if err is non-nil.
func Check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// NewCore returns a Core wired to the in-process software provider,
// logging nothing, ready for a test to open sessions against.
func NewCore(t *testing.T) *core.Core {
	t.Helper()
	return core.NewCore(core.Config{})
}
