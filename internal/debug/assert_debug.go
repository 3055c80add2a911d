// Copyright 2021-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !release

// Package debug holds checks that are compiled out of release builds.
package debug

import "github.com/pingcap/badger/y"

// Assert aborts the process with msg when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		y.AssertTruef(false, "assertion failed: %s", msg)
	}
}
