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

package hp

import (
	"github.com/pingcap/errors"
	"golang.org/x/sys/unix"
)

const (
	membarrierCmdQuery                    = 0
	membarrierCmdPrivateExpedited         = 1 << 3
	membarrierCmdRegisterPrivateExpedited = 1 << 4
)

func membarrier(cmd int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, uintptr(cmd), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func registerHeavyFence() (func(), error) {
	mask, err := membarrier(membarrierCmdQuery)
	if err != nil {
		return nil, errors.Annotate(err, "membarrier query")
	}
	if mask&membarrierCmdPrivateExpedited == 0 {
		return nil, errors.New("membarrier private expedited is not supported")
	}
	if _, err = membarrier(membarrierCmdRegisterPrivateExpedited); err != nil {
		return nil, errors.Annotate(err, "membarrier register")
	}
	return func() {
		// Registration succeeded, so this only fails on a broken kernel. The seq-cst
		// atomics still order the snapshot then.
		_, _ = membarrier(membarrierCmdPrivateExpedited)
	}, nil
}
