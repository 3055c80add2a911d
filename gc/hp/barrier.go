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
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// setupBarrier returns the fence a scan issues before taking a hazard snapshot, or nil
// when sequentially consistent atomics alone are used.
func setupBarrier(t BarrierType) func() {
	if t != BarrierAsymmetric {
		return nil
	}
	fence, err := registerHeavyFence()
	if err != nil {
		log.Info("asymmetric barrier unavailable, using seq-cst", zap.Error(err))
		return nil
	}
	return fence
}
