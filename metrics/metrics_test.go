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

package metrics

import (
	"testing"
	"time"

	"github.com/ngaut/cds/gc/hp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStatCollector(t *testing.T) {
	gc, err := hp.New(hp.Options{HazardPointers: 2, MaxThreads: 2, Stats: true, OnScan: ObserveScan})
	require.NoError(t, err)
	defer gc.Close(true)
	require.NoError(t, gc.AttachThread())
	defer gc.DetachThread()

	td := gc.CurrentThread()
	for i := 0; i < 3; i++ {
		hp.Retire(td, new(int), func(*int) {})
	}
	td.Scan()

	reg := prometheus.NewPedanticRegistry()
	c := NewStatCollector(gc)
	require.NoError(t, reg.Register(c))
	require.Equal(t, len(c.descs), testutil.CollectAndCount(c))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range mfs {
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			values[mf.GetName()] = m.GetCounter().GetValue()
		} else {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	require.EqualValues(t, 3, values["cds_hp_retired_total"])
	require.EqualValues(t, 3, values["cds_hp_freed_total"])
	require.EqualValues(t, 1, values["cds_hp_scans_total"])
	require.EqualValues(t, 1, values["cds_hp_attached_threads"])
	require.EqualValues(t, 3, testutil.ToFloat64(ScanFreedTotal.WithLabelValues("inplace")))
}

func TestObserveScan(t *testing.T) {
	before := testutil.ToFloat64(ScanFreedTotal.WithLabelValues("classic"))
	ObserveScan(hp.ScanEvent{Type: hp.ScanClassic, Duration: time.Millisecond, Freed: 5, Kept: 1})
	require.EqualValues(t, before+5, testutil.ToFloat64(ScanFreedTotal.WithLabelValues("classic")))
}
