// Copyright 2019-present PingCAP, Inc.
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
	"net/http"

	"github.com/ngaut/cds/gc/hp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "cds"
	hpSystem  = "hp"
	stress    = "stress"
)

var (
	ScanDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: hpSystem,
			Name:      "scan_duration_seconds",
			Help:      "Bucketed histogram of hazard pointer scan duration.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20),
		}, []string{"type"})
	ScanFreedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: hpSystem,
			Name:      "scan_freed_total",
			Help:      "Total number of retired pointers disposed by scans.",
		}, []string{"type"})
	ScanKept = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: hpSystem,
			Name:      "scan_kept",
			Help:      "Histogram of retired pointers still protected after a scan.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
		})
	StressOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: stress,
			Name:      "ops_total",
			Help:      "Total number of container operations issued by the stress workers.",
		}, []string{"container", "op"})
	StressViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: stress,
			Name:      "violations_total",
			Help:      "Total number of failed safety checks.",
		}, []string{"container"})
)

func init() {
	prometheus.MustRegister(ScanDurationSeconds)
	prometheus.MustRegister(ScanFreedTotal)
	prometheus.MustRegister(ScanKept)
	prometheus.MustRegister(StressOpsTotal)
	prometheus.MustRegister(StressViolationsTotal)
	http.Handle("/metrics", promhttp.Handler())
}

// ObserveScan records a finished scan. It has the signature of hp.Options.OnScan.
func ObserveScan(e hp.ScanEvent) {
	typ := e.Type.String()
	ScanDurationSeconds.WithLabelValues(typ).Observe(e.Duration.Seconds())
	ScanFreedTotal.WithLabelValues(typ).Add(float64(e.Freed))
	ScanKept.Observe(float64(e.Kept))
}

type statDesc struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(s *hp.Stat) float64
}

func newStatDesc(name, help string, typ prometheus.ValueType, value func(s *hp.Stat) float64) statDesc {
	return statDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, hpSystem, name), help, nil, nil),
		typ:   typ,
		value: value,
	}
}

// StatCollector exports the counters of a collector. The counters are read at
// scrape time, so it adds nothing to the hot path.
type StatCollector struct {
	gc    *hp.GarbageCollector
	descs []statDesc
}

// NewStatCollector creates a prometheus collector for gc.
func NewStatCollector(gc *hp.GarbageCollector) *StatCollector {
	return &StatCollector{
		gc: gc,
		descs: []statDesc{
			newStatDesc("guards_allocated_total", "Total number of guards allocated.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.GuardAllocated) }),
			newStatDesc("guards_freed_total", "Total number of guards released.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.GuardFreed) }),
			newStatDesc("retired_total", "Total number of retired pointers.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.Retired) }),
			newStatDesc("freed_total", "Total number of retired pointers disposed by thread scans.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.Freed) }),
			newStatDesc("scans_total", "Total number of scans.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.Scans) }),
			newStatDesc("help_scans_total", "Total number of retired lists adopted from detached threads.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.HelpScans) }),
			newStatDesc("scan_seconds_total", "Total time spent scanning.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return s.ScanDuration.Seconds() }),
			newStatDesc("orphans_freed_total", "Total number of pointers disposed by the reclaimer and on close.", prometheus.CounterValue,
				func(s *hp.Stat) float64 { return float64(s.OrphansFreed) }),
			newStatDesc("records", "Number of thread records.", prometheus.GaugeValue,
				func(s *hp.Stat) float64 { return float64(s.Records) }),
			newStatDesc("attached_threads", "Number of attached threads.", prometheus.GaugeValue,
				func(s *hp.Stat) float64 { return float64(s.Attached) }),
			newStatDesc("classic_pending", "Number of retired pointers waiting in the classic pool.", prometheus.GaugeValue,
				func(s *hp.Stat) float64 { return float64(s.ClassicPending) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *StatCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *StatCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.gc.Statistics()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.typ, d.value(&s))
	}
}
