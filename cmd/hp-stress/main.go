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

// hp-stress hammers the hazard pointer containers from many attached threads and
// checks that no thread ever reads a recycled node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arl/statsviz"
	"github.com/ngaut/cds/config"
	"github.com/ngaut/cds/container/michaellist"
	"github.com/ngaut/cds/container/michaelmap"
	"github.com/ngaut/cds/container/msqueue"
	"github.com/ngaut/cds/container/tstack"
	"github.com/ngaut/cds/gc/hp"
	"github.com/ngaut/cds/metrics"
	"github.com/ngaut/cds/scheduler"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	configPath  = flag.String("config", "", "config file path")
	duration    = flag.String("duration", "", "how long to run")
	scanType    = flag.String("scan-type", "", "inplace or classic")
	readers     = flag.Int("readers", -1, "reader threads, 0 for one per logical CPU")
	writers     = flag.Int("writers", -1, "writer threads")
	statusAddr  = flag.String("status-addr", "", "status address")
	logFile     = flag.String("log-file", "", "log file")
	configCheck = flagBoolean("config-check", false, "check config file validity and exit")
)

func flagBoolean(name string, defaultVal bool, usage string) *bool {
	if !defaultVal {
		usage = fmt.Sprintf("%s (default false)", usage)
		return flag.Bool(name, defaultVal, usage)
	}
	return flag.Bool(name, defaultVal, usage)
}

// loadCmdConf will overwrite configurations using command line arguments
func loadCmdConf(conf *config.Config) {
	if *duration != "" {
		conf.Duration = *duration
	}
	if *scanType != "" {
		conf.HP.ScanType = *scanType
	}
	if *readers >= 0 {
		conf.Stress.Readers = *readers
	}
	if *writers >= 0 {
		conf.Stress.Writers = *writers
	}
	if *statusAddr != "" {
		conf.StatusAddr = *statusAddr
	}
	if *logFile != "" {
		conf.LogFile = *logFile
	}
}

func main() {
	flag.Parse()
	conf := loadConfig()
	loadCmdConf(conf)
	initLogger(conf)
	if err := conf.Validate(); err != nil {
		log.S().Fatalf("invalid config: %v", err)
	}
	if conf.Stress.Readers == 0 {
		n, err := cpu.Counts(true)
		if err != nil || n < 1 {
			log.Warn("cannot count logical CPUs, using one reader", zap.Error(err))
			n = 1
		}
		conf.Stress.Readers = n
	}
	workers := conf.Stress.Readers + conf.Stress.Writers
	// The main goroutine attaches too.
	if conf.HP.MaxThreads < workers+1 {
		conf.HP.MaxThreads = workers + 1
	}
	log.S().Infof("conf %+v", conf)

	opt, err := conf.HP.Options()
	if err != nil {
		log.S().Fatal(err)
	}
	opt.OnScan = metrics.ObserveScan
	if err = hp.Construct(opt); err != nil {
		log.S().Fatal(err)
	}
	gc := hp.Default()
	prometheus.MustRegister(metrics.NewStatCollector(gc))

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(conf.Duration))
	defer cancel()
	handleSignal(cancel)

	s := newStress(gc, conf.Stress)
	serveStatus(conf.StatusAddr, gc, s)

	begin := time.Now()
	if err = s.run(ctx, workers); err != nil {
		log.S().Fatal(err)
	}
	violations := s.finish()
	stat := gc.Statistics()
	log.Info("stress finished",
		zap.Duration("takes", time.Since(begin)),
		zap.Int64("ops", s.ops.Load()),
		zap.Int64("violations", violations),
		zap.Stringer("stat", stat))
	if err = hp.Destruct(false); err != nil {
		log.Error("destruct collector", zap.Error(err))
		os.Exit(1)
	}
	if violations > 0 {
		os.Exit(1)
	}
}

func initLogger(conf *config.Config) {
	logConf := &log.Config{Level: conf.LogLevel}
	logConf.File.Filename = conf.LogFile
	lg, props, err := log.InitLogger(logConf)
	if err != nil {
		panic(err)
	}
	log.ReplaceGlobals(lg, props)
}

func loadConfig() *config.Config {
	conf := config.DefaultConf
	if *configPath != "" {
		_, err := toml.DecodeFile(*configPath, &conf)
		if err != nil {
			if *configCheck {
				fmt.Fprintf(os.Stderr, "config check failed, err=%s\n", err.Error())
				os.Exit(1)
			}
			panic(err)
		}
		if *configCheck {
			if err = conf.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "config check failed, err=%s\n", err.Error())
				os.Exit(1)
			}
			os.Exit(0)
		}
	} else {
		// configCheck should have the config file specified.
		if *configCheck {
			fmt.Fprintln(os.Stderr, "config check failed, no config file specified for config-check")
			os.Exit(1)
		}
	}
	return &conf
}

func handleSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.S().Infof("Got signal [%s] to exit.", sig)
		cancel()
	}()
}

type status struct {
	Stat       hp.Stat `json:"stat"`
	Ops        int64   `json:"ops"`
	Violations int64   `json:"violations"`
	RSS        uint64  `json:"rss"`
}

func serveStatus(addr string, gc *hp.GarbageCollector, s *stress) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("cannot inspect own process", zap.Error(err))
	}
	http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := status{Stat: gc.Statistics(), Ops: s.ops.Load(), Violations: s.violations.Load()}
		if proc != nil {
			if mem, err := proc.MemoryInfo(); err == nil {
				st.RSS = mem.RSS
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Warn("write status", zap.Error(err))
		}
	})
	// Live runtime charts at /debug/statsviz/.
	if err := statsviz.RegisterDefault(); err != nil {
		log.Warn("register statsviz", zap.Error(err))
	}
	go func() {
		log.S().Infof("listening on %v", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
}

// stress runs writers that mutate every container and readers that check what they
// observe. A stored value is always 2*key+1, so the zero value of a recycled node
// never passes a check.
type stress struct {
	gc   *hp.GarbageCollector
	conf config.Stress

	list  *michaellist.List[int, int]
	hmap  *michaelmap.Map[int]
	queue *msqueue.Queue[int]
	stack *tstack.Stack[int]

	ops        atomic.Int64
	violations atomic.Int64
}

func valueOf(k int) int {
	return 2*k + 1
}

func validValue(k, v int) bool {
	return v == valueOf(k)
}

// validElem checks a queue or stack element, whose key is not known.
func validElem(v int) bool {
	return v%2 == 1
}

func newStress(gc *hp.GarbageCollector, conf config.Stress) *stress {
	s := &stress{
		gc:    gc,
		conf:  conf,
		list:  michaellist.New[int, int](gc),
		hmap:  michaelmap.New[int](gc, conf.MapBuckets),
		queue: msqueue.New[int](gc),
		stack: tstack.New[int](gc),
	}
	s.list.SetOnDispose(func(k, v int) { s.check("list", validValue(k, v)) })
	s.hmap.SetOnDispose(func(k string, v int) { s.check("map", validElem(v) && strconv.Itoa(v/2) == k) })
	return s
}

func (s *stress) check(container string, ok bool) {
	if !ok {
		s.violations.Inc()
		metrics.StressViolationsTotal.WithLabelValues(container).Inc()
	}
}

func (s *stress) count(container, op string) {
	s.ops.Inc()
	metrics.StressOpsTotal.WithLabelValues(container, op).Inc()
}

func (s *stress) run(ctx context.Context, workers int) error {
	sched, err := scheduler.NewAttachedPermanentScheduler(workers, s.conf.QueueDepth, s.gc)
	if err != nil {
		return err
	}
	defer sched.Close()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		writer := i < s.conf.Writers
		seed := int64(i)
		sched.Schedule(func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				if writer {
					s.write(r)
				} else {
					s.read(r)
				}
			}
		})
	}
	wg.Wait()
	return nil
}

func (s *stress) write(r *rand.Rand) {
	k := r.Intn(s.conf.KeyRange)
	key := strconv.Itoa(k)
	switch r.Intn(4) {
	case 0:
		s.list.Insert(k, valueOf(k))
		s.count("list", "insert")
		s.hmap.Insert(key, valueOf(k))
		s.count("map", "insert")
	case 1:
		s.list.Delete(k)
		s.count("list", "delete")
		s.hmap.Delete(key)
		s.count("map", "delete")
	case 2:
		s.queue.Enqueue(valueOf(k))
		s.count("queue", "enqueue")
		s.stack.Push(valueOf(k))
		s.count("stack", "push")
	default:
		if v, ok := s.queue.Dequeue(); ok {
			s.check("queue", validElem(v))
		}
		s.count("queue", "dequeue")
		if v, ok := s.stack.Pop(); ok {
			s.check("stack", validElem(v))
		}
		s.count("stack", "pop")
	}
}

func (s *stress) read(r *rand.Rand) {
	k := r.Intn(s.conf.KeyRange)
	if v, ok := s.list.Get(k); ok {
		s.check("list", validValue(k, v))
	}
	s.count("list", "get")
	if v, ok := s.hmap.Get(strconv.Itoa(k)); ok {
		s.check("map", validValue(k, v))
	}
	s.count("map", "get")
	if r.Intn(8) == 0 {
		prev := -1
		s.list.Range(func(key, v int) bool {
			s.check("list", key > prev && validValue(key, v))
			prev = key
			return true
		})
		s.count("list", "range")
	}
}

// finish drains the containers from the main goroutine and returns the number of
// failed checks.
func (s *stress) finish() int64 {
	if err := s.gc.AttachThread(); err != nil {
		log.S().Fatal(err)
	}
	for {
		v, ok := s.queue.Dequeue()
		if !ok {
			break
		}
		s.check("queue", validElem(v))
	}
	for {
		v, ok := s.stack.Pop()
		if !ok {
			break
		}
		s.check("stack", validElem(v))
	}
	if err := s.gc.Scan(); err != nil {
		log.S().Fatal(err)
	}
	log.Info("containers drained",
		zap.Int("list", s.list.Len()),
		zap.Int("map", s.hmap.Len()),
		zap.Int("retired", s.gc.CurrentThread().RetiredCount()))
	if err := s.gc.DetachThread(); err != nil {
		log.S().Fatal(err)
	}
	return s.violations.Load()
}
