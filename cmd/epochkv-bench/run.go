package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/epochkv/kv/config"
	"github.com/pingcap-incubator/epochkv/kv/transaction"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	configPath  string
	workers     int
	duration    time.Duration
	keyCount    int
	longRatio   float64
	readRatio   float64
	txRate      int
	metricsAddr string
)

func initRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "Config file path; defaults are used when empty")
	fs.IntVar(&workers, "workers", 4, "Number of concurrent sessions")
	fs.DurationVar(&duration, "duration", 10*time.Second, "How long to run")
	fs.IntVar(&keyCount, "keys", 1000, "Number of distinct keys")
	fs.Float64Var(&longRatio, "long-ratio", 0.05, "Fraction of long transactions")
	fs.Float64Var(&readRatio, "read-only-ratio", 0.1, "Fraction of read-only transactions")
	fs.IntVar(&txRate, "rate", 0, "Transactions per second over all workers (default: unlimited)")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
}

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run a mixed short, long and read-only workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload()
		},
	}
	initRunFlags(m.Flags())
	return m
}

type counters struct {
	commits  atomic.Uint64
	aborts   atomic.Uint64
	warnings atomic.Uint64
	byType   [3]atomic.Uint64
}

func runWorkload() error {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			return err
		}
	}
	if err := conf.SetupLogger(); err != nil {
		return err
	}
	if keyCount <= 0 || workers <= 0 {
		return errors.New("keys and workers must be positive")
	}
	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	engine, err := transaction.Open(conf)
	if err != nil {
		return err
	}
	defer engine.Close()
	st, err := engine.CreateStorage()
	if err != nil {
		return err
	}

	limit := rate.Inf
	if txRate > 0 {
		limit = rate.Limit(txRate)
	}
	limiter := rate.NewLimiter(limit, workers)

	var (
		wg sync.WaitGroup
		c  counters
	)
	ctx, cancel := context.WithTimeout(globalContext, duration)
	defer cancel()
	ws := make([]*worker, workers)
	for i := range ws {
		ws[i] = &worker{
			ctx:      ctx,
			engine:   engine,
			st:       st,
			rnd:      rand.New(rand.NewSource(int64(i) + time.Now().UnixNano())),
			c:        &c,
			interval: conf.EpochInterval.Duration,
		}
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(limiter)
		}(ws[i])
	}
	wg.Wait()

	var latencies stats.Float64Data
	for _, w := range ws {
		latencies = append(latencies, w.latencies...)
	}

	gc := engine.GCStats()
	fmt.Printf("Run finished, takes %s\n", duration)
	fmt.Printf("commits %d, aborts %d, warnings %d\n", c.commits.Load(), c.aborts.Load(), c.warnings.Load())
	fmt.Printf("short %d, long %d, read-only %d\n", c.byType[transaction.TxShort].Load(), c.byType[transaction.TxLong].Load(), c.byType[transaction.TxReadOnly].Load())
	fmt.Printf("epoch %d, durable epoch %d\n", engine.Epoch(), engine.DurableEpoch())
	fmt.Printf("gc passes %d, versions %d, records %d, read-by %d\n", gc.Passes, gc.Versions, gc.Records, gc.ReadBy)
	printLatency(latencies)
	return nil
}

func printLatency(latencies stats.Float64Data) {
	if latencies.Len() == 0 {
		return
	}
	mean, _ := stats.Mean(latencies)
	p50, _ := stats.Percentile(latencies, 50)
	p99, _ := stats.Percentile(latencies, 99)
	worst, _ := stats.Max(latencies)
	fmt.Printf("commit latency(ms) avg %.3f, p50 %.3f, p99 %.3f, max %.3f\n", mean, p50, p99, worst)
}

type worker struct {
	ctx      context.Context
	engine   *transaction.Engine
	st       mvcc.Storage
	rnd      *rand.Rand
	c        *counters
	interval time.Duration

	// milliseconds, committed transactions only
	latencies []float64
}

func (w *worker) run(limiter *rate.Limiter) {
	s, err := w.engine.Enter()
	if err != nil {
		log.Error("enter session failed", zap.Error(err))
		return
	}
	defer s.Leave()
	for w.ctx.Err() == nil {
		if err := limiter.Wait(w.ctx); err != nil {
			return
		}
		txType := transaction.TxShort
		switch p := w.rnd.Float64(); {
		case p < longRatio:
			txType = transaction.TxLong
		case p < longRatio+readRatio:
			txType = transaction.TxReadOnly
		}
		w.c.byType[txType].Inc()
		start := time.Now()
		err := w.runTx(s, txType)
		if err == nil {
			w.latencies = append(w.latencies, time.Since(start).Seconds()*1000)
		}
		w.record(err)
	}
}

func (w *worker) record(err error) {
	switch st := transaction.StatusOf(err); {
	case err == nil:
		w.c.commits.Inc()
	case st.IsAbort():
		w.c.aborts.Inc()
	case st == transaction.ErrFatal:
		log.Error("transaction failed", zap.Error(err))
	default:
		w.c.warnings.Inc()
	}
}

func (w *worker) key() []byte {
	return []byte(fmt.Sprintf("key%08d", w.rnd.Intn(keyCount)))
}

func (w *worker) runTx(s *transaction.Session, txType transaction.TxType) error {
	opts := transaction.TxOptions{Type: txType}
	if txType == transaction.TxLong {
		opts.WritePreserve = []mvcc.Storage{w.st}
	}
	if err := s.TxBegin(opts); err != nil {
		return err
	}
	ops := 1 + w.rnd.Intn(4)
	for i := 0; i < ops; i++ {
		if err := w.op(s, txType); err != nil {
			if transaction.StatusOf(err).IsAbort() {
				return err
			}
			if w.ctx.Err() != nil {
				s.Abort()
				return err
			}
		}
	}
	for {
		err := s.Commit()
		if transaction.StatusOf(err) != transaction.WarnWaitingForOtherTx && transaction.StatusOf(err) != transaction.WarnPremature {
			return err
		}
		if w.ctx.Err() != nil {
			s.Abort()
			return err
		}
		w.pause()
	}
}

func (w *worker) op(s *transaction.Session, txType transaction.TxType) error {
	key := w.key()
	for {
		var err error
		if txType == transaction.TxReadOnly || w.rnd.Intn(2) == 0 {
			_, err = s.SearchKey(w.st, key)
		} else {
			err = s.Upsert(w.st, key, []byte(time.Now().String()))
		}
		if transaction.StatusOf(err) != transaction.WarnPremature {
			if transaction.StatusOf(err) == transaction.WarnNotFound {
				return nil
			}
			return err
		}
		if w.ctx.Err() != nil {
			return err
		}
		w.pause()
	}
}

func (w *worker) pause() {
	if w.interval > 0 {
		time.Sleep(w.interval / 4)
		return
	}
	time.Sleep(time.Millisecond)
}
