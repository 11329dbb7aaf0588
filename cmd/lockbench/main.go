// Command lockbench drives a synthetic wound-wait workload against the
// transaction package and reports commit/abort counts and throughput.
//
// Each of -workers goroutines runs -txns transactions against a simulated
// table of -rids records: a transaction takes three shared locks on
// consecutive records starting at a random offset, then either upgrades or
// takes an exclusive lock on a second random record, and commits or aborts
// depending on whether wound-wait forced it out along the way.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sourin-db/wwlock/transaction"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lockbench:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("lockbench", flag.ContinueOnError)
	workers := fs.Int("workers", 0, "number of concurrent worker goroutines")
	txns := fs.Int("txns", 0, "transactions per worker")
	rids := fs.Int("rids", 0, "size of the simulated record table")
	seed := fs.Int64("seed", 0, "PRNG seed (when omitted, the config/default seed is used)")
	verbose := fs.Bool("verbose", false, "enable logging at the configured log_level (debug shows wounds and self-aborts)")
	configPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flagsSet := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })

	override := transactionBenchOverrides(*workers, *txns, *rids, *seed, *verbose)
	cfg, err := LoadConfig(*configPath, override, flagsSet)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	result := runWorkload(cfg, logger)

	fmt.Printf("Committed: %d\n", result.committed)
	fmt.Printf("Aborted:   %d\n", result.aborted)
	if result.invariantViolations > 0 {
		fmt.Printf("Invariant violations: %d (see log)\n", result.invariantViolations)
	}
	fmt.Printf("Total time: %d ms\n", result.elapsed.Milliseconds())
	if ms := result.elapsed.Milliseconds(); ms > 0 {
		opsPerMs := float64(result.committed) / float64(ms)
		fmt.Printf("Throughput: %.2f committed-ops/ms\n", opsPerMs)
	}
	return nil
}

// buildLogger constructs the harness's diagnostic logger. A non-verbose run
// stays silent (zap.NewNop()); a verbose run logs at cfg.LogLevel (defaulting
// to info when the configured level doesn't parse), which is what lets an
// operator turn on the lock manager's per-wound Debug-level traces without
// recompiling anything.
func buildLogger(cfg Config) (*zap.Logger, error) {
	if !cfg.Verbose {
		return zap.NewNop(), nil
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func transactionBenchOverrides(workers, txns, rids int, seed int64, verbose bool) Config {
	c := DefaultConfig()
	c.Workers, c.Txns, c.RIDs, c.Seed, c.Verbose = workers, txns, rids, seed, verbose
	return c
}

type workloadResult struct {
	committed           int64
	aborted             int64
	invariantViolations int64
	elapsed             time.Duration
}

// runWorkload reproduces the original benchmark's per-transaction shape:
// three shared reads at consecutive offsets from a random start, then an
// upgrade (if already shared-holding the target) or a fresh exclusive lock
// on a second random record, commit if the transaction survived wound-wait
// intact, otherwise abort.
func runWorkload(cfg Config, logger *zap.Logger) workloadResult {
	registry := transaction.NewRegistry()
	lockManager := transaction.NewLockManager(registry, logger)
	txnManager := transaction.NewTransactionManager(registry, lockManager, logger)

	var committed, aborted, violations int64
	var wg sync.WaitGroup

	noteErr := func(err error) {
		if err == nil {
			return
		}
		atomic.AddInt64(&violations, 1)
		logger.Error("lock manager invariant violation", zap.Error(err))
	}

	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.Seed + int64(workerID)))

			for t := 0; t < cfg.Txns; t++ {
				txn, err := txnManager.Begin(context.Background())
				if err != nil {
					atomic.AddInt64(&aborted, 1)
					continue
				}

				i := rng.Intn(cfg.RIDs)
				j := rng.Intn(cfg.RIDs)

				for off := 0; off < cfg.ThreeLocks; off++ {
					idx := transaction.RID((i + off) % cfg.RIDs)
					_, err := lockManager.LockShared(txn, idx)
					noteErr(err)
				}

				target := transaction.RID(j)
				if txn.HoldsShared(target) {
					_, err := lockManager.LockUpgrade(txn, target)
					noteErr(err)
				} else {
					_, err := lockManager.LockExclusive(txn, target)
					noteErr(err)
				}

				if txn.State() == transaction.Aborted {
					atomic.AddInt64(&aborted, 1)
					txnManager.Abort(txn)
					continue
				}

				atomic.AddInt64(&committed, 1)
				txnManager.Commit(txn)
			}
		}(w)
	}
	wg.Wait()

	return workloadResult{
		committed:           atomic.LoadInt64(&committed),
		aborted:             atomic.LoadInt64(&aborted),
		invariantViolations: atomic.LoadInt64(&violations),
		elapsed:             time.Since(start),
	}
}
