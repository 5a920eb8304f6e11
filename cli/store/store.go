package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nspcc-dev/vdb/cli/cmdargs"
	"github.com/nspcc-dev/vdb/cli/options"
	"github.com/nspcc-dev/vdb/internal/random"
	"github.com/nspcc-dev/vdb/pkg/config"
	"github.com/nspcc-dev/vdb/pkg/core/vdb"
	"github.com/nspcc-dev/vdb/pkg/services/metrics"
	"github.com/urfave/cli"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// NewCommands returns store-related commands.
func NewCommands() []cli.Command {
	execFlags := append([]cli.Flag{
		cli.StringFlag{
			Name:  "in, i",
			Usage: "transaction script file (YAML or JSON)",
		},
		cli.BoolFlag{
			Name:  "no-verify",
			Usage: "don't verify commit proofs",
		},
	}, options.Store...)
	benchFlags := append([]cli.Flag{
		cli.IntFlag{
			Name:  "txs, n",
			Value: 1000,
			Usage: "number of transactions to commit",
		},
		cli.IntFlag{
			Name:  "workers, w",
			Value: 4,
			Usage: "number of concurrent clients",
		},
		cli.IntFlag{
			Name:  "ops",
			Value: 8,
			Usage: "number of reads and writes per transaction",
		},
		cli.BoolFlag{
			Name:  "no-verify",
			Usage: "don't verify commit proofs",
		},
		cli.BoolFlag{
			Name:  "wait",
			Usage: "keep metrics services running after the benchmark until interrupted",
		},
	}, options.Store...)
	return []cli.Command{
		{
			Name:      "exec",
			Usage:     "Execute a transaction script against a fresh store and print commit proofs",
			UsageText: "vdb exec -i script.yml [--no-verify] [--config-file file] [--debug]",
			Action:    execScript,
			Flags:     execFlags,
		},
		{
			Name:      "bench",
			Usage:     "Run concurrent random transactions against a fresh store",
			UsageText: "vdb bench [-n txs] [-w workers] [--ops n] [--no-verify] [--wait] [--config-file file] [--debug]",
			Action:    runBench,
			Flags:     benchFlags,
		},
	}
}

// node is a store with its optional journal and services.
type node struct {
	db         *vdb.DB
	journal    *vdb.Journal
	prometheus *metrics.Service
	pprof      *metrics.Service
	log        *zap.Logger
}

func newNode(ctx *cli.Context) (*node, error) {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return nil, cli.NewExitError(err, 1)
	}
	log, _, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration.Logger)
	if err != nil {
		return nil, cli.NewExitError(err, 1)
	}
	n, err := initNode(cfg, log)
	if err != nil {
		return nil, cli.NewExitError(err, 1)
	}
	return n, nil
}

func initNode(cfg config.Config, log *zap.Logger) (*node, error) {
	n := &node{log: log}
	var err error
	if cfg.ApplicationConfiguration.Journal.Enabled {
		n.journal, err = vdb.NewJournal(cfg.ApplicationConfiguration.Journal, log)
		if err != nil {
			return nil, fmt.Errorf("could not initialize journal: %w", err)
		}
	}
	n.db, err = vdb.New(cfg.StoreConfiguration, n.journal, log)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("could not initialize store: %w", err)
	}
	n.prometheus = metrics.NewPrometheusService(cfg.ApplicationConfiguration.Prometheus, log)
	n.pprof = metrics.NewPprofService(cfg.ApplicationConfiguration.Pprof, log)
	if err = n.prometheus.Start(); err != nil {
		n.close()
		return nil, fmt.Errorf("failed to start Prometheus service: %w", err)
	}
	if err = n.pprof.Start(); err != nil {
		n.close()
		return nil, fmt.Errorf("failed to start Pprof service: %w", err)
	}
	return n, nil
}

func (n *node) close() {
	if n.pprof != nil {
		n.pprof.ShutDown()
	}
	if n.prometheus != nil {
		n.prometheus.ShutDown()
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.log.Error("failed to close journal", zap.Error(err))
		}
	}
	_ = n.log.Sync()
}

func newGraceContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func execScript(ctx *cli.Context) error {
	if err := cmdargs.EnsureNone(ctx); err != nil {
		return err
	}
	in := ctx.String("in")
	if len(in) == 0 {
		return cli.NewExitError("no script file given, use --in", 1)
	}
	script, err := LoadScript(in)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	n, err := newNode(ctx)
	if err != nil {
		return err
	}
	defer n.close()

	grace, cancel := newGraceContext()
	defer cancel()

	res, err := script.Run(grace, n.db, !ctx.Bool("no-verify"))
	out, mErr := json.MarshalIndent(res, "", "  ")
	if mErr != nil {
		return cli.NewExitError(mErr, 1)
	}
	fmt.Fprintln(ctx.App.Writer, string(out))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	return nil
}

// BenchResult is the summary of a benchmark run.
type BenchResult struct {
	Commits  uint64        `json:"commits"`
	Failed   uint64        `json:"failed"`
	Duration time.Duration `json:"duration"`
	TPS      float64       `json:"tps"`
	Root     string        `json:"root"`
}

func runBench(ctx *cli.Context) error {
	if err := cmdargs.EnsureNone(ctx); err != nil {
		return err
	}
	var (
		txs     = ctx.Int("txs")
		workers = ctx.Int("workers")
		ops     = ctx.Int("ops")
	)
	if txs <= 0 || workers <= 0 || ops < 0 {
		return cli.NewExitError("txs and workers must be positive, ops can't be negative", 1)
	}
	n, err := newNode(ctx)
	if err != nil {
		return err
	}
	defer n.close()

	grace, cancel := newGraceContext()
	defer cancel()

	res := bench(grace, n.db, txs, workers, ops, !ctx.Bool("no-verify"), n.log)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintln(ctx.App.Writer, string(out))
	if res.Failed != 0 {
		return cli.NewExitError(fmt.Errorf("%d transactions failed", res.Failed), 1)
	}
	if ctx.Bool("wait") {
		n.log.Info("benchmark finished, waiting for interrupt")
		<-grace.Done()
	}
	return nil
}

func bench(ctx context.Context, db *vdb.DB, txs, workers, ops int, verify bool, log *zap.Logger) BenchResult {
	var (
		wg      sync.WaitGroup
		left    = atomic.NewInt64(int64(txs))
		commits atomic.Uint64
		failed  atomic.Uint64
		maxKey  = int(db.MaxKey())
		start   = time.Now()
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for left.Dec() >= 0 && ctx.Err() == nil {
				if err := benchTxn(ctx, db, ops, maxKey, verify); err != nil {
					if !errors.Is(err, context.Canceled) {
						log.Warn("transaction failed", zap.Error(err))
						failed.Inc()
					}
					continue
				}
				commits.Inc()
			}
		}()
	}
	wg.Wait()
	d := time.Since(start)
	return BenchResult{
		Commits:  commits.Load(),
		Failed:   failed.Load(),
		Duration: d,
		TPS:      float64(commits.Load()) / d.Seconds(),
		Root:     db.Root().String(),
	}
}

func benchTxn(ctx context.Context, db *vdb.DB, ops, maxKey int, verify bool) error {
	txn, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Abandon()

	oldRoot := db.Root()
	writes := make(map[vdb.Key]uint64)
	for j := 0; j < ops; j++ {
		k := vdb.Key(random.Int(0, maxKey+1))
		if j%2 == 0 {
			if _, err := txn.Get(k); err != nil {
				return err
			}
			continue
		}
		v := random.Uint64()
		if err := txn.Put(k, v); err != nil {
			return err
		}
		writes[k] = v
	}
	p, err := txn.Commit()
	if err != nil {
		return err
	}
	if verify && p != nil && (!vdb.VerifyProof(p, oldRoot) || !p.VerifyTransition(writes)) {
		return fmt.Errorf("invalid proof for commit %s -> %s", p.OldRoot, p.NewRoot)
	}
	return nil
}
