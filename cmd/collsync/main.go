// Command collsync runs a contention workload against a tree of locked
// nodes and prints lock statistics.
//
// Writers repeatedly write-lock random nodes and update the node's payload.
// Readers read random payloads optimistically. A validated read that sees a
// half-written payload is counted as torn; only the fastfail strategy,
// which performs no real locking, can produce torn reads.
//
//	collsync -strategy stamped -readers 8 -writers 2 -ops 5000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/baxromumarov/collsync"
	"golang.org/x/sync/errgroup"
)

type options struct {
	strategy  string
	readers   int
	writers   int
	ops       int
	depth     int
	fanout    int
	logLevel  string
	logFormat string
	timeout   time.Duration
}

// payload is modified in two steps under a write lock, so readers can
// detect writes they were not protected from.
type payload struct {
	first  atomic.Int64
	second atomic.Int64
}

type node struct {
	*collsync.Node
	data  payload
	level int
}

func main() {
	var opts options
	flag.StringVar(&opts.strategy, "strategy", "blocking", "locking strategy: fastfail, blocking or stamped")
	flag.IntVar(&opts.readers, "readers", 4, "number of optimistic readers")
	flag.IntVar(&opts.writers, "writers", 2, "number of writers")
	flag.IntVar(&opts.ops, "ops", 2000, "operations per worker")
	flag.IntVar(&opts.depth, "depth", 3, "depth of the node tree")
	flag.IntVar(&opts.fanout, "fanout", 3, "children per node")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flag.DurationVar(&opts.timeout, "timeout", time.Minute, "abort the workload after this long")
	flag.Parse()

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "collsync:", err)
		os.Exit(1)
	}
}

func newLogger(opts options, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(opts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func validate(opts options, kind collsync.Kind) error {
	switch {
	case opts.readers < 0 || opts.writers < 0:
		return errors.New("worker counts must not be negative")
	case opts.ops < 1:
		return errors.New("-ops must be at least 1")
	case opts.depth < 1 || opts.fanout < 1:
		return errors.New("-depth and -fanout must be at least 1")
	case kind == collsync.KindFastFail && opts.writers > 1:
		return errors.New("fastfail allows a single writer")
	}
	return nil
}

func buildTree(opts options, factory collsync.Factory) []*node {
	root := &node{Node: collsync.NewRoot(factory())}
	nodes := []*node{root}
	level := []*node{root}
	for d := 1; d < opts.depth; d++ {
		var next []*node
		for _, parent := range level {
			for range opts.fanout {
				c := &node{Node: parent.CreateChild(factory()), level: d}
				next = append(next, c)
				nodes = append(nodes, c)
			}
		}
		level = next
	}
	return nodes
}

func run(ctx context.Context, opts options, out io.Writer) error {
	kind, err := collsync.ParseKind(opts.strategy)
	if err != nil {
		return err
	}
	if err := validate(opts, kind); err != nil {
		return err
	}

	logger := newLogger(opts, os.Stderr)

	// FastFail strategies are pinned to the one writer.
	writerOwners := make([]*collsync.Owner, opts.writers)
	for i := range writerOwners {
		writerOwners[i] = collsync.NewOwner(fmt.Sprintf("writer-%d", i))
	}
	var pinned *collsync.Owner
	if kind == collsync.KindFastFail {
		pinned = collsync.NewOwner("writer-0")
		if len(writerOwners) > 0 {
			pinned = writerOwners[0]
		}
	}
	factory := collsync.NewFactory(kind, pinned, collsync.WithLogger(logger))
	nodes := buildTree(opts, factory)

	logger.Info("starting workload",
		slog.String("strategy", kind.String()),
		slog.Int("nodes", len(nodes)),
		slog.Int("readers", opts.readers),
		slog.Int("writers", opts.writers),
		slog.Int("ops", opts.ops),
	)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var torn atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i, owner := range writerOwners {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), 1))
			for range opts.ops {
				if err := ctx.Err(); err != nil {
					return err
				}
				n := nodes[rng.IntN(len(nodes))]
				cause := collsync.NewCause(fmt.Sprintf("%s update", owner.Name()))
				t := n.Lock(owner, true, cause)
				v := n.data.first.Add(1)
				n.data.second.Store(v)
				n.MarkModified()
				t.Close()
				cause.Finish()
			}
			return nil
		})
	}
	for i := range opts.readers {
		g.Go(func() error {
			owner := collsync.NewOwner(fmt.Sprintf("reader-%d", i))
			rng := rand.New(rand.NewPCG(uint64(i), 2))
			for range opts.ops {
				if err := ctx.Err(); err != nil {
					return err
				}
				n := nodes[rng.IntN(len(nodes))]
				pair := collsync.Optimistic(n, owner, [2]int64{}, func(p [2]int64, _ collsync.OptimisticContext) [2]int64 {
					p[0] = n.data.first.Load()
					p[1] = n.data.second.Load()
					return p
				})
				if pair[0] != pair[1] {
					torn.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("workload aborted: %w", err)
	}
	elapsed := time.Since(start)

	logger.Info("workload finished", slog.Duration("elapsed", elapsed))
	return report(out, nodes, opts.depth, torn.Load(), elapsed)
}

// report prints LockStats summed per tree level.
func report(out io.Writer, nodes []*node, depth int, torn int64, elapsed time.Duration) error {
	levels := make([]collsync.LockStats, depth)
	for _, n := range nodes {
		s := n.Stats()
		l := &levels[n.level]
		l.ReadLocks += s.ReadLocks
		l.WriteLocks += s.WriteLocks
		l.TryLockFailures += s.TryLockFailures
		l.Contended += s.Contended
		l.OptimisticAttempts += s.OptimisticAttempts
		l.OptimisticRetries += s.OptimisticRetries
		l.Escalations += s.Escalations
		l.Modifications += s.Modifications
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "level\treads\twrites\tcontended\toptimistic\tretries\tescalations\tmodifications\t")
	for i, l := range levels {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			i, l.ReadLocks, l.WriteLocks, l.Contended,
			l.OptimisticAttempts, l.OptimisticRetries, l.Escalations, l.Modifications)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\ntorn reads: %d\nelapsed: %v\n", torn, elapsed.Round(time.Millisecond))
	return err
}
