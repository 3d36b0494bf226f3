package collsync_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/baxromumarov/collsync"
	"github.com/baxromumarov/collsync/elementid"
	"github.com/sourcegraph/conc"
)

// BenchmarkLockUnlock measures an uncontended read or write transaction.
func BenchmarkLockUnlock(b *testing.B) {
	for _, write := range []bool{false, true} {
		b.Run(fmt.Sprintf("write=%v", write), func(b *testing.B) {
			b.ReportAllocs()
			l := collsync.NewUpgradableLock()
			o := collsync.NewOwner("bench")
			for i := 0; i < b.N; i++ {
				l.Lock(o, write).Close()
			}
		})
	}
}

// BenchmarkRWMutex is the baseline: sync.RWMutex read lock/unlock.
func BenchmarkRWMutex(b *testing.B) {
	b.ReportAllocs()
	var mu sync.RWMutex
	for i := 0; i < b.N; i++ {
		mu.RLock()
		mu.RUnlock()
	}
}

// BenchmarkOptimisticRead compares optimistic reads across strategies with
// one concurrent writer.
func BenchmarkOptimisticRead(b *testing.B) {
	for _, k := range []collsync.Kind{collsync.KindBlocking, collsync.KindStamped} {
		b.Run(k.String(), func(b *testing.B) {
			s := collsync.NewFactory(k, nil)()

			var stop atomic.Bool
			wg := conc.NewWaitGroup()
			wg.Go(func() {
				w := collsync.NewOwner("writer")
				for !stop.Load() {
					t := s.Lock(w, true, nil)
					s.MarkModified()
					t.Close()
				}
			})

			b.ReportAllocs()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				o := collsync.NewOwner("reader")
				for pb.Next() {
					s.RunOptimistic(o, func(ctx collsync.OptimisticContext) {
						_ = ctx.Check()
					})
				}
			})
			b.StopTimer()

			stop.Store(true)
			wg.Wait()
		})
	}
}

// BenchmarkNodeLock measures locking a leaf of a three-level tree.
func BenchmarkNodeLock(b *testing.B) {
	root := collsync.NewRoot(collsync.NewBlocking())
	leaf := root.CreateChild(collsync.NewBlocking()).CreateChild(collsync.NewBlocking())
	o := collsync.NewOwner("bench")

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		leaf.Lock(o, true, nil).Close()
	}
}

// BenchmarkCompare measures comparing ids after heavy churn.
func BenchmarkCompare(b *testing.B) {
	g := elementid.NewGenerator()
	ids := make([]elementid.ID, 0, 1024)
	for range 1024 {
		ids = append(ids, g.Append())
	}
	for i := 0; i < len(ids); i += 3 {
		g.Remove(ids[i])
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = g.Compare(ids[i%len(ids)], ids[(i*7)%len(ids)])
	}
}

// BenchmarkCompareBackRemovals compares ids removed one by one from the back,
// the longest removal history a collection can build.
func BenchmarkCompareBackRemovals(b *testing.B) {
	g := elementid.NewGenerator()
	ids := make([]elementid.ID, 50_000)
	for i := range ids {
		ids[i] = g.Append()
	}
	for i := len(ids) - 1; i >= 1; i-- {
		g.Remove(ids[i])
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = g.Compare(ids[len(ids)-1], ids[len(ids)-2])
	}
}
