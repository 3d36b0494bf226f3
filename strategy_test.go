package collsync

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestFastFailPinnedWrites(t *testing.T) {
	o, other := NewOwner("pinned"), NewOwner("other")
	s := NewFastFail(o)
	assert.Same(t, o, s.Pinned())

	r := s.Lock(other, false, nil)
	require.NotNil(t, r, "reads by any owner are granted")
	r.Close()

	mustPanicKind(t, ErrWrongOwner, func() { s.Lock(other, true, nil) })
	mustPanicKind(t, ErrWrongOwner, func() { s.TryLock(other, true, nil) })
	mustPanicKind(t, ErrNilOwner, func() { s.Lock(nil, false, nil) })

	w := s.TryLock(o, true, nil)
	require.NotNil(t, w)
	assert.True(t, w.IsWrite())
	w.Close()

	mustPanic(t, "requires an owner", func() { NewFastFail(nil) })
}

func TestFastFailCloseDiscipline(t *testing.T) {
	o := NewOwner("o")
	s := NewFastFail(o)

	w1 := s.Lock(o, true, nil)
	w2 := s.Lock(o, true, nil)
	mustPanicKind(t, ErrOutOfOrder, w1.Close)

	w2.Close()
	w1.Close()
	mustPanicKind(t, ErrAlreadyClosed, w1.Close)

	// Reads are not stacked.
	r1 := s.Lock(o, false, nil)
	r2 := s.Lock(o, false, nil)
	r1.Close()
	r2.Close()
}

func TestFastFailRetriesOnModification(t *testing.T) {
	o := NewOwner("o")
	s := NewFastFail(o)

	runs := 0
	s.RunOptimistic(o, func(ctx OptimisticContext) {
		runs++
		if runs == 1 {
			// Same owner modifies the collection while iterating it.
			w := s.Lock(o, true, nil)
			s.MarkModified()
			w.Close()
			assert.False(t, ctx.Check())
			assert.False(t, ctx.Check(), "failure latches")
		}
	})

	assert.Equal(t, 2, runs)
	assert.Equal(t, uint64(1), s.Stamp())
	stats := s.Stats()
	assert.Equal(t, int64(2), stats.OptimisticAttempts)
	assert.Equal(t, int64(1), stats.OptimisticRetries)
	assert.Equal(t, int64(1), stats.Modifications)
}

func TestFastFailOptimisticUnderWrite(t *testing.T) {
	o := NewOwner("o")
	s := NewFastFail(o)

	w := s.Lock(o, true, nil)
	runs := 0
	s.RunOptimistic(o, func(ctx OptimisticContext) {
		runs++
		s.MarkModified()
		assert.True(t, ctx.Check(), "reads inside a write batch are not validated")
	})
	w.Close()
	assert.Equal(t, 1, runs)
}

func testCausePropagation(t *testing.T, s Strategy, o *Owner) {
	t.Helper()

	c1 := NewCause("outer")
	c2 := c1.Child("inner")

	outer := s.Lock(o, true, c1)
	inner := s.Lock(o, true, c2)
	read := s.Lock(o, false, nil)

	assert.Same(t, c1, outer.Cause())
	assert.Same(t, c1, inner.Cause(), "nested writes report the outermost cause")
	assert.Same(t, c1, read.Cause())
	assert.Same(t, c2, s.CurrentCause(o))

	c2.Finish()
	assert.Same(t, c1, s.CurrentCause(o), "finished causes are skipped")

	read.Close()
	inner.Close()
	assert.Same(t, c1, s.CurrentCause(o))
	outer.Close()
	assert.Nil(t, s.CurrentCause(o))
}

func TestCausePropagation(t *testing.T) {
	t.Run("fastfail", func(t *testing.T) {
		o := NewOwner("o")
		testCausePropagation(t, NewFastFail(o), o)
	})
	t.Run("blocking", func(t *testing.T) {
		testCausePropagation(t, NewBlocking(), NewOwner("o"))
	})
	t.Run("stamped", func(t *testing.T) {
		testCausePropagation(t, NewStamped(), NewOwner("o"))
	})
}

func TestBlockingOptimisticRetriesAfterWrite(t *testing.T) {
	s := NewBlocking()
	reader, writer := NewOwner("reader"), NewOwner("writer")

	var x atomic.Int64
	runs := 0
	s.RunOptimistic(reader, func(ctx OptimisticContext) {
		runs++
		_ = x.Load()
		if runs == 1 {
			done := make(chan struct{})
			go func() {
				defer close(done)
				w := s.Lock(writer, true, nil)
				x.Add(1)
				s.MarkModified()
				w.Close()
			}()
			<-done
			assert.False(t, ctx.Check())
		}
	})

	assert.Equal(t, 2, runs)
	assert.Equal(t, int64(1), s.Stats().OptimisticRetries)
	assert.Equal(t, int64(0), s.Stats().Escalations)
}

func TestBlockingOptimisticFallsBackWhileWriteHeld(t *testing.T) {
	s := NewBlocking()
	reader, writer := NewOwner("reader"), NewOwner("writer")

	w := s.Lock(writer, true, nil)

	runs := 0
	valid := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunOptimistic(reader, func(ctx OptimisticContext) {
			runs++
			valid = ctx.Check()
		})
	}()

	require.Eventually(t, func() bool {
		return s.Stats().Escalations == 1
	}, 5*time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("escalated read must wait for the writer")
	case <-time.After(20 * time.Millisecond):
	}

	w.Close()
	waitDone(t, done, "escalated read")
	assert.Equal(t, 1, runs)
	assert.True(t, valid)
}

func TestStampedEscalatesAfterFailures(t *testing.T) {
	s := NewStamped(WithSpin(0, time.Microsecond))
	reader, writer := NewOwner("reader"), NewOwner("writer")

	w := s.Lock(writer, true, nil)

	runs := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunOptimistic(reader, func(ctx OptimisticContext) {
			runs++
			assert.True(t, ctx.Check())
		})
	}()

	require.Eventually(t, func() bool {
		return s.Stats().Escalations == 1
	}, 5*time.Second, time.Millisecond)

	stats := s.Stats()
	assert.Equal(t, int64(0), stats.OptimisticAttempts, "no attempt starts under a writer")
	assert.Equal(t, int64(2), stats.OptimisticRetries)

	w.Close()
	waitDone(t, done, "escalated read")
	assert.Equal(t, 1, runs)
}

func TestStampedRetriesOnceThenSucceeds(t *testing.T) {
	s := NewStamped(WithEscalateAfter(3))
	reader, writer := NewOwner("reader"), NewOwner("writer")

	runs := 0
	s.RunOptimistic(reader, func(ctx OptimisticContext) {
		runs++
		if runs == 1 {
			done := make(chan struct{})
			go func() {
				defer close(done)
				w := s.Lock(writer, true, nil)
				s.MarkModified()
				w.Close()
			}()
			<-done
		}
	})

	assert.Equal(t, 2, runs)
	assert.Equal(t, int64(0), s.Stats().Escalations)
}

func TestOptimisticInsideOwnTransaction(t *testing.T) {
	for _, s := range []Strategy{NewBlocking(), NewStamped()} {
		o := NewOwner("o")
		r := s.Lock(o, false, nil)

		runs := 0
		s.RunOptimistic(o, func(ctx OptimisticContext) {
			runs++
			assert.Equal(t, AlwaysValid, ctx)
		})
		r.Close()
		assert.Equal(t, 1, runs)

		// Holding a different lock does not make reads of s unvalidated.
		other := NewBlocking().Lock(o, false, nil)
		s.RunOptimistic(o, func(ctx OptimisticContext) {
			assert.IsType(t, &latch{}, ctx)
		})
		other.Close()
	}
}

func TestOptimisticReadSkipsHolderTable(t *testing.T) {
	for _, s := range []Strategy{NewBlocking(), NewStamped()} {
		l := s.(interface{ Underlying() *UpgradableLock }).Underlying()
		reader, idle, busy := NewOwner("reader"), NewOwner("idle"), NewOwner("busy")

		r := s.Lock(reader, false, nil)
		elsewhere := NewBlocking().Lock(busy, false, nil)

		l.mu.Lock()
		done := make(chan struct{})
		go func() {
			defer close(done)
			// idle holds nothing at all.
			s.RunOptimistic(idle, func(ctx OptimisticContext) {
				assert.True(t, ctx.Check())
			})
		}()
		waitDone(t, done, "optimistic read by an owner holding nothing")
		l.mu.Unlock()

		r.Close()

		l.mu.Lock()
		done = make(chan struct{})
		go func() {
			defer close(done)
			// busy holds a transaction, but s has no holders.
			s.RunOptimistic(busy, func(ctx OptimisticContext) {
				assert.True(t, ctx.Check())
			})
		}()
		waitDone(t, done, "optimistic read of a lock with no holders")
		l.mu.Unlock()

		elsewhere.Close()
		assert.Equal(t, int64(0), l.held.Load())
		assert.Equal(t, int64(0), busy.open.Load())
	}
}

func TestTryLockReturnsUntypedNil(t *testing.T) {
	for _, s := range []Strategy{NewBlocking(), NewStamped()} {
		a, b := NewOwner("a"), NewOwner("b")
		w := s.Lock(a, true, nil)
		tx := s.TryLock(b, false, nil)
		assert.True(t, tx == nil, "TryLock must return an untyped nil interface")
		w.Close()
	}
}

// testConsistentSnapshots runs one writer against several optimistic
// readers. Every validated read must observe a state some writer left
// behind, and each reader must see states in writer order.
func testConsistentSnapshots(t *testing.T, s Strategy) {
	t.Helper()

	var x, y atomic.Int64
	var g errgroup.Group

	g.Go(func() error {
		w := NewOwner("writer")
		for i := 0; i < 400; i++ {
			tx := s.Lock(w, true, nil)
			x.Add(1)
			runtime.Gosched()
			y.Add(1)
			s.MarkModified()
			tx.Close()
		}
		return nil
	})

	for r := range 4 {
		g.Go(func() error {
			o := NewOwner(fmt.Sprintf("reader-%d", r))
			last := int64(-1)
			for i := 0; i < 400; i++ {
				pair := Optimistic(s, o, [2]int64{}, func(p [2]int64, _ OptimisticContext) [2]int64 {
					p[0] = x.Load()
					p[1] = y.Load()
					return p
				})
				if pair[0] != pair[1] {
					return fmt.Errorf("torn read: %v", pair)
				}
				if pair[0] < last {
					return fmt.Errorf("went back in time: %d after %d", pair[0], last)
				}
				last = pair[0]
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, uint64(400), s.Stamp())
}

func TestConsistentSnapshots(t *testing.T) {
	t.Run("blocking", func(t *testing.T) {
		testConsistentSnapshots(t, NewBlocking(WithSpin(8, 10*time.Microsecond)))
	})
	t.Run("stamped", func(t *testing.T) {
		testConsistentSnapshots(t, NewStamped(WithSpin(8, 10*time.Microsecond)))
	})
}

func TestOptimisticHelper(t *testing.T) {
	o := NewOwner("o")
	s := NewFastFail(o)

	got := Optimistic(s, o, 10, func(n int, ctx OptimisticContext) int {
		require.True(t, ctx.Check())
		return n + 1
	})
	assert.Equal(t, 11, got)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"fastfail", KindFastFail},
		{"fast-fail", KindFastFail},
		{"Blocking", KindBlocking},
		{" stamped ", KindStamped},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.NotEmpty(t, got.String())
	}

	_, err := ParseKind("optimistic")
	assert.Error(t, err)
	assert.Equal(t, "Kind(7)", Kind(7).String())
}

func TestNewFactory(t *testing.T) {
	o := NewOwner("o")

	assert.IsType(t, &FastFail{}, NewFactory(KindFastFail, o)())
	assert.IsType(t, &Blocking{}, NewFactory(KindBlocking, nil)())
	assert.IsType(t, &Stamped{}, NewFactory(KindStamped, nil)())

	f := NewFactory(KindBlocking, nil)
	assert.NotSame(t, f(), f(), "each call yields a fresh strategy")

	mustPanic(t, "unknown strategy kind", func() { NewFactory(Kind(9), nil) })
}

func TestOptionValidation(t *testing.T) {
	mustPanic(t, "non-negative spins", func() { WithSpin(-1, time.Millisecond) })
	mustPanic(t, "sleep > 0", func() { WithSpin(1, 0) })
	mustPanic(t, "n >= 1", func() { WithEscalateAfter(0) })
	mustPanic(t, "non-nil callback", func() { WithOnEvent(nil) })

	cfg := newConfig(nil)
	assert.Equal(t, defaultSpins, cfg.spins)
	assert.Equal(t, defaultSleep, cfg.sleep)
	assert.Equal(t, defaultEscalateAfter, cfg.escalateAfter)
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := NewBlocking(WithName("list"), WithLogger(logger))
	o := NewOwner("o")
	tx := s.Lock(o, true, NewCause("load"))
	s.MarkModified()
	tx.Close()

	out := buf.String()
	assert.Contains(t, out, `msg="collsync lock event"`)
	assert.Contains(t, out, "lock=list")
	assert.Contains(t, out, "event=acquired")
	assert.Contains(t, out, "event=modified")
	assert.Contains(t, out, "event=released")
	assert.Contains(t, out, "cause=")
}

func TestWithLoggerSkipsDisabledLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	s := NewBlocking(WithLogger(logger))
	s.Lock(NewOwner("o"), false, nil).Close()
	assert.Empty(t, buf.String())
}
