// Package collsync provides the synchronization substrate for concurrent
// observable collections: reentrant upgradable locks, pluggable locking
// strategies with optimistic reads, and hierarchical transactions over trees
// of related collections.
//
// A collection's algorithm is written once against [Strategy] and never
// knows which policy protects it. Stable element identities live in the
// [github.com/baxromumarov/collsync/elementid] subpackage.
//
// # Owners
//
// Go has no thread identity, so every acquisition names an [*Owner]: a
// logical thread of control created with [NewOwner]. Reentrancy counts and
// the stack of open transactions are kept per owner by each lock. An owner
// must not be used by two goroutines at once.
//
// # Transactions
//
// Every lock returns a [Transaction] that is released by Close:
//
//	t := s.Lock(owner, true, collsync.NewCause("reload"))
//	defer t.Close()
//
// An owner's transactions on one lock form a stack. Closing out of order or
// twice panics with a [*LockError]; use [IsLockError] and [KindOf] to
// inspect a recovered value. Bookkeeping is validated before it is changed,
// so the lock is left as it was.
//
// # Strategies
//
//   - [FastFail]: no real locking. Writes are restricted to one pinned
//     owner, and optimistic reads rerun when the collection was modified
//     while they ran.
//   - [Blocking]: an [UpgradableLock]. Optimistic reads validate against
//     the lock's sequence version and take a read lock if a writer is
//     active.
//   - [Stamped]: like Blocking, but optimistic reads first retry a bounded
//     number of times (see [WithEscalateAfter]).
//
// [NewFactory] selects one by [Kind] for every collection it creates.
//
// # Optimistic Reads
//
// [Strategy.RunOptimistic] runs a read-only operation that polls its
// [OptimisticContext] and stops early once Check reports false. Runs that
// overlapped a modification are discarded and repeated. [Optimistic] is the
// generic form that returns the validated result.
//
// # Hierarchies
//
// A [Node] joins strategies into a tree. Locking a node read-locks its
// ancestors and locks its descendants with the same mode, so a derived view
// cannot be observed while its source is being rebuilt. Siblings never
// contend with each other. Nodes reference their parents weakly.
//
// # Causes
//
// A write may carry a [*Cause] naming the event that triggered it. Nested
// writes of the same owner report the outermost cause of their batch, and
// [Node.CurrentCause] finds the innermost unfinished one.
//
// # Observability
//
// Every strategy exposes a [LockStats] snapshot through Stats. Use
// [WithOnEvent] for a synchronous [LockEvent] hook and [WithLogger] to
// write the same events to a [log/slog] logger at debug level.
package collsync
