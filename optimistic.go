package collsync

// OptimisticContext reports whether the state observed by an optimistic
// read is still consistent. Once Check has returned false it returns false
// forever.
//
// A context is created per attempt and used by a single goroutine.
type OptimisticContext interface {
	Check() bool
}

// AlwaysValid is the context for reads that need no validation, such as
// reads performed under a real lock.
var AlwaysValid OptimisticContext = alwaysValid{}

type alwaysValid struct{}

func (alwaysValid) Check() bool { return true }

type latch struct {
	check  func() bool
	failed bool
}

func (l *latch) Check() bool {
	if l.failed {
		return false
	}
	if !l.check() {
		l.failed = true
		return false
	}
	return true
}

// NewOptimisticContext wraps check so that the first false result sticks.
func NewOptimisticContext(check func() bool) OptimisticContext {
	return &latch{check: check}
}

// And combines two contexts. The right operand is not consulted once the
// left one has failed.
func And(left, right OptimisticContext) OptimisticContext {
	if left == AlwaysValid {
		return right
	}
	if right == AlwaysValid {
		return left
	}
	return &latch{check: func() bool {
		return left.Check() && right.Check()
	}}
}
