package keeper

import (
	"sync"
	"sync/atomic"
)

// Token is the cooperative cancellation contract between the supervisor and
// the reconciliation loop. Signal handlers only flip these bits; every
// effectful response happens at the loop's own checkpoints. Stop lets the
// current cycle finish, fast stop abandons mid-cycle work (anything not yet
// persisted is simply redone from durable state on the next start), reload
// asks for the configuration to be re-read at the next checkpoint.
type Token struct {
	stop     atomic.Bool
	fastStop atomic.Bool
	reload   atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// RequestStop asks the loop to exit after its current cycle.
func (t *Token) RequestStop() {
	t.stop.Store(true)
	t.doneOnce.Do(func() { close(t.done) })
}

// RequestFastStop asks the loop to exit at its next checkpoint, abandoning
// the cycle in progress.
func (t *Token) RequestFastStop() {
	t.fastStop.Store(true)
	t.RequestStop()
}

// RequestReload asks the loop to re-read its configuration.
func (t *Token) RequestReload() {
	t.reload.Store(true)
}

func (t *Token) StopRequested() bool {
	return t.stop.Load()
}

func (t *Token) FastStopRequested() bool {
	return t.fastStop.Load()
}

// TakeReload consumes a pending reload request.
func (t *Token) TakeReload() bool {
	return t.reload.Swap(false)
}

// Done is closed once any stop has been requested, so sleeps can be
// interrupted without polling.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
