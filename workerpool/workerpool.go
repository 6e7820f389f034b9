// Package workerpool runs background tasks on a single worker with a one-deep
// queue and a drop-oldest overflow policy. It suits best-effort work such as
// display refresh, where only the newest snapshot matters and producers must
// never block or observe results synchronously.
package workerpool

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("workerpool: closed")

// DropOldest is a single-worker pool whose queue holds one pending task; a
// newer submission replaces an older one that has not started yet.
type DropOldest struct {
	logger golog.Logger

	mu     sync.Mutex
	closed bool

	tasks   chan func()
	done    chan struct{}
	dropped atomic.Int64
}

// NewDropOldest starts the worker goroutine.
func NewDropOldest(logger golog.Logger) *DropOldest {
	p := &DropOldest{
		logger: logger,
		tasks:  make(chan func(), 1),
		done:   make(chan struct{}),
	}
	goutils.PanicCapturingGo(func() {
		defer close(p.done)
		for task := range p.tasks {
			task()
		}
	})
	return p
}

// Submit queues a task. If the queue slot is occupied by a task that has not
// started, that older task is discarded. Submit never blocks on the worker.
func (p *DropOldest) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for {
		select {
		case p.tasks <- task:
			return nil
		default:
		}
		select {
		case <-p.tasks:
			p.dropped.Inc()
			p.logger.Debug("dropping superseded background task")
		default:
		}
	}
}

// Dropped returns how many queued tasks were superseded before running.
func (p *DropOldest) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting tasks and waits for the worker to finish whatever it
// already picked up plus at most one queued task.
func (p *DropOldest) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	<-p.done
}
