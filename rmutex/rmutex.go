// Package rmutex provides a reentrant mutex with time-bounded acquisition.
// The obvious borrower is the estimator's three-lock concurrency scheme, where
// the host framework's lock/unlock contract may be invoked by a goroutine that
// already holds the lock through an internal call path, and where failing to
// acquire within a bound must surface as an error rather than block forever.
package rmutex

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrLockTimeout is returned when a lock cannot be acquired within its bound.
var ErrLockTimeout = errors.New("rmutex: lock acquisition timed out")

// Mutex is a reentrant mutual-exclusion lock. The goroutine holding it may
// lock it again without deadlocking; every Lock must be balanced by an Unlock.
type Mutex struct {
	name string
	sem  chan struct{}

	stateMu sync.Mutex
	owner   int64
	depth   int
}

// New returns a named reentrant mutex; the name is carried in timeout errors
// so callers can tell which guarded resource was contended.
func New(name string) *Mutex {
	return &Mutex{name: name, sem: make(chan struct{}, 1)}
}

// Lock acquires the mutex, waiting until the context expires.
func (m *Mutex) Lock(ctx context.Context) error {
	gid := goroutineID()
	m.stateMu.Lock()
	if m.owner == gid && m.depth > 0 {
		m.depth++
		m.stateMu.Unlock()
		return nil
	}
	m.stateMu.Unlock()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ErrLockTimeout, "%s", m.name)
	}
	m.stateMu.Lock()
	m.owner = gid
	m.depth = 1
	m.stateMu.Unlock()
	return nil
}

// LockTimeout acquires the mutex, waiting at most d.
func (m *Mutex) LockTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return m.Lock(ctx)
}

// Unlock releases one level of ownership. It panics when called by a
// goroutine that does not hold the lock; that is a programming error, not an
// operational condition.
func (m *Mutex) Unlock() {
	gid := goroutineID()
	m.stateMu.Lock()
	if m.owner != gid || m.depth == 0 {
		m.stateMu.Unlock()
		panic("rmutex: unlock of " + m.name + " by non-owner")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.stateMu.Unlock()
		<-m.sem
		return
	}
	m.stateMu.Unlock()
}

// Held reports whether the calling goroutine currently owns the mutex.
func (m *Mutex) Held() bool {
	gid := goroutineID()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.owner == gid && m.depth > 0
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the calling goroutine's id out of its stack header.
// Reentrancy needs a stable owner identity and the runtime offers no cheaper
// sanctioned way to get one.
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
