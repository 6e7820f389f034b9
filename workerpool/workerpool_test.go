package workerpool

import (
	"errors"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestRunsTasks(t *testing.T) {
	p := NewDropOldest(golog.NewTestLogger(t))
	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	test.That(t, p.Submit(func() {
		ran = true
		wg.Done()
	}), test.ShouldBeNil)
	wg.Wait()
	p.Close()
	test.That(t, ran, test.ShouldBeTrue)
}

func TestDropsOldest(t *testing.T) {
	p := NewDropOldest(golog.NewTestLogger(t))

	block := make(chan struct{})
	started := make(chan struct{})
	test.That(t, p.Submit(func() {
		close(started)
		<-block
	}), test.ShouldBeNil)
	<-started

	// The worker is busy: the first of these waits in the slot, the second
	// replaces it.
	var mu sync.Mutex
	var order []int
	submit := func(n int) {
		test.That(t, p.Submit(func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}), test.ShouldBeNil)
	}
	submit(1)
	submit(2)
	test.That(t, p.Dropped(), test.ShouldEqual, 1)

	close(block)
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	test.That(t, order, test.ShouldResemble, []int{2})
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewDropOldest(golog.NewTestLogger(t))
	p.Close()
	err := p.Submit(func() {})
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}
