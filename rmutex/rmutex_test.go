package rmutex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestReentrancy(t *testing.T) {
	m := New("solver")
	test.That(t, m.LockTimeout(time.Second), test.ShouldBeNil)
	test.That(t, m.LockTimeout(time.Second), test.ShouldBeNil)
	test.That(t, m.Held(), test.ShouldBeTrue)
	m.Unlock()
	test.That(t, m.Held(), test.ShouldBeTrue)
	m.Unlock()
	test.That(t, m.Held(), test.ShouldBeFalse)
}

func TestTimeout(t *testing.T) {
	m := New("viz")
	test.That(t, m.LockTimeout(time.Second), test.ShouldBeNil)
	defer m.Unlock()

	errCh := make(chan error)
	go func() {
		errCh <- m.LockTimeout(10 * time.Millisecond)
	}()
	err := <-errCh
	test.That(t, errors.Is(err, ErrLockTimeout), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "viz")
}

func TestMutualExclusion(t *testing.T) {
	m := New("keys")
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				test.That(t, m.Lock(context.Background()), test.ShouldBeNil)
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	test.That(t, counter, test.ShouldEqual, 1600)
}

func TestUnlockByNonOwnerPanics(t *testing.T) {
	m := New("solver")
	test.That(t, m.LockTimeout(time.Second), test.ShouldBeNil)
	defer m.Unlock()

	done := make(chan interface{})
	go func() {
		defer func() { done <- recover() }()
		m.Unlock()
	}()
	test.That(t, <-done, test.ShouldNotBeNil)
}
