package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSatisfiesWaiter(t *testing.T) {
	r := New()
	key := NewKey(1, "alice")

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := r.Wait(context.Background(), key, 0)
		resultCh <- v
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		r.mut.Lock()
		defer r.mut.Unlock()
		return len(r.waiters[key]) == 1
	}, time.Second, time.Millisecond)

	r.Complete(key, "done")
	require.NoError(t, <-errCh)
	assert.Equal(t, "done", <-resultCh)
}

func TestCompleteWithNoWaiterIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.Complete(NewKey(5), "ignored")
	})
}

func TestThrowFailsWaiter(t *testing.T) {
	r := New()
	key := NewKey(2)
	myErr := errors.New("boom")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), key, 0)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		r.mut.Lock()
		defer r.mut.Unlock()
		return len(r.waiters[key]) == 1
	}, time.Second, time.Millisecond)

	r.Throw(key, myErr)
	assert.Same(t, myErr, <-errCh)
}

func TestWaitTimeout(t *testing.T) {
	r := New()
	_, err := r.Wait(context.Background(), NewKey(3), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFIFOOrderPerKey(t *testing.T) {
	r := New()
	key := NewKey(4)

	first := make(chan interface{}, 1)
	second := make(chan interface{}, 1)
	go func() { v, _ := r.Wait(context.Background(), key, 0); first <- v }()
	require.Eventually(t, func() bool {
		r.mut.Lock()
		defer r.mut.Unlock()
		return len(r.waiters[key]) == 1
	}, time.Second, time.Millisecond)

	go func() { v, _ := r.Wait(context.Background(), key, 0); second <- v }()
	require.Eventually(t, func() bool {
		r.mut.Lock()
		defer r.mut.Unlock()
		return len(r.waiters[key]) == 2
	}, time.Second, time.Millisecond)

	r.Complete(key, "first-value")
	r.Complete(key, "second-value")

	assert.Equal(t, "first-value", <-first)
	assert.Equal(t, "second-value", <-second)
}

func TestThrowAll(t *testing.T) {
	r := New()
	key := NewKey(6)
	myErr := errors.New("conn dropped")

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Wait(context.Background(), key, 0)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		r.mut.Lock()
		defer r.mut.Unlock()
		return len(r.waiters[key]) == 2
	}, time.Second, time.Millisecond)

	r.ThrowAll(key, myErr)
	assert.Same(t, myErr, <-errs)
	assert.Same(t, myErr, <-errs)
}

func TestCancelAllAcrossKeys(t *testing.T) {
	r := New()
	errs := make(chan error, 2)
	go func() { _, err := r.Wait(context.Background(), NewKey(7), 0); errs <- err }()
	go func() { _, err := r.Wait(context.Background(), NewKey(8), 0); errs <- err }()

	require.Eventually(t, func() bool {
		r.mut.Lock()
		defer r.mut.Unlock()
		return len(r.waiters) == 2
	}, time.Second, time.Millisecond)

	r.CancelAll()
	assert.ErrorIs(t, <-errs, ErrCancelled)
	assert.ErrorIs(t, <-errs, ErrCancelled)
}

func TestContextCancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(ctx, NewKey(9), 0)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, ErrCancelled)
}

func TestKeyStructuralEquality(t *testing.T) {
	assert.Equal(t, NewKey(1, "a", "bc"), NewKey(1, "a", "bc"))
	assert.NotEqual(t, NewKey(1, "ab", "c"), NewKey(1, "a", "bc"))
}
