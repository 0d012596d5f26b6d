// Package waiter implements the registry of pending single-shot awaiters
// described in spec.md §4.C, adapted from the teacher's events package: the
// same mutex-guarded map-of-channels shape, generalized from broadcast
// (every subscriber sees every event) to single-consumption completion
// (exactly one waiter is satisfied per complete/throw call).
package waiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soulseek-go/slsk/internal/slsklog"
	"github.com/soulseek-go/slsk/internal/syncutil"
)

var l = slsklog.New("waiter")

// Key is a composite WaitKey: a message code plus zero or more qualifying
// discriminators (username, filename, token, ...). Equality is structural
// (spec.md §3 "WaitKey"), so Key is a plain comparable value usable directly
// as a map key.
type Key struct {
	Code       int
	qualifiers string
}

// NewKey builds a Key from a code and any number of discriminators, each
// rendered with fmt.Sprint and joined so distinct qualifier tuples never
// collide (e.g. NewKey(c, "a", "bc") != NewKey(c, "ab", "c")).
func NewKey(code int, qualifiers ...interface{}) Key {
	parts := make([]string, len(qualifiers))
	for i, q := range qualifiers {
		parts[i] = fmt.Sprint(q)
	}
	return Key{Code: code, qualifiers: strings.Join(parts, "\x00")}
}

func (k Key) String() string {
	if k.qualifiers == "" {
		return fmt.Sprintf("%d", k.Code)
	}
	return fmt.Sprintf("%d(%s)", k.Code, strings.ReplaceAll(k.qualifiers, "\x00", ","))
}

var (
	// ErrTimeout is returned when a Wait's timeout elapses before completion.
	ErrTimeout = errors.New("waiter: timeout")
	// ErrCancelled is returned when the Wait's context is cancelled, or when
	// CancelAll tears down the registry.
	ErrCancelled = errors.New("waiter: cancelled")
)

type pending struct {
	result chan result
	taken  bool
}

type result struct {
	value interface{}
	err   error
}

// Registry is a FIFO-per-key registry of pending awaiters (spec.md §4.C).
// Zero value is not usable; construct with New.
type Registry struct {
	mut     syncutil.Mutex
	waiters map[Key][]*pending
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{mut: syncutil.NewMutex(), waiters: make(map[Key][]*pending)}
}

// Wait enrolls the caller for key and blocks until Complete, Throw, the
// timeout elapses (if timeout > 0), or ctx is done. There is no causal order
// between Wait and Complete/Throw: a completion delivered before the
// matching Wait is registered is discarded (spec.md §4.C), so callers must
// enroll the wait before triggering whatever will complete it.
func (r *Registry) Wait(ctx context.Context, key Key, timeout time.Duration) (interface{}, error) {
	p := &pending{result: make(chan result, 1)}

	r.mut.Lock()
	r.waiters[key] = append(r.waiters[key], p)
	r.mut.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-p.result:
		return res.value, res.err
	case <-timeoutCh:
		r.remove(key, p)
		l.Debugln("wait timed out:", key)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.remove(key, p)
		return nil, ErrCancelled
	}
}

func (r *Registry) remove(key Key, target *pending) {
	r.mut.Lock()
	defer r.mut.Unlock()
	queue := r.waiters[key]
	for i, p := range queue {
		if p == target {
			r.waiters[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
}

// popHead removes and returns the head of key's FIFO queue, or nil if empty.
func (r *Registry) popHead(key Key) *pending {
	r.mut.Lock()
	defer r.mut.Unlock()
	queue := r.waiters[key]
	if len(queue) == 0 {
		return nil
	}
	head := queue[0]
	r.waiters[key] = queue[1:]
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
	return head
}

// Complete satisfies the head waiter for key with value. No-op if no waiter
// is enrolled (spec.md §4.C).
func (r *Registry) Complete(key Key, value interface{}) {
	p := r.popHead(key)
	if p == nil {
		return
	}
	p.result <- result{value: value}
}

// Throw fails the head waiter for key with err. No-op if no waiter is
// enrolled.
func (r *Registry) Throw(key Key, err error) {
	p := r.popHead(key)
	if p == nil {
		return
	}
	p.result <- result{err: err}
}

// ThrowAll fails every waiter currently enrolled for key with err.
func (r *Registry) ThrowAll(key Key, err error) {
	r.mut.Lock()
	queue := r.waiters[key]
	delete(r.waiters, key)
	r.mut.Unlock()

	for _, p := range queue {
		p.result <- result{err: err}
	}
}

// CancelAll fails every waiter across every key with ErrCancelled, used on
// connection teardown (spec.md §4.C).
func (r *Registry) CancelAll() {
	r.mut.Lock()
	all := r.waiters
	r.waiters = make(map[Key][]*pending)
	r.mut.Unlock()

	for _, queue := range all {
		for _, p := range queue {
			p.result <- result{err: ErrCancelled}
		}
	}
}
