// Package syncutil provides debug-instrumented lock primitives, adapted
// from the teacher codebase's internal/sync package: the same interfaces,
// the same held-too-long warning behavior, but gated by SLSK_TRACE instead
// of STTRACE and logging through internal/slsklog instead of the teacher's
// package-level l.
package syncutil

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soulseek-go/slsk/internal/slsklog"
)

var log = slsklog.New("sync")

// threshold is how long a lock may be held before we log a debug message
// about it; declared as a var (not const) so tests can tighten it.
var threshold = 100 * time.Millisecond

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if log.Debug() {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if log.Debug() {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if log.Debug() {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = getCaller()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		log.Debugf("mutex held for %v, locked at %s unlocked at %s", d, m.lockedAt, getCaller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string

	logUnlockers uint32
	unlockers    []string
	unlockersMut sync.Mutex
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	atomic.StoreUint32(&m.logUnlockers, 1)
	m.RWMutex.Lock()
	atomic.StoreUint32(&m.logUnlockers, 0)

	m.start = time.Now()
	m.lockedAt = getCaller()
	if d := m.start.Sub(start); d > threshold {
		log.Debugf("rwmutex took %v to lock, locked at %s, runlockers while locking: %s", d, m.lockedAt, strings.Join(m.unlockers, ", "))
	}
	m.unlockers = m.unlockers[:0]
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		log.Debugf("rwmutex held for %v, locked at %s unlocked at %s", d, m.lockedAt, getCaller())
	}
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RUnlock() {
	if atomic.LoadUint32(&m.logUnlockers) == 1 {
		m.unlockersMut.Lock()
		m.unlockers = append(m.unlockers, getCaller())
		m.unlockersMut.Unlock()
	}
	m.RWMutex.RUnlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if d := time.Since(start); d >= threshold {
		log.Debugf("waitgroup took %v at %s", d, getCaller())
	}
}

func getCaller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
