// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rendezvous implements a generic, key-indexed, N-party barrier:
// N callers each contribute a value under the same key, the last caller to
// arrive computes a shared result from all contributed values, and every
// caller returns that same result.
//
// Rounds are transient: the completing caller removes the round from its Map
// before publishing the result, so a later Join with the same key always
// starts a fresh, independent round.
//
// There are no package-level globals: callers create a Map and pass it
// around, which keeps independent subsystems (and tests) isolated from each
// other.
package rendezvous

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/goccl/types/xsync"
	"k8s.io/klog/v2"
)

// Map tracks in-flight rounds, keyed by an arbitrary comparable key.
// The zero value is not usable, create it with NewMap.
type Map struct {
	mu     sync.Mutex
	rounds map[any]*round
}

// NewMap returns an empty rendezvous Map.
func NewMap() *Map {
	return &Map{rounds: make(map[any]*round)}
}

// outcome is what the completer publishes to every participant: the typed
// result (stored as any) and the error from the compute function, if any.
type outcome struct {
	value any
	err   error
}

type round struct {
	name            string
	numParticipants int

	// claims assigns slot indices; acks counts completed slot writes. They
	// are separate so the election of the completer (acks == N) only happens
	// after every participant's value is visible in slots.
	claims atomic.Int32
	acks   atomic.Int32
	slots  []any

	result *xsync.LatchWithValue[outcome]
}

// Options tune the waiting behavior of Join.
type Options struct {
	// WarnStuckAfter is a soft timeout: every time it elapses while a
	// participant is still waiting, a warning is logged and the wait
	// continues. Zero disables the warnings.
	WarnStuckAfter time.Duration

	// TerminateAfter is a hard timeout: if it elapses while a participant is
	// still waiting, the process is considered deadlocked (a participant is
	// missing in a way that cannot resolve itself) and Join panics.
	// Zero means wait forever.
	TerminateAfter time.Duration
}

// Join contributes value to the round identified by key, expecting exactly
// numParticipants callers with the same key, and returns the shared result.
//
// The last participant to arrive runs fn exactly once with the values of all
// participants, in slot-claim order; every participant (including those that
// arrived earlier and are blocked) receives the identical result and error.
//
// name is used only for log messages about this rendezvous.
//
// Joining an in-flight round with more than numParticipants callers is a
// programming error and panics: the extra caller necessarily means the
// participant count declared by someone is wrong.
func Join[K comparable, V any, R any](m *Map, name string, key K, value V,
	numParticipants int, fn func(values []V) (R, error), opts Options) (R, error) {
	if numParticipants <= 0 {
		exceptions.Panicf("rendezvous %q: numParticipants=%d, must be >= 1", name, numParticipants)
	}
	if numParticipants == 1 {
		// Single participant, nothing to synchronize with.
		return fn([]V{value})
	}

	r, slot := m.joinRound(name, key, numParticipants)
	r.slots[slot] = value

	if int(r.acks.Add(1)) == numParticipants {
		// Last arrival: this caller completes the round. Remove the round
		// from the map before publishing, so that a concurrent new Join with
		// the same key starts a fresh round instead of attaching to this one
		// mid-completion.
		m.extract(key, r)
		values := make([]V, numParticipants)
		for ii, v := range r.slots {
			values[ii] = v.(V)
		}
		result, err := fn(values)
		r.result.Trigger(outcome{value: result, err: err})
		return result, err
	}

	waitStart := time.Now()
	var warnCh <-chan time.Time
	if opts.WarnStuckAfter > 0 {
		ticker := time.NewTicker(opts.WarnStuckAfter)
		defer ticker.Stop()
		warnCh = ticker.C
	}
	var terminateCh <-chan time.Time
	if opts.TerminateAfter > 0 {
		timer := time.NewTimer(opts.TerminateAfter)
		defer timer.Stop()
		terminateCh = timer.C
	}
	for {
		select {
		case <-r.result.WaitChan():
			out := r.result.Wait()
			if out.value == nil {
				// fn returned a nil interface value alongside its error.
				var zero R
				return zero, out.err
			}
			return out.value.(R), out.err
		case <-warnCh:
			klog.Warningf("rendezvous %q stuck: %d of %d participants arrived after %s, still waiting for the rest",
				name, r.acks.Load(), numParticipants, time.Since(waitStart).Round(time.Millisecond))
		case <-terminateCh:
			exceptions.Panicf("rendezvous %q deadlocked: only %d of %d participants arrived after %s, giving up",
				name, r.acks.Load(), numParticipants, time.Since(waitStart).Round(time.Millisecond))
		}
	}
}

// joinRound finds or creates the round for key and claims a slot in it.
func (m *Map) joinRound(name string, key any, numParticipants int) (*round, int) {
	m.mu.Lock()
	r, found := m.rounds[key]
	if !found {
		r = &round{
			name:            name,
			numParticipants: numParticipants,
			slots:           make([]any, numParticipants),
			result:          xsync.NewLatchWithValue[outcome](),
		}
		m.rounds[key] = r
	}
	m.mu.Unlock()

	if r.numParticipants != numParticipants {
		exceptions.Panicf("rendezvous %q: joined with numParticipants=%d, but an in-flight round for the same key "+
			"was declared with %d participants", name, numParticipants, r.numParticipants)
	}
	slot := int(r.claims.Add(1)) - 1
	if slot >= numParticipants {
		exceptions.Panicf("rendezvous %q: more than the declared %d participants joined the same round -- "+
			"someone's participant count is wrong", name, numParticipants)
	}
	return r, slot
}

// extract removes the completed round from the map. It must be the round the
// completer joined: rounds are only ever removed by their own completer, and
// a key cannot be reused until its previous round was removed.
func (m *Map) extract(key any, r *round) {
	m.mu.Lock()
	cur := m.rounds[key]
	if cur == r {
		delete(m.rounds, key)
	}
	m.mu.Unlock()
	if cur != r {
		exceptions.Panicf("rendezvous %q: round registry corrupted, the completed round is not the registered one", r.name)
	}
}

// Len returns the number of in-flight rounds, used by tests and debug dumps.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rounds)
}
