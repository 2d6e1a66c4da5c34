// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements extra synchronization tools used by goccl: one-shot
// latches, with and without an associated value.
package xsync

import "sync"

// Latch is a one-shot signal: it can be waited for until it is triggered, and
// once triggered it stays triggered forever.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. It is safe to call concurrently and more than once; only
// the first call has any effect.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.wait) })
}

// Wait blocks until the latch is triggered. It returns immediately if it
// already was.
func (l *Latch) Wait() {
	<-l.wait
}

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch triggers, for use
// in select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch that also publishes a value when triggered.
//
// The value write in Trigger happens-before every Wait return, so the value
// may be read by any number of goroutines without further synchronization.
type LatchWithValue[T any] struct {
	latch Latch
	value T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: Latch{wait: make(chan struct{})}}
}

// Trigger the latch, publishing value. Calls after the first are no-ops and
// their value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.once.Do(func() {
		l.value = value
		close(l.latch.wait)
	})
}

// Wait blocks until the latch is triggered and returns the published value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test reports whether the latch has been triggered, without blocking.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// WaitChan returns a channel that is closed when the latch triggers. After it
// is closed, Wait returns the published value without blocking.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.latch.WaitChan()
}
