// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous_test

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/goccl/rendezvous"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestJoinSingleParticipant(t *testing.T) {
	m := rendezvous.NewMap()
	got, err := rendezvous.Join(m, "single", "key", 7,
		1, func(values []int) (int, error) {
			require.Equal(t, []int{7}, values)
			return values[0] * 10, nil
		}, rendezvous.Options{})
	require.NoError(t, err)
	assert.Equal(t, 70, got)
	assert.Equal(t, 0, m.Len())
}

func TestJoinAllParticipantsShareResult(t *testing.T) {
	const numParticipants = 8
	m := rendezvous.NewMap()
	var fnCalls atomic.Int32

	var wg sync.WaitGroup
	results := make([]*[]int, numParticipants)
	for p := range numParticipants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := rendezvous.Join(m, "share", "key", p,
				numParticipants, func(values []int) (*[]int, error) {
					fnCalls.Add(1)
					sorted := append([]int(nil), values...)
					sort.Ints(sorted)
					return &sorted, nil
				}, rendezvous.Options{})
			require.NoError(t, err)
			results[p] = got
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fnCalls.Load(), "the compute function must run exactly once")
	want := []int{0, 1, 2, 3, 4, 5, 6, 7}
	for p := range numParticipants {
		require.Same(t, results[0], results[p], "every participant must receive the identical result instance")
	}
	assert.Equal(t, want, *results[0], "the compute function must see all participants' values")
	assert.Equal(t, 0, m.Len())
}

func TestJoinErrorDeliveredToEveryone(t *testing.T) {
	const numParticipants = 4
	m := rendezvous.NewMap()
	var wg sync.WaitGroup
	errs := make([]error, numParticipants)
	for p := range numParticipants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[p] = rendezvous.Join(m, "fail", "key", p,
				numParticipants, func(values []int) (*int, error) {
					return nil, assert.AnError
				}, rendezvous.Options{})
		}()
	}
	wg.Wait()
	for p := range numParticipants {
		require.ErrorIs(t, errs[p], assert.AnError, "participant %d", p)
	}
}

func TestRoundIsolation(t *testing.T) {
	// Two back-to-back rounds with the same key must not see each other's
	// values.
	const numParticipants = 3
	m := rendezvous.NewMap()
	for roundIdx := range 2 {
		var wg sync.WaitGroup
		for p := range numParticipants {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := rendezvous.Join(m, "isolated", "same-key", 100*roundIdx+p,
					numParticipants, func(values []int) (int, error) {
						sum := 0
						for _, v := range values {
							sum += v
						}
						return sum, nil
					}, rendezvous.Options{})
				require.NoError(t, err)
				// Round 0 sums 0+1+2, round 1 sums 100+101+102.
				assert.Equal(t, 300*roundIdx+3, got)
			}()
		}
		wg.Wait()
	}
	assert.Equal(t, 0, m.Len())
}

func TestPartialJoinBlocks(t *testing.T) {
	// With 3 declared and only 2 joined, neither joiner may return.
	m := rendezvous.NewMap()
	done := make(chan struct{}, 2)
	for p := range 2 {
		go func() {
			_, _ = rendezvous.Join(m, "partial", "key", p,
				3, func(values []int) (int, error) { return 0, nil }, rendezvous.Options{})
			done <- struct{}{}
		}()
	}
	select {
	case <-done:
		t.Fatal("a participant returned before all 3 joined")
	case <-time.After(200 * time.Millisecond):
	}

	// The third joiner releases everyone.
	got, err := rendezvous.Join(m, "partial", "key", 2,
		3, func(values []int) (int, error) { return len(values), nil }, rendezvous.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("blocked participant was not released")
		}
	}
}

func TestJoinHardTimeoutPanics(t *testing.T) {
	m := rendezvous.NewMap()
	require.Panics(t, func() {
		_, _ = rendezvous.Join(m, "stuck", "key", 0,
			2, func(values []int) (int, error) { return 0, nil },
			rendezvous.Options{WarnStuckAfter: 20 * time.Millisecond, TerminateAfter: 100 * time.Millisecond})
	})
}

func TestMismatchedParticipantCountPanics(t *testing.T) {
	// Joining an in-flight round with a different participant count means
	// someone's declared count is wrong: a usage error, reported by panic.
	m := rendezvous.NewMap()
	sum := func(values []int) (int, error) {
		total := 0
		for _, v := range values {
			total += v
		}
		return total, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = rendezvous.Join(m, "mismatch", "key", 0, 3, sum, rendezvous.Options{})
	}()
	require.Eventually(t, func() bool { return m.Len() == 1 },
		5*time.Second, time.Millisecond, "first joiner should have opened the round")

	require.Panics(t, func() {
		_, _ = rendezvous.Join(m, "mismatch", "key", 1, 2, sum, rendezvous.Options{})
	})

	// The mismatched joiner never claimed a slot, so the round completes
	// normally with two more correctly-declared joins.
	for p := 1; p < 3; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rendezvous.Join(m, "mismatch", "key", p, 3, sum, rendezvous.Options{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
