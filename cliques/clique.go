// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cliques

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/goccl/comms"
	"github.com/gomlx/goccl/types/xsync"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Clique is the shared state of one communication context, owned exclusively
// by its Registry: entries are created lazily on first acquisition and live
// for the lifetime of the Registry, they are never evicted. Callers only
// ever hold a Guard to a Clique, never the Clique itself.
type Clique struct {
	key Key

	mu     sync.Mutex
	runID  int64
	hasRun bool
	id     comms.UniqueID
	hasID  bool

	// err aggregates the failures of this clique's initialization: the id
	// provider's, or any local rank's communicator construction. It is
	// sticky -- see the poisoning policy in DESIGN.md.
	err error

	// comms maps clique rank to the communicator created for it by the
	// local participant owning that rank. Read-only once ready triggers.
	comms map[int]*comms.Comm

	// creating holds, per rank, the in-flight bootstrap of that rank's
	// communicator: a rank joins a clique once, so concurrent acquisitions
	// (same key, distinct ops) must wait on the first creator instead of
	// bootstrapping the rank a second time.
	creating map[int]*xsync.Latch

	// ready triggers once the first full acquisition round completed (with
	// success or failure recorded in err). It never resets.
	ready *xsync.Latch
}

func newClique(key Key) *Clique {
	return &Clique{
		key:      key,
		comms:    make(map[int]*comms.Comm),
		creating: make(map[int]*xsync.Latch),
		ready:    xsync.NewLatch(),
	}
}

// Key of the clique.
func (c *Clique) Key() Key { return c.key }

// Err returns the aggregated initialization status: nil if every local rank
// of the clique initialized successfully.
func (c *Clique) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ID returns the clique's unique id and whether it has been set yet.
func (c *Clique) ID() (comms.UniqueID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.hasID
}

// Comm returns the communicator for the given clique rank. It fails if the
// clique's initialization recorded any failure, or if no local participant
// owns that rank.
func (c *Clique) Comm(rank int) (*comms.Comm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, errors.WithMessagef(c.err, "%s is not usable", c.key)
	}
	comm, found := c.comms[rank]
	if !found {
		return nil, errors.Errorf("%s has no local communicator for rank %d", c.key, rank)
	}
	return comm, nil
}

// readyForRun reports whether the clique finished a successful
// initialization for exactly the given run: the condition for the
// acquisition fast path, which skips all synchronization.
func (c *Clique) readyForRun(runID int64) bool {
	if !c.ready.Test() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil && c.hasRun && c.runID == runID
}

// recordFailure stores err into the aggregated status. The first failure
// wins; later ones are still visible in the logs of whoever hit them.
func (c *Clique) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// String implements fmt.Stringer, rendering the clique and its live ranks.
func (c *Clique) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ranks := maps.Keys(c.comms)
	sort.Ints(ranks)
	parts := make([]string, 0, len(ranks))
	for _, rank := range ranks {
		parts = append(parts, fmt.Sprintf("%d", rank))
	}
	status := "ok"
	if c.err != nil {
		status = fmt.Sprintf("failed (%v)", c.err)
	} else if !c.ready.Test() {
		status = "initializing"
	}
	return fmt.Sprintf("%s: run=%d, status=%s, local ranks=[%s]",
		c.key, c.runID, status, strings.Join(parts, ","))
}
