// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comms

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCommAborted is returned when using a communicator that was aborted
// (typically by the health Monitor after it detected an asynchronous fault)
// or already destroyed. Check for it with errors.Is.
var ErrCommAborted = errors.New("communicator aborted")

// Comm states. A Comm starts live and moves exactly once to either aborted or
// destroyed; both release the native object.
const (
	commLive int32 = iota
	commAborted
	commDestroyed
)

// Comm owns exactly one native per-rank communicator for the lifetime of its
// clique.
//
// Once published through a ready clique, a Comm may be used from any
// goroutine without extra locking. Teardown happens exactly once, through
// either Destroy (normal shutdown) or Abort (fault path) -- never both, and
// never by an ordinary caller holding a clique guard.
type Comm struct {
	rank, size int
	native     NativeComm
	state      atomic.Int32
}

// NewComm wraps the native communicator for the given rank of a clique with
// size total ranks, taking ownership of its teardown.
func NewComm(rank, size int, native NativeComm) *Comm {
	return &Comm{rank: rank, size: size, native: native}
}

// Rank of this communicator within its clique.
func (c *Comm) Rank() int { return c.rank }

// Size is the total number of ranks in the clique.
func (c *Comm) Size() int { return c.size }

// Native returns the underlying native communicator to issue collective
// operations on. It fails with ErrCommAborted once the communicator was
// aborted or destroyed: a fault detected out-of-band by the Monitor surfaces
// here, on the next attempted use.
func (c *Comm) Native() (NativeComm, error) {
	if c.state.Load() != commLive {
		return nil, errors.WithMessagef(ErrCommAborted, "rank %d", c.rank)
	}
	return c.native, nil
}

// AsyncError polls the communicator for an asynchronous fault, without
// blocking. A released communicator reports ErrCommAborted.
func (c *Comm) AsyncError() error {
	if c.state.Load() != commLive {
		return ErrCommAborted
	}
	return c.native.AsyncError()
}

// Abort tears down the native communicator immediately. It is idempotent and
// a no-op if the communicator was already destroyed.
func (c *Comm) Abort() {
	if !c.state.CompareAndSwap(commLive, commAborted) {
		return
	}
	if err := c.native.Abort(); err != nil {
		klog.Errorf("aborting communicator rank %d of %d failed: %+v", c.rank, c.size, err)
	}
}

// Destroy releases the native communicator cleanly. Only the first of
// Destroy/Abort has any effect, so teardown happens exactly once on every
// exit path.
func (c *Comm) Destroy() error {
	if !c.state.CompareAndSwap(commLive, commDestroyed) {
		return nil
	}
	return errors.Wrapf(c.native.Destroy(), "destroying communicator rank %d of %d", c.rank, c.size)
}

// String implements fmt.Stringer.
func (c *Comm) String() string {
	return fmt.Sprintf("Comm(rank=%d, size=%d)", c.rank, c.size)
}
