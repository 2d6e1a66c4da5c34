// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package comms defines the boundary to the native collective-communication
// library (NCCL, a PJRT plugin, or the in-process loopback used in tests) and
// the ownership wrapper goccl keeps around each native per-rank communicator.
//
// The native library is consumed as an opaque capability (the Driver
// interface): goccl coordinates who creates which communicator and when, but
// never implements any collective algorithm itself.
package comms

import (
	"github.com/google/uuid"
)

// UniqueIDSize is the size in bytes of a UniqueID.
const UniqueIDSize = 16

// UniqueID is the opaque, cluster-wide token that lets the independent
// processes of one clique find each other in the native library's bootstrap
// (the equivalent of NCCL's ncclUniqueId). It is produced exactly once per
// clique, by a single caller, and shared with all others out-of-band.
type UniqueID [UniqueIDSize]byte

// NewUniqueID returns a fresh random UniqueID.
func NewUniqueID() UniqueID {
	return UniqueID(uuid.New())
}

// String returns a short fingerprint of the id, safe to log: it doesn't
// reveal enough of the token for another process to join the clique.
func (id UniqueID) String() string {
	return uuid.UUID(id).String()[:8]
}

// Driver is the surface goccl needs from the native collective library.
//
// Implementations wrap a real vendor library (over cgo) or, like package
// loopback, provide an in-process stand-in for tests and examples.
type Driver interface {
	// CommInitRank creates the native communicator for one rank of a clique
	// with size total ranks, bootstrapping through id. It may block until
	// the peer ranks of the clique show up, so it must never be called while
	// holding locks shared with the other local ranks.
	CommInitRank(rank, size int, id UniqueID) (NativeComm, error)
}

// NativeComm is one native per-rank communication object. The collective
// data operations themselves (all-gather, send, recv, ...) live on the
// concrete implementation; goccl only needs fault polling and teardown.
type NativeComm interface {
	// AsyncError polls, without blocking, for an asynchronous fault that hit
	// the communicator in the background (e.g. a peer crashed mid-collective).
	// It returns nil while the communicator is healthy.
	AsyncError() error

	// Abort tears the communicator down immediately, without waiting for
	// in-flight operations, usable even when the communicator is wedged.
	Abort() error

	// Destroy releases the communicator cleanly. Exactly one of Destroy or
	// Abort is called, exactly once.
	Destroy() error
}
