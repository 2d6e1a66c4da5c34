// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cliques coordinates the creation and reuse of collective
// communication contexts ("cliques") across the local ranks of a process:
// a fixed set of cooperating goroutines (one per participating device,
// possibly spanning several processes) agree exactly once on a shared clique
// id, each creates its own per-rank communicator against it, and all of them
// block until the whole clique is ready.
//
// The entry point is Registry.Acquire. There is no hidden global state: a
// Registry (with its rendezvous map and health monitor) is constructed
// explicitly and injected wherever cliques are acquired, so independent
// registries can coexist in one process and tests stay isolated.
package cliques

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// GlobalDeviceID identifies one participating device uniquely across the
// whole cluster, not just within this process.
type GlobalDeviceID int

// StreamKind distinguishes the execution streams a clique serves. Cliques
// for the same devices but different kinds are fully independent: a blocking
// collective on one must never be able to deadlock with traffic on another.
type StreamKind int

const (
	// CollectiveStream is the default stream for synchronous collectives.
	CollectiveStream StreamKind = iota
	// AsyncCollectiveStream serves collectives started asynchronously.
	AsyncCollectiveStream
	// P2PStream serves point-to-point send/recv traffic.
	P2PStream
)

// String implements fmt.Stringer.
func (s StreamKind) String() string {
	switch s {
	case CollectiveStream:
		return "collective"
	case AsyncCollectiveStream:
		return "async_collective"
	case P2PStream:
		return "p2p"
	}
	return fmt.Sprintf("StreamKind(%d)", int(s))
}

// Key identifies one clique: the ordered list of participating devices plus
// the stream kind it serves. It is an immutable value, usable as a map key
// (via Registry) and hashable/comparable through its canonical encoding.
//
// Equality is order-sensitive: the same devices enumerated in a different
// order form a different clique. See DESIGN.md before changing this.
type Key struct {
	devices   []GlobalDeviceID
	kind      StreamKind
	canonical mapKey
}

// mapKey is the comparable form of a Key, used to index registry and
// rendezvous maps.
type mapKey struct {
	devices string
	kind    StreamKind
}

// NewKey creates a Key for the given ordered devices and stream kind.
// The devices slice is copied; the caller keeps ownership of its argument.
func NewKey(devices []GlobalDeviceID, kind StreamKind) Key {
	owned := slices.Clone(devices)
	var b strings.Builder
	for ii, device := range owned {
		if ii > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(device)))
	}
	return Key{
		devices:   owned,
		kind:      kind,
		canonical: mapKey{devices: b.String(), kind: kind},
	}
}

// Devices returns a copy of the ordered participant list.
func (k Key) Devices() []GlobalDeviceID {
	return slices.Clone(k.devices)
}

// NumDevices returns the total number of participants in the clique,
// across all processes.
func (k Key) NumDevices() int {
	return len(k.devices)
}

// Kind returns the stream kind the clique serves.
func (k Key) Kind() StreamKind {
	return k.kind
}

// Rank returns the position of device in the participant list, which is the
// rank that device's communicator takes in the clique. The second result is
// false if device is not a participant.
func (k Key) Rank(device GlobalDeviceID) (int, bool) {
	rank := slices.Index(k.devices, device)
	return rank, rank >= 0
}

// Equal reports whether both keys identify the same clique: same devices in
// the same order and the same stream kind.
func (k Key) Equal(other Key) bool {
	return k.canonical == other.canonical
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("Clique{devices=[%s], kind=%s}", k.canonical.devices, k.kind)
}
