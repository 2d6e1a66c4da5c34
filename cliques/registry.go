// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cliques

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/goccl/comms"
	"github.com/gomlx/goccl/rendezvous"
	"github.com/gomlx/goccl/types/xsync"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DefaultWarnStuckAfter is the default soft timeout on acquisition waits:
// after this long a warning is logged and the wait continues.
const DefaultWarnStuckAfter = 10 * time.Second

// Config configures a Registry.
type Config struct {
	// Driver to the native collective library, used to create the per-rank
	// communicators. Required.
	Driver comms.Driver

	// Monitor to register created communicators with, for background fault
	// detection. Optional: nil disables health monitoring. The Monitor's
	// lifetime (Close) belongs to the caller, not to the Registry.
	Monitor *comms.Monitor

	// WarnStuckAfter is the soft timeout on every blocking wait during
	// acquisition: on expiry a warning is logged and the wait continues.
	// Zero selects DefaultWarnStuckAfter; negative disables the warnings.
	WarnStuckAfter time.Duration

	// TerminateAfter is the hard timeout on every blocking wait during
	// acquisition: on expiry the process panics, on the grounds that a
	// missing participant can never arrive anymore. Zero waits forever.
	TerminateAfter time.Duration
}

// IDProvider produces the UniqueID for a clique. It is called exactly once
// per clique, by the single elected initializer, and is typically backed by
// an out-of-band distributed key-value exchange between the processes
// sharing the clique.
type IDProvider func(Key) (comms.UniqueID, error)

// Registry owns all Clique entries of one context (typically one per
// process, but tests and independent subsystems may keep several).
// Create it with NewRegistry.
type Registry struct {
	driver  comms.Driver
	monitor *comms.Monitor
	rdv     *rendezvous.Map
	rdvOpts rendezvous.Options

	mu      sync.Mutex
	cliques map[mapKey]*Clique
}

// NewRegistry creates an empty clique Registry with the given configuration.
func NewRegistry(config Config) *Registry {
	if config.Driver == nil {
		exceptions.Panicf("cliques.NewRegistry: Config.Driver is required")
	}
	warn := config.WarnStuckAfter
	if warn == 0 {
		warn = DefaultWarnStuckAfter
	} else if warn < 0 {
		warn = 0
	}
	return &Registry{
		driver:  config.Driver,
		monitor: config.Monitor,
		rdv:     rendezvous.NewMap(),
		rdvOpts: rendezvous.Options{WarnStuckAfter: warn, TerminateAfter: config.TerminateAfter},
		cliques: make(map[mapKey]*Clique),
	}
}

// AcquireParams are the arguments to Registry.Acquire. RunID, OpID, Key and
// NumLocalParticipants must be identical across the local participants of
// one acquisition; Device is each caller's own.
type AcquireParams struct {
	// RunID identifies the logical invocation acquiring the clique. For
	// cliques spanning multiple processes it must be monotonically
	// non-decreasing across acquisitions of the same Key: a regression means
	// different hosts disagree on the execution order, see DESIGN.md.
	RunID int64

	// OpID distinguishes concurrent operations within one run, so two
	// different collectives of the same run never attach to each other's
	// acquisition rendezvous.
	OpID int64

	// Key of the clique to acquire.
	Key Key

	// Device is the caller's own device; it determines the caller's rank in
	// the clique. It must be one of Key's participants.
	Device GlobalDeviceID

	// NumLocalParticipants is how many goroutines in THIS process take part
	// in the acquisition -- one per locally-managed device of the clique.
	NumLocalParticipants int

	// IDProvider is consulted (exactly once per clique) for the clique's
	// UniqueID. Optional for cliques fully local to this process, which
	// default to a randomly generated id.
	IDProvider IDProvider

	// AllowFastPath permits returning a ready clique for this same RunID
	// without any synchronization. Steady-state repeated invocations use it
	// to skip the rendezvous; it never creates or mutates state.
	AllowFastPath bool
}

// initRound is the shared result of one acquisition's rendezvous: the clique
// entry plus the synchronization for the second wait (all local
// communicators present).
type initRound struct {
	clique  *Clique
	pending atomic.Int32
	done    *xsync.Latch
}

// rdvKey keys the acquisition rendezvous: one round per (run, op, clique).
type rdvKey struct {
	runID, opID int64
	key         mapKey
}

// Acquire returns a Guard on the ready Clique for params.Key, creating and
// initializing the clique if this is its first acquisition.
//
// All params.NumLocalParticipants local participants must call Acquire with
// the same RunID, OpID, Key and NumLocalParticipants; the call blocks until
// all of them arrived and every one of their communicators was created. One
// participant is elected to fetch the clique id (via params.IDProvider) and
// to run the ordering checks; its failures are returned to every
// participant, not just to itself.
//
// Acquire never returns a Guard to an unready or failed clique.
func (r *Registry) Acquire(params AcquireParams) (*Guard, error) {
	rank, ok := params.Key.Rank(params.Device)
	if !ok {
		return nil, errors.Errorf("device %d is not a participant of %s", params.Device, params.Key)
	}
	if params.NumLocalParticipants < 1 || params.NumLocalParticipants > params.Key.NumDevices() {
		exceptions.Panicf("Acquire(%s): NumLocalParticipants=%d must be between 1 and the clique size %d",
			params.Key, params.NumLocalParticipants, params.Key.NumDevices())
	}

	if params.AllowFastPath {
		if clique := r.lookup(params.Key); clique != nil && clique.readyForRun(params.RunID) {
			return &Guard{clique: clique}, nil
		}
	}

	name := fmt.Sprintf("acquire %s (run=%d, op=%d)", params.Key, params.RunID, params.OpID)
	key := rdvKey{runID: params.RunID, opID: params.OpID, key: params.Key.canonical}
	round, err := rendezvous.Join(r.rdv, name, key, rank, params.NumLocalParticipants,
		func(ranks []int) (*initRound, error) {
			return r.initClique(params, ranks)
		}, r.rdvOpts)
	if err != nil {
		return nil, err
	}

	// Every participant creates the communicator for its own rank, with no
	// registry or clique lock held: the native init may itself block until
	// peer processes show up.
	r.ensureComm(round.clique, rank, params.Key.NumDevices())

	// Second synchronization point: wait for all local participants to have
	// registered their communicator (with success or failure). The last one
	// marks the clique ready.
	if round.pending.Add(-1) == 0 {
		round.done.Trigger()
		round.clique.ready.Trigger()
	} else {
		r.waitRound(name, round)
	}

	// All participants observe the aggregated status; nobody proceeds to
	// use a failed clique.
	if err := round.clique.Err(); err != nil {
		return nil, err
	}
	return &Guard{clique: round.clique}, nil
}

// initClique runs in the single participant elected by the rendezvous; it
// creates or revalidates the clique entry under its lock. ranks are the
// clique ranks of all local participants, used only for logging.
func (r *Registry) initClique(params AcquireParams, ranks []int) (*initRound, error) {
	clique := r.lookupOrCreate(params.Key)
	clique.mu.Lock()
	defer clique.mu.Unlock()

	if clique.err != nil {
		// Poisoned by a previous failed initialization; every participant
		// of this acquisition gets the stored failure. See DESIGN.md.
		return nil, errors.WithMessagef(clique.err, "%s failed a previous initialization", params.Key)
	}

	if !clique.hasID {
		provider := params.IDProvider
		if provider == nil {
			provider = func(Key) (comms.UniqueID, error) { return comms.NewUniqueID(), nil }
		}
		id, err := provider(params.Key)
		if err != nil {
			clique.err = errors.WithMessagef(err, "id provider failed for %s", params.Key)
			return nil, clique.err
		}
		clique.id = id
		clique.hasID = true
		klog.V(1).Infof("%s: got unique id %s, local ranks %v", params.Key, id, ranks)
	}

	// Cliques shared with other processes must be acquired in run order:
	// a regression means the hosts disagree on which run owns the clique,
	// a scheduling bug that cannot be recovered from locally.
	fullyLocal := params.Key.NumDevices() == params.NumLocalParticipants
	if !fullyLocal && clique.hasRun && params.RunID < clique.runID {
		exceptions.Panicf("%s acquired for run %d after run %d: cross-host run ordering violated",
			params.Key, params.RunID, clique.runID)
	}
	clique.runID = params.RunID
	clique.hasRun = true

	round := &initRound{clique: clique, done: xsync.NewLatch()}
	round.pending.Store(int32(params.NumLocalParticipants))
	return round, nil
}

// ensureComm creates and registers the communicator for rank, if this
// clique doesn't have one yet (a clique re-acquired on a later run keeps its
// communicators). Failures are recorded into the clique's aggregated status
// rather than aborting the peers.
//
// The rank is reserved under the clique lock before the blocking native
// init: concurrent acquisitions of the same key (distinct ops of one run)
// must not bootstrap one rank twice, so later ones wait on the first
// creator instead.
func (r *Registry) ensureComm(clique *Clique, rank, size int) {
	clique.mu.Lock()
	if _, exists := clique.comms[rank]; exists {
		clique.mu.Unlock()
		return
	}
	if inflight, found := clique.creating[rank]; found {
		clique.mu.Unlock()
		inflight.Wait()
		return
	}
	inflight := xsync.NewLatch()
	clique.creating[rank] = inflight
	id := clique.id
	clique.mu.Unlock()

	// The native init may itself block until peer processes show up, so it
	// runs with no lock held; the reservation above keeps it exclusive.
	native, err := r.driver.CommInitRank(rank, size, id)
	if err != nil {
		err = errors.WithMessagef(err, "creating communicator for rank %d of %s", rank, clique.key)
		klog.Errorf("%+v", err)
		// Record the failure before releasing the waiters, so they never
		// observe a clique with neither the communicator nor the error.
		clique.recordFailure(err)
		clique.mu.Lock()
		delete(clique.creating, rank)
		clique.mu.Unlock()
		inflight.Trigger()
		return
	}
	comm := comms.NewComm(rank, size, native)
	clique.mu.Lock()
	clique.comms[rank] = comm
	delete(clique.creating, rank)
	clique.mu.Unlock()
	inflight.Trigger()
	if r.monitor != nil {
		r.monitor.Track(comm, clique.key.String())
	}
	klog.V(2).Infof("%s: communicator ready for rank %d", clique.key, rank)
}

// waitRound blocks until the round's last local participant arrived, with
// the same soft/hard timeout policy as the rendezvous itself.
func (r *Registry) waitRound(name string, round *initRound) {
	waitStart := time.Now()
	var warnCh <-chan time.Time
	if r.rdvOpts.WarnStuckAfter > 0 {
		ticker := time.NewTicker(r.rdvOpts.WarnStuckAfter)
		defer ticker.Stop()
		warnCh = ticker.C
	}
	var terminateCh <-chan time.Time
	if r.rdvOpts.TerminateAfter > 0 {
		timer := time.NewTimer(r.rdvOpts.TerminateAfter)
		defer timer.Stop()
		terminateCh = timer.C
	}
	for {
		select {
		case <-round.done.WaitChan():
			return
		case <-warnCh:
			klog.Warningf("%s stuck: still waiting for %d local communicators after %s",
				name, round.pending.Load(), time.Since(waitStart).Round(time.Millisecond))
		case <-terminateCh:
			exceptions.Panicf("%s deadlocked: %d local communicators still missing after %s, giving up",
				name, round.pending.Load(), time.Since(waitStart).Round(time.Millisecond))
		}
	}
}

func (r *Registry) lookup(key Key) *Clique {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cliques[key.canonical]
}

func (r *Registry) lookupOrCreate(key Key) *Clique {
	r.mu.Lock()
	defer r.mu.Unlock()
	clique, found := r.cliques[key.canonical]
	if !found {
		clique = newClique(key)
		r.cliques[key.canonical] = clique
	}
	return clique
}

// NumCliques returns how many clique entries the registry holds (including
// failed ones, which are never evicted).
func (r *Registry) NumCliques() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cliques)
}

// String implements fmt.Stringer, rendering every clique entry, for
// debugging.
func (r *Registry) String() string {
	r.mu.Lock()
	cliques := maps.Values(r.cliques)
	r.mu.Unlock()
	lines := make([]string, 0, len(cliques)+1)
	lines = append(lines, fmt.Sprintf("Registry with %d clique(s):", len(cliques)))
	for _, clique := range cliques {
		lines = append(lines, "  "+clique.String())
	}
	sort.Strings(lines[1:])
	return strings.Join(lines, "\n")
}

// Guard is a read-only reference to a ready Clique, handed out by
// Registry.Acquire. The Registry keeps ownership of the Clique; the Guard
// never outlives it.
type Guard struct {
	clique *Clique
}

// Comm returns the communicator created for the given clique rank, checked
// against the clique's aggregated status.
func (g *Guard) Comm(rank int) (*comms.Comm, error) {
	return g.clique.Comm(rank)
}

// Key of the guarded clique.
func (g *Guard) Key() Key {
	return g.clique.key
}

// ID returns the clique's unique id.
func (g *Guard) ID() comms.UniqueID {
	id, _ := g.clique.ID()
	return id
}
