// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comms

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DefaultMonitorInterval is the poll interval used by NewMonitor when none is
// given.
const DefaultMonitorInterval = 30 * time.Second

// Monitor periodically polls every tracked Comm for an asynchronous fault,
// and aborts and drops the ones that report one. The fault then surfaces to
// users of that Comm on their next attempted use, as ErrCommAborted.
//
// The polling goroutine starts lazily on the first Track call and runs until
// Close. Monitors are constructed and injected (usually one per
// cliques.Registry), not process-wide.
type Monitor struct {
	interval time.Duration

	mu      sync.Mutex
	tracked map[*Comm]string // Comm -> description used in log messages.
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor returns a Monitor polling at the given interval.
// If interval is 0, DefaultMonitorInterval is used.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		interval: interval,
		tracked:  make(map[*Comm]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Track adds the Comm to the monitored set, starting the polling goroutine
// if this is the first tracked Comm. description is used in log messages
// about the Comm.
func (m *Monitor) Track(c *Comm, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[c] = description
	if !m.started {
		m.started = true
		go m.loop()
	}
}

// Untrack removes the Comm from the monitored set, if present.
func (m *Monitor) Untrack(c *Comm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, c)
}

// NumTracked returns the number of currently monitored Comms.
func (m *Monitor) NumTracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Close stops the polling goroutine and waits for it to finish. It is
// idempotent. Tracked Comms are not aborted: their teardown belongs to
// whoever owns them (process teardown or a fault).
func (m *Monitor) Close() {
	m.mu.Lock()
	if !m.started {
		// Loop never ran; mark as started so a Track after Close doesn't
		// spawn a loop on a closed stop channel.
		m.started = true
		close(m.stop)
		close(m.done)
		m.mu.Unlock()
		return
	}
	select {
	case <-m.stop:
		m.mu.Unlock()
		<-m.done
		return
	default:
	}
	close(m.stop)
	m.mu.Unlock()
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

// checkAll polls every tracked Comm once. The tracked set is snapshotted
// under a short-held lock; the polls themselves run unlocked.
func (m *Monitor) checkAll() {
	m.mu.Lock()
	snapshot := maps.Keys(m.tracked)
	m.mu.Unlock()

	for _, c := range snapshot {
		err := c.AsyncError()
		if err == nil {
			continue
		}
		m.mu.Lock()
		description := m.tracked[c]
		delete(m.tracked, c)
		m.mu.Unlock()
		if errors.Is(err, ErrCommAborted) {
			// Released behind our back (e.g. process teardown); just drop it.
			klog.V(1).Infof("health monitor: %s (%s) already released, dropped from tracking", c, description)
			continue
		}
		klog.Errorf("health monitor: async fault on %s (%s): %+v -- aborting it", c, description, err)
		c.Abort()
	}
}
