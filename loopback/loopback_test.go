// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loopback_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/goccl/cliques"
	"github.com/gomlx/goccl/comms"
	"github.com/gomlx/goccl/loopback"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// bootstrap creates the conns of a clique with the given size, one goroutine
// per rank.
func bootstrap(t *testing.T, driver *loopback.Driver, size int) []*loopback.Conn {
	t.Helper()
	id := comms.NewUniqueID()
	conns := make([]*loopback.Conn, size)
	var wg sync.WaitGroup
	for rank := range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			native, err := driver.CommInitRank(rank, size, id)
			require.NoError(t, err)
			conns[rank] = native.(*loopback.Conn)
		}()
	}
	wg.Wait()
	return conns
}

func TestBootstrap(t *testing.T) {
	driver := loopback.New()
	conns := bootstrap(t, driver, 3)
	for rank, conn := range conns {
		require.NotNil(t, conn)
		assert.Equal(t, rank, conn.Rank())
		assert.NoError(t, conn.AsyncError())
	}

	// A second clique bootstraps independently under the same driver.
	conns2 := bootstrap(t, driver, 2)
	assert.NotSame(t, conns[0], conns2[0])
}

func TestBootstrapErrors(t *testing.T) {
	driver := loopback.NewWithTimeout(50 * time.Millisecond)
	id := comms.NewUniqueID()

	_, err := driver.CommInitRank(2, 2, id)
	require.ErrorContains(t, err, "invalid rank")

	// Nobody else joins: the bootstrap must time out, not hang.
	_, err = driver.CommInitRank(0, 2, id)
	require.ErrorContains(t, err, "timed out")

	// Same rank joining twice is rejected.
	_, err = driver.CommInitRank(0, 2, id)
	require.ErrorContains(t, err, "already joined")

	// Conflicting size for the same id is rejected.
	_, err = driver.CommInitRank(0, 3, id)
	require.ErrorContains(t, err, "already bootstrapped with size 2")
}

func TestAllGather(t *testing.T) {
	const size = 4
	driver := loopback.New()
	conns := bootstrap(t, driver, size)

	// Two consecutive all-gathers; the second must not see first-round data.
	for round := range 2 {
		var wg sync.WaitGroup
		for rank := range size {
			wg.Add(1)
			go func() {
				defer wg.Done()
				payload := []byte(fmt.Sprintf("r%d-round%d", rank, round))
				gathered, err := conns[rank].AllGather(payload)
				require.NoError(t, err)
				require.Len(t, gathered, size)
				for peer := range size {
					assert.Equal(t, fmt.Sprintf("r%d-round%d", peer, round), string(gathered[peer]))
				}
			}()
		}
		wg.Wait()
	}
}

func TestSendRecv(t *testing.T) {
	driver := loopback.New()
	conns := bootstrap(t, driver, 2)

	require.NoError(t, conns[0].Send(1, []byte("ping")))
	got, err := conns[1].Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	// Messages from distinct senders don't interleave.
	require.NoError(t, conns[1].Send(0, []byte("pong")))
	got, err = conns[0].Recv(1)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))

	_, err = conns[0].Recv(7)
	require.ErrorContains(t, err, "Recv from rank 7")
}

func TestClosedConn(t *testing.T) {
	driver := loopback.New()
	conns := bootstrap(t, driver, 2)

	require.NoError(t, conns[1].Abort())
	require.ErrorContains(t, conns[1].Send(0, nil), "closed")
	_, err := conns[1].Recv(0)
	require.ErrorContains(t, err, "closed")
	err = conns[0].Send(1, []byte("into the void"))
	// Either the mailbox still had room or the closed peer was detected;
	// a blocked send must not hang.
	if err != nil {
		require.ErrorContains(t, err, "closed")
	}
}

func TestInjectedFault(t *testing.T) {
	driver := loopback.New()
	conns := bootstrap(t, driver, 2)

	require.NoError(t, conns[0].AsyncError())
	conns[0].InjectFault(errors.New("simulated xid error"))
	require.ErrorContains(t, conns[0].AsyncError(), "simulated xid error")
	_, err := conns[0].AllGather(nil)
	require.ErrorContains(t, err, "faulted")
}

// TestTwoProcessesEndToEnd simulates two processes (two registries) sharing
// one 4-device clique: each registry manages two local devices, the clique
// id travels through the Exchange, and the bootstrapped communicators run a
// real all-gather.
func TestTwoProcessesEndToEnd(t *testing.T) {
	driver := loopback.New()
	exchange := loopback.NewExchange()
	provider := func(key cliques.Key) (comms.UniqueID, error) {
		return exchange.ID(key.String()), nil
	}
	key := cliques.NewKey([]cliques.GlobalDeviceID{0, 1, 2, 3}, cliques.CollectiveStream)

	newRegistry := func() *cliques.Registry {
		return cliques.NewRegistry(cliques.Config{
			Driver:         driver,
			Monitor:        comms.NewMonitor(10 * time.Millisecond),
			TerminateAfter: 30 * time.Second,
		})
	}
	registries := []*cliques.Registry{newRegistry(), newRegistry()}

	gathered := make([][][]byte, 4)
	var wg sync.WaitGroup
	for device := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry := registries[device/2] // Devices 0,1 on "process" 0; 2,3 on 1.
			guard, err := registry.Acquire(cliques.AcquireParams{
				RunID:                1,
				OpID:                 1,
				Key:                  key,
				Device:               cliques.GlobalDeviceID(device),
				NumLocalParticipants: 2,
				IDProvider:           provider,
			})
			require.NoError(t, err)

			comm, err := guard.Comm(device) // Rank == device for this key.
			require.NoError(t, err)
			native, err := comm.Native()
			require.NoError(t, err)
			conn := native.(*loopback.Conn)
			gathered[device], err = conn.AllGather([]byte{byte('a' + device)})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	for device := range 4 {
		require.Len(t, gathered[device], 4)
		for peer := range 4 {
			assert.Equal(t, []byte{byte('a' + peer)}, gathered[device][peer])
		}
	}

	// Each registry only holds communicators for its own local ranks.
	guard, err := registries[0].Acquire(cliques.AcquireParams{
		RunID: 1, OpID: 1, Key: key, Device: 0,
		NumLocalParticipants: 2, IDProvider: provider, AllowFastPath: true,
	})
	require.NoError(t, err)
	_, err = guard.Comm(3)
	require.ErrorContains(t, err, "no local communicator for rank 3")
}
