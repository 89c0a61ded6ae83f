package worker_test

import (
	"fmt"
	"math/rand"
	"testing"

	"repomigrate/internal/checkpoint"
	"repomigrate/internal/worker"

	"github.com/stretchr/testify/require"
)

func nodeID(i int) string {
	return fmt.Sprintf("node-%04d", i)
}

func TestWindowAdvancesOverCompletedPrefix(t *testing.T) {
	w := worker.NewWindow(checkpoint.Progress{})
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Dispatch(nodeID(i)))
	}

	p, err := w.Complete(nodeID(2))
	require.NoError(t, err)
	require.Equal(t, checkpoint.Progress{}, p)

	p, err = w.Complete(nodeID(1))
	require.NoError(t, err)
	require.Equal(t, checkpoint.Progress{MigratedCount: 2, LastMigratedNodeID: nodeID(2)}, p)
	require.Equal(t, 1, w.Outstanding())

	p, err = w.Complete(nodeID(3))
	require.NoError(t, err)
	require.Equal(t, checkpoint.Progress{MigratedCount: 3, LastMigratedNodeID: nodeID(3)}, p)
	require.Equal(t, 0, w.Outstanding())
}

func TestWindowResumesFromCheckpoint(t *testing.T) {
	w := worker.NewWindow(checkpoint.Progress{MigratedCount: 23, LastMigratedNodeID: nodeID(23)})

	require.Error(t, w.Dispatch(nodeID(23)))
	require.NoError(t, w.Dispatch(nodeID(24)))

	p, err := w.Complete(nodeID(24))
	require.NoError(t, err)
	require.Equal(t, checkpoint.Progress{MigratedCount: 24, LastMigratedNodeID: nodeID(24)}, p)
}

func TestWindowRejectsMisuse(t *testing.T) {
	w := worker.NewWindow(checkpoint.Progress{})
	require.NoError(t, w.Dispatch(nodeID(5)))
	require.Error(t, w.Dispatch(nodeID(4)))
	require.Error(t, w.Dispatch(nodeID(5)))

	_, err := w.Complete(nodeID(9))
	require.Error(t, err)

	_, err = w.Complete(nodeID(5))
	require.NoError(t, err)
	_, err = w.Complete(nodeID(5))
	require.Error(t, err)
}

// TestWindowNeverPassesInFlightNode completes nodes in random order and
// checks after every step that the checkpoint covers exactly the completed
// prefix and nothing still in flight.
func TestWindowNeverPassesInFlightNode(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(60)
		w := worker.NewWindow(checkpoint.Progress{})
		completed := make([]bool, n+1)

		var pending []int
		next := 1
		for next <= n || len(pending) > 0 {
			// interleave dispatches and completions like a bounded pool would
			if next <= n && (len(pending) == 0 || rng.Intn(2) == 0) {
				require.NoError(t, w.Dispatch(nodeID(next)))
				pending = append(pending, next)
				next++
				continue
			}

			k := rng.Intn(len(pending))
			id := pending[k]
			pending = append(pending[:k], pending[k+1:]...)
			completed[id] = true

			p, err := w.Complete(nodeID(id))
			require.NoError(t, err)

			prefix := 0
			for prefix+1 <= n && completed[prefix+1] {
				prefix++
			}
			require.EqualValues(t, prefix, p.MigratedCount)
			if prefix > 0 {
				require.Equal(t, nodeID(prefix), p.LastMigratedNodeID)
			}
			for _, inflight := range pending {
				require.Less(t, p.LastMigratedNodeID, nodeID(inflight))
			}
		}

		require.Equal(t, 0, w.Outstanding())
		require.EqualValues(t, n, w.Progress().MigratedCount)
	}
}
