package metrics_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"repomigrate/internal/metrics"

	"github.com/stretchr/testify/require"
)

// counterValue sums a metric family's counter and gauge values
func counterValue(t *testing.T, c *metrics.Collector, name string) float64 {
	t.Helper()

	families, err := c.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range family.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		return sum
	}
	return 0
}

func TestCollector(t *testing.T) {
	c := metrics.New()

	c.IncNode(metrics.StatusSuccess)
	c.IncNode(metrics.StatusFailed)
	c.AddBytes(1024)
	c.TransferStarted()
	c.TransferStarted()
	c.TransferDone()
	c.SetExecutingTasks(3)
	c.IncFlushError()
	c.ObserveDuration(time.Second)

	require.Equal(t, 2.0, counterValue(t, c, "migrate_nodes_total"))
	require.Equal(t, 1024.0, counterValue(t, c, "migrate_bytes_total"))
	require.Equal(t, 1.0, counterValue(t, c, "migrate_inflight_transfers"))
	require.Equal(t, 3.0, counterValue(t, c, "migrate_executing_tasks"))
	require.Equal(t, 1.0, counterValue(t, c, "migrate_progress_flush_errors_total"))

	// collectors do not share state
	require.Zero(t, counterValue(t, metrics.New(), "migrate_nodes_total"))
}

func TestStartServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	c := metrics.New()
	c.IncNode(metrics.StatusSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.StartServer(ctx, addr) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, string(body), `migrate_nodes_total{status="success"} 1`)

	cancel()
	require.NoError(t, <-served)
}
