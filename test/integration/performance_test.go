// ============================================================================
// Fatebox Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: durable state machine throughput and recovery time
//
// TestLifecycleThroughput:
//   500 boxes through register -> commit -> reveal -> settle on the
//   WAL-backed controller; reports transitions per second.
//
// TestRecoveryPerformance:
//   - 500 boxes, half settled, half failed
//   - Stop (final snapshot), then a crash after a tail of transitions that
//     only exist in the WAL
//   - measure recovery time (new Controller + Start)
//   - target: < 3 seconds recovery time, zero loss
//
// Notes:
//   - results are affected by system load; CI may be slower than local
//   - temp directories avoid test pollution
//
// ============================================================================

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frommybrain/fatebox/internal/controller"
	"github.com/frommybrain/fatebox/internal/luck"
	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/pkg/types"
)

func perfConfig(dir string) controller.Config {
	return controller.Config{
		WALPath:      dir + "/boxes.wal",
		SnapshotPath: dir + "/boxes.snapshot",
		Luck:         luck.DefaultConfig(3 * time.Second),
		CommitWindow: time.Hour,
	}
}

// drive takes box id through the lifecycle; fail ends it in Failed instead.
func drive(t testing.TB, c *controller.Controller, id types.BoxID, fail bool) {
	at := t0.Add(time.Duration(id) * time.Millisecond)
	require.NoError(t, c.Register(types.Box{ID: id, ProjectID: 1, Owner: owner, Stake: 100, CreatedAt: at}))
	_, err := c.Commit(id, key(0x4A, uint32(id)), at.Add(40*time.Second))
	require.NoError(t, err)
	if fail {
		require.NoError(t, c.MarkFailed(id, "oracle offline", at.Add(time.Minute)))
		return
	}
	_, err = c.Reveal(id, owner, reward.Fraction(uint32(id)%10001), at.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, c.Settle(id, at.Add(2*time.Minute)))
}

func TestLifecycleThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	const boxes = 500

	c, err := controller.NewController(perfConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()

	start := time.Now()
	for id := types.BoxID(1); id <= boxes; id++ {
		drive(t, c, id, false)
	}
	elapsed := time.Since(start)

	status := c.GetStatus()
	assert.Equal(t, boxes, status.Boxes[string(types.StateSettled)])
	assert.Equal(t, uint64(boxes*4), status.WALSeq)

	rate := float64(boxes*4) / elapsed.Seconds()
	t.Logf("%d transitions in %s (%.0f/s)", boxes*4, elapsed, rate)
}

func TestRecoveryPerformance(t *testing.T) {
	const boxes = 500
	dir := t.TempDir()

	c1, err := controller.NewController(perfConfig(dir))
	require.NoError(t, err)
	require.NoError(t, c1.Start())
	for id := types.BoxID(1); id <= boxes; id++ {
		drive(t, c1, id, id%2 == 0)
	}
	c1.Stop()

	// WAL 尾巴：快照之後的轉換
	c2, err := controller.NewController(perfConfig(dir))
	require.NoError(t, err)
	require.NoError(t, c2.Start())
	for id := types.BoxID(boxes + 1); id <= boxes+50; id++ {
		drive(t, c2, id, false)
	}
	// c2 不 Stop：模擬崩潰，最後 50 個盒子只存在於 WAL
	expected := c2.GetStatus().Boxes

	start := time.Now()
	c3, err := controller.NewController(perfConfig(dir))
	require.NoError(t, err)
	require.NoError(t, c3.Start())
	recovery := time.Since(start)
	defer c3.Stop()

	t.Logf("recovered %d boxes in %s", boxes+50, recovery)
	assert.Less(t, recovery, 3*time.Second, "recovery should finish within 3s")

	got := c3.GetStatus().Boxes
	assert.Equal(t, expected, got)
	assert.Equal(t, boxes/2+50, got[string(types.StateSettled)])
	assert.Equal(t, boxes/2, got[string(types.StateFailed)])
}

func BenchmarkDurableLifecycle(b *testing.B) {
	c, err := controller.NewController(perfConfig(b.TempDir()))
	require.NoError(b, err)
	require.NoError(b, c.Start())
	defer c.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		drive(b, c, types.BoxID(i+1), false)
	}
}
