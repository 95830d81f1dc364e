package balancer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/transport"
	"github.com/pyropy/rclonepool/lib/logger"
)

func testConfig(strategy string) config.Config {
	cfg := config.Default()
	cfg.Remotes = []string{"r1:", "r2:", "r3:"}
	cfg.UseCrypt = false
	cfg.ChunkSize = 100
	cfg.BalancingStrategy = strategy
	return cfg
}

func seeded(t *testing.T, strategy string, used [3]int64) (*Balancer, *transport.Memory) {
	t.Helper()

	mem := transport.NewMemory("r1:", "r2:", "r3:")
	for i, remote := range []string{"r1:", "r2:", "r3:"} {
		mem.SetSpace(remote, transport.Space{Used: used[i], Free: 1000, Total: used[i] + 1000})
	}

	b := New(testConfig(strategy), mem, logger.NewNop("balancer"))
	b.Seed(context.Background())
	return b, mem
}

func TestPickLeastUsed(t *testing.T) {
	b, _ := seeded(t, config.StrategyLeastUsed, [3]int64{30, 10, 20})

	remote, err := b.Pick(100)
	require.NoError(t, err)
	assert.Equal(t, "r2:", remote)
}

func TestPickTieBreaksByConfiguredOrder(t *testing.T) {
	b, _ := seeded(t, config.StrategyLeastUsed, [3]int64{10, 10, 10})

	remote, err := b.Pick(100)
	require.NoError(t, err)
	assert.Equal(t, "r1:", remote)
}

// The balancer records each placement optimistically, so a sequence of picks
// rotates across remotes as their booked usage grows.
func TestPickSequenceWithPostRecordRule(t *testing.T) {
	b, _ := seeded(t, config.StrategyLeastUsed, [3]int64{10, 20, 30})

	var picks []string
	for i := 0; i < 5; i++ {
		remote, err := b.Pick(100)
		require.NoError(t, err)
		picks = append(picks, remote)
	}

	// used: r1 10->110, r2 20->120, r3 30->130, then r1 110->210, r2 120->220
	assert.Equal(t, []string{"r1:", "r2:", "r3:", "r1:", "r2:"}, picks)
}

func TestPickSkipsFullRemotes(t *testing.T) {
	mem := transport.NewMemory("r1:", "r2:", "r3:")
	mem.SetSpace("r1:", transport.Space{Used: 0, Free: 50, Total: 50})
	mem.SetSpace("r2:", transport.Space{Used: 500, Free: 1000, Total: 1500})
	mem.SetSpace("r3:", transport.Space{Used: 900, Free: 1000, Total: 1900})

	b := New(testConfig(config.StrategyLeastUsed), mem, logger.NewNop("balancer"))
	b.Seed(context.Background())

	// r1 has the least used bytes but cannot fit the chunk.
	remote, err := b.Pick(100)
	require.NoError(t, err)
	assert.Equal(t, "r2:", remote)
}

func TestPickNoEligibleRemote(t *testing.T) {
	mem := transport.NewMemory("r1:")
	mem.SetSpace("r1:", transport.Space{Used: 100, Free: 10, Total: 110})

	cfg := testConfig(config.StrategyLeastUsed)
	cfg.Remotes = []string{"r1:"}

	b := New(cfg, mem, logger.NewNop("balancer"))
	b.Seed(context.Background())

	_, err := b.Pick(100)
	assert.ErrorIs(t, err, ErrNoEligibleRemote)
}

func TestSeedFailureMarksIneligible(t *testing.T) {
	b, mem := seeded(t, config.StrategyLeastUsed, [3]int64{0, 0, 0})

	mem.SetError("r1:", assert.AnError)
	b.Seed(context.Background())

	remote, err := b.Pick(100)
	require.NoError(t, err)
	assert.Equal(t, "r2:", remote)

	report := b.Report()
	assert.False(t, report["r1:"].Eligible)
	assert.True(t, report["r2:"].Eligible)
}

func TestRecordRollback(t *testing.T) {
	b, _ := seeded(t, config.StrategyLeastUsed, [3]int64{10, 20, 30})

	remote, err := b.Pick(100)
	require.NoError(t, err)
	require.Equal(t, "r1:", remote)
	assert.Equal(t, int64(110), b.Report()["r1:"].Used)

	b.Record(remote, -100)
	assert.Equal(t, int64(10), b.Report()["r1:"].Used)

	// next pick lands on r1 again
	remote, err = b.Pick(100)
	require.NoError(t, err)
	assert.Equal(t, "r1:", remote)
}

func TestRoundRobinRotatesAcrossEqualRemotes(t *testing.T) {
	b, _ := seeded(t, config.StrategyRoundRobinLeastUsed, [3]int64{0, 0, 0})

	var picks []string
	for i := 0; i < 6; i++ {
		remote, err := b.Pick(10)
		require.NoError(t, err)
		picks = append(picks, remote)
		// neutralize the optimistic reservation so only the cursor moves
		b.Record(remote, -10)
	}

	assert.Equal(t, []string{"r1:", "r2:", "r3:", "r1:", "r2:", "r3:"}, picks)
}

func TestRoundRobinPrefersLeastUsedInRotation(t *testing.T) {
	b, _ := seeded(t, config.StrategyRoundRobinLeastUsed, [3]int64{500, 0, 500})

	remote, err := b.Pick(10)
	require.NoError(t, err)
	// the rotation starts at r1 but r2 is far less used
	assert.Equal(t, "r2:", remote)
}

func TestReportSnapshot(t *testing.T) {
	b, _ := seeded(t, config.StrategyLeastUsed, [3]int64{10, 20, 30})

	report := b.Report()
	require.Len(t, report, 3)
	assert.Equal(t, int64(10), report["r1:"].Used)
	assert.Equal(t, int64(1000), report["r1:"].Free)
	assert.Equal(t, int64(1010), report["r1:"].Total)
}
