package admission

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
)

func testStore(maxConcurrent int) *config.Store {
	cfg := config.Default()
	cfg.Admission.MaxConcurrent = maxConcurrent
	return config.NewStore(cfg)
}

func TestAdmit_ApprovalReservesSlot(t *testing.T) {
	c := NewController(testStore(5))

	d := c.Admit("BTC-USD", domain.SideLong, "sig-1")
	require.True(t, d.Approved)
	require.NotNil(t, d.Position)
	assert.Equal(t, "BTC-USD", d.Position.InstrumentID)
	assert.Equal(t, domain.SideLong, d.Position.Side)
	assert.Equal(t, "sig-1", d.Position.SignalID)
	assert.NotEmpty(t, d.Position.PositionID)
	assert.Equal(t, 1, c.OpenCount())

	// All three checks pass, in evaluation order.
	require.Len(t, d.Checks, 3)
	assert.Equal(t, "emergency", d.Checks[0].Name)
	assert.Equal(t, "concurrency", d.Checks[1].Name)
	assert.Equal(t, "duplicate", d.Checks[2].Name)
}

func TestAdmit_DuplicateRejected(t *testing.T) {
	c := NewController(testStore(5))

	require.True(t, c.Admit("BTC-USD", domain.SideLong, "sig-1").Approved)

	d := c.Admit("BTC-USD", domain.SideLong, "sig-2")
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonDuplicate, d.Reason)
	assert.Equal(t, 1, c.OpenCount())
}

func TestAdmit_ConcurrencyLimit(t *testing.T) {
	c := NewController(testStore(2))

	require.True(t, c.Admit("BTC-USD", domain.SideLong, "sig-1").Approved)
	require.True(t, c.Admit("ETH-USD", domain.SideShort, "sig-2").Approved)

	d := c.Admit("SOL-USD", domain.SideLong, "sig-3")
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonConcurrency, d.Reason)

	// Rejections have no side effects: repeating yields the same decision.
	again := c.Admit("SOL-USD", domain.SideLong, "sig-3")
	assert.Equal(t, d.Reason, again.Reason)
	assert.Equal(t, 2, c.OpenCount())

	// A freed slot admits the next request.
	_, ok := c.Release("BTC-USD")
	require.True(t, ok)
	assert.True(t, c.Admit("SOL-USD", domain.SideLong, "sig-4").Approved)
}

func TestAdmit_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	const limit = 5
	c := NewController(testStore(limit))

	var wg sync.WaitGroup
	approvals := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("INST-%d", n)
			if c.Admit(id, domain.SideLong, fmt.Sprintf("sig-%d", n)).Approved {
				approvals <- id
			}
		}(i)
	}
	wg.Wait()
	close(approvals)

	count := 0
	for range approvals {
		count++
	}
	assert.Equal(t, limit, count)
	assert.Equal(t, limit, c.OpenCount())
}

func TestAdmit_EmergencyHaltBlocksEverything(t *testing.T) {
	c := NewController(testStore(5))

	c.Halt("drawdown")
	d := c.Admit("BTC-USD", domain.SideLong, "sig-1")
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonEmergency, d.Reason)
	assert.Equal(t, "drawdown", d.Checks[0].Reason)
	// The emergency check short-circuits the rest.
	assert.Len(t, d.Checks, 1)

	// Halt and Resume are idempotent.
	c.Halt("again")
	c.Resume()
	c.Resume()
	assert.False(t, c.Halted())
	assert.True(t, c.Admit("BTC-USD", domain.SideLong, "sig-2").Approved)
}

func TestRelease_UnknownInstrumentTolerated(t *testing.T) {
	c := NewController(testStore(5))

	_, ok := c.Release("BTC-USD")
	assert.False(t, ok)

	require.True(t, c.Admit("BTC-USD", domain.SideLong, "sig-1").Approved)
	pos, ok := c.Release("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "sig-1", pos.SignalID)

	// Double release is a no-op.
	_, ok = c.Release("BTC-USD")
	assert.False(t, ok)
	assert.Equal(t, 0, c.OpenCount())
}

func TestOpenPositions_ReturnsCopy(t *testing.T) {
	c := NewController(testStore(5))
	require.True(t, c.Admit("BTC-USD", domain.SideLong, "sig-1").Approved)
	require.True(t, c.Admit("ETH-USD", domain.SideShort, "sig-2").Approved)

	positions := c.OpenPositions()
	assert.Len(t, positions, 2)
}
