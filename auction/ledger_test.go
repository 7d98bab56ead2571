package auction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errNodeDown = errors.New("node down") //nolint:goerr113

// countingBlockLedger counts BlockNumber calls reaching the inner ledger.
type countingBlockLedger struct {
	*fakeLedger

	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingBlockLedger) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.fakeLedger.BlockNumber(ctx)
}

func TestCachingLedgerClientBlockNumber(t *testing.T) {
	inner := &countingBlockLedger{fakeLedger: newFakeLedger()}
	client := NewCachingLedgerClient(inner)

	block, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)

	// the second read is served from the cache, not the node
	inner.fakeLedger.block = 101
	block, err = client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)
	require.Equal(t, 1, inner.calls)
}

func TestCachingLedgerClientDoesNotCacheErrors(t *testing.T) {
	inner := &countingBlockLedger{fakeLedger: newFakeLedger(), err: errNodeDown}
	client := NewCachingLedgerClient(inner)

	_, err := client.BlockNumber(context.Background())
	require.ErrorIs(t, err, errNodeDown)

	inner.mu.Lock()
	inner.err = nil
	inner.mu.Unlock()

	block, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)
	require.Equal(t, 2, inner.calls)
}
