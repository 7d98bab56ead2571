package auction

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource owns the account nonce behind a single-writer boundary.
// Allocate-then-broadcast happens as one logical step under the lock, so
// there is exactly one in-flight transaction per nonce at a time.
type NonceSource struct {
	mu      sync.Mutex
	ledger  LedgerClient
	account common.Address

	next        uint64
	initialized bool
}

func NewNonceSource(ledger LedgerClient, account common.Address) *NonceSource {
	return &NonceSource{
		ledger:  ledger,
		account: account,
	}
}

// WithNonce runs fn with the next nonce while holding the lock. The nonce
// is consumed only if fn succeeds; on failure the local counter is reset
// so the next caller re-syncs with the node.
func (n *NonceSource) WithNonce(ctx context.Context, fn func(nonce uint64) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		pending, err := n.ledger.PendingNonceAt(ctx, n.account)
		if err != nil {
			return err
		}
		n.next = pending
		n.initialized = true
	}

	if err := fn(n.next); err != nil {
		n.initialized = false
		return err
	}
	n.next++
	return nil
}

// Reuse runs fn with a previously consumed nonce, used for replacement
// transactions. It serializes with WithNonce but does not advance the
// counter.
func (n *NonceSource) Reuse(nonce uint64, fn func(nonce uint64) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn(nonce)
}
