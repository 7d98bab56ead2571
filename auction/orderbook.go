package auction

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ybbus/jsonrpc/v3"
)

var ErrOrderReserved = errors.New("order is reserved by another round")

// OrderbookBackend is the boundary to the orderbook service that owns the
// raw orders. The driver reads the eligible set and notifies outcomes.
type OrderbookBackend interface {
	EligibleOrders(ctx context.Context) ([]*Order, error)
	MarkSettled(ctx context.Context, uids []common.Hash, txHash common.Hash) error
	MarkRecycled(ctx context.Context, uids []common.Hash, reason string) error
	MarkExpired(ctx context.Context, uids []common.Hash) error
}

type JSONRPCOrderbookBackend struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCOrderbookBackend(url string) *JSONRPCOrderbookBackend {
	return &JSONRPCOrderbookBackend{
		client: jsonrpc.NewClient(url),
	}
}

func (b *JSONRPCOrderbookBackend) EligibleOrders(ctx context.Context) ([]*Order, error) {
	var orders []*Order
	err := b.client.CallFor(ctx, &orders, EligibleOrdersEndpointName)
	return orders, err
}

func (b *JSONRPCOrderbookBackend) MarkSettled(ctx context.Context, uids []common.Hash, txHash common.Hash) error {
	res, err := b.client.Call(ctx, MarkSettledEndpointName, uids, txHash)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

func (b *JSONRPCOrderbookBackend) MarkRecycled(ctx context.Context, uids []common.Hash, reason string) error {
	res, err := b.client.Call(ctx, MarkRecycledEndpointName, uids, reason)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

func (b *JSONRPCOrderbookBackend) MarkExpired(ctx context.Context, uids []common.Hash) error {
	res, err := b.client.Call(ctx, MarkExpiredEndpointName, uids)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// OrderReservations enforces per-order exclusivity between rounds. An
// order reserved by one round cannot be allocated by another until the
// reservation is released or promoted to settled.
type OrderReservations struct {
	mu       sync.Mutex
	reserved map[common.Hash]struct{}
	settled  map[common.Hash]struct{}
}

func NewOrderReservations() *OrderReservations {
	return &OrderReservations{
		reserved: make(map[common.Hash]struct{}),
		settled:  make(map[common.Hash]struct{}),
	}
}

// Reserve reserves all uids atomically. If any uid is already reserved or
// settled, nothing is reserved and ErrOrderReserved is returned.
func (r *OrderReservations) Reserve(uids []common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range uids {
		if _, ok := r.reserved[uid]; ok {
			return ErrOrderReserved
		}
		if _, ok := r.settled[uid]; ok {
			return ErrOrderReserved
		}
	}
	for _, uid := range uids {
		r.reserved[uid] = struct{}{}
	}
	return nil
}

// Release returns uids to eligibility.
func (r *OrderReservations) Release(uids []common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range uids {
		delete(r.reserved, uid)
	}
}

// Settle marks uids as settled for the lifetime of the process. A settled
// order can never be reserved again.
func (r *OrderReservations) Settle(uids []common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range uids {
		delete(r.reserved, uid)
		r.settled[uid] = struct{}{}
	}
}

// IsSettled reports whether uid was settled by this process.
func (r *OrderReservations) IsSettled(uid common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.settled[uid]
	return ok
}
