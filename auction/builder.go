package auction

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/metrics"
)

// balanceOf(address) selector, used for the best-effort funding check.
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Builder assembles a self-consistent auction snapshot for one round.
type Builder struct {
	log          *zap.Logger
	orderbook    OrderbookBackend
	ledger       LedgerClient
	prices       PriceSource
	reservations *OrderReservations
	settled      *RedisSettledCache
	clock        Clock

	// RoundDuration is the end-to-end time box of a round; the auction
	// deadline is now + RoundDuration.
	RoundDuration time.Duration
}

func NewBuilder(
	log *zap.Logger, orderbook OrderbookBackend, ledger LedgerClient, prices PriceSource,
	reservations *OrderReservations, settled *RedisSettledCache, clock Clock, roundDuration time.Duration,
) *Builder {
	return &Builder{
		log:           log.Named("builder"),
		orderbook:     orderbook,
		ledger:        ledger,
		prices:        prices,
		reservations:  reservations,
		settled:       settled,
		clock:         clock,
		RoundDuration: roundDuration,
	}
}

// Build pulls the current eligible order set and freezes it into an
// auction. It returns ErrEmptyAuction when no order survives filtering,
// signaling the driver to skip straight to the next round.
func (b *Builder) Build(ctx context.Context) (*Auction, error) {
	orders, err := b.orderbook.EligibleOrders(ctx)
	if err != nil {
		return nil, err
	}

	now := b.clock.Now()
	var expired []common.Hash
	eligible := make([]*Order, 0, len(orders))
	for _, order := range orders {
		if order.Expired(now) {
			expired = append(expired, order.UID)
			continue
		}
		if uint64(order.ValidFrom) > uint64(now.Unix()) {
			continue
		}
		if b.reservations.IsSettled(order.UID) {
			continue
		}
		eligible = append(eligible, order)
	}
	if len(expired) > 0 {
		if err := b.orderbook.MarkExpired(ctx, expired); err != nil {
			b.log.Warn("Failed to mark orders expired", zap.Error(err), zap.Int("orders", len(expired)))
		}
	}

	eligible, err = b.dropSettled(ctx, eligible)
	if err != nil {
		b.log.Warn("Failed to check settled cache, keeping orders", zap.Error(err))
	}
	eligible = b.dropUnfunded(ctx, eligible)

	if len(eligible) == 0 {
		metrics.IncRoundsEmpty()
		return nil, ErrEmptyAuction
	}

	stateBlock, err := b.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	prices, err := b.prices.ReferencePrices(ctx, collectTokens(eligible))
	if err != nil {
		return nil, err
	}

	auction := &Auction{
		ID:         uuid.NewString(),
		StateBlock: hexutil.Uint64(stateBlock),
		Orders:     eligible,
		Prices:     prices,
		Deadline:   now.Add(b.RoundDuration),
	}
	b.log.Debug("Built auction",
		zap.String("auction", auction.ID),
		zap.Int("orders", len(eligible)),
		zap.Uint64("state_block", stateBlock),
		zap.Time("deadline", auction.Deadline),
	)
	return auction, nil
}

// dropSettled removes orders another instance already settled. Errors are
// returned alongside the unfiltered set; the final double-settle guard is
// the reservation set and the settled marker at finalization.
func (b *Builder) dropSettled(ctx context.Context, orders []*Order) ([]*Order, error) {
	if b.settled == nil || len(orders) == 0 {
		return orders, nil
	}
	uids := make([]common.Hash, len(orders))
	for i, o := range orders {
		uids[i] = o.UID
	}
	settled, err := b.settled.Settled(ctx, uids)
	if err != nil {
		return orders, err
	}
	kept := orders[:0]
	for _, o := range orders {
		if !settled[o.UID] {
			kept = append(kept, o)
		}
	}
	return kept, nil
}

// dropUnfunded removes orders whose owner balance cannot cover the sell
// amount right now. Best effort and non-final: the authoritative check is
// the settlement simulation.
func (b *Builder) dropUnfunded(ctx context.Context, orders []*Order) []*Order {
	kept := orders[:0]
	for _, order := range orders {
		balance, err := b.tokenBalance(ctx, order.SellToken, order.Owner)
		if err != nil {
			// Keep the order if the check itself fails.
			kept = append(kept, order)
			continue
		}
		if balance.Cmp(order.SellAmount.ToInt()) < 0 {
			b.log.Debug("Dropping unfunded order",
				zap.String("order", order.UID.Hex()),
				zap.String("balance", balance.String()),
				zap.String("sell_amount", order.SellAmount.String()),
			)
			continue
		}
		kept = append(kept, order)
	}
	return kept
}

func (b *Builder) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	out, err := b.ledger.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func collectTokens(orders []*Order) []common.Address {
	seen := make(map[common.Address]struct{})
	tokens := make([]common.Address, 0, len(orders)*2)
	for _, o := range orders {
		if _, ok := seen[o.SellToken]; !ok {
			seen[o.SellToken] = struct{}{}
			tokens = append(tokens, o.SellToken)
		}
		if _, ok := seen[o.BuyToken]; !ok {
			seen[o.BuyToken] = struct{}{}
			tokens = append(tokens, o.BuyToken)
		}
	}
	return tokens
}
