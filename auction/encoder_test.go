package auction

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncoderEncode(t *testing.T) {
	ledger := newFakeLedger()
	ledger.block = 123
	ledger.gasEstimate = 100_000

	contract := common.HexToAddress("0x9999999999999999999999999999999999999999")
	sender := common.HexToAddress("0x8888888888888888888888888888888888888888")
	encoder, err := NewEncoder(zap.NewNop(), ledger, contract, sender)
	require.NoError(t, err)

	auction := testAuction(testOrder(0x01, tokenA, tokenB, 100, 90, false))
	winner := &Solution{
		SolverID: "alpha",
		Fills: []Fill{
			{OrderUID: common.Hash{0x01}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(95)},
		},
		ClearingPrices: clearingPrices(tokenA, tokenB),
	}

	settlement, err := encoder.Encode(context.Background(), auction, winner)
	require.NoError(t, err)
	require.NotEmpty(t, settlement.ID)
	require.Equal(t, auction.ID, settlement.AuctionID)
	require.Equal(t, contract, settlement.To)
	require.Equal(t, uint64(123), settlement.SimulatedBlock)
	// estimate plus headroom
	require.Equal(t, uint64(120_000), settlement.GasLimit)

	// call data starts with the settle selector and is deterministic for
	// the same solution
	require.True(t, len(settlement.CallData) > 4)
	again, err := encoder.Encode(context.Background(), auction, winner)
	require.NoError(t, err)
	require.Equal(t, settlement.CallData, again.CallData)
}

func TestEncoderSimulationRevert(t *testing.T) {
	ledger := newFakeLedger()
	ledger.callErr = errors.New("execution reverted") //nolint:goerr113

	encoder, err := NewEncoder(zap.NewNop(), ledger, common.Address{0x99}, common.Address{0x88})
	require.NoError(t, err)

	auction := testAuction(testOrder(0x01, tokenA, tokenB, 100, 90, false))
	winner := &Solution{
		SolverID: "alpha",
		Fills: []Fill{
			{OrderUID: common.Hash{0x01}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(95)},
		},
		ClearingPrices: clearingPrices(tokenA, tokenB),
	}

	_, err = encoder.Encode(context.Background(), auction, winner)
	require.ErrorIs(t, err, ErrSimulationFailed)
}

func TestEncoderEstimateFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.estimateErr = errors.New("gas required exceeds allowance") //nolint:goerr113

	encoder, err := NewEncoder(zap.NewNop(), ledger, common.Address{0x99}, common.Address{0x88})
	require.NoError(t, err)

	auction := testAuction(testOrder(0x01, tokenA, tokenB, 100, 90, false))
	winner := &Solution{
		SolverID: "alpha",
		Fills: []Fill{
			{OrderUID: common.Hash{0x01}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(95)},
		},
		ClearingPrices: clearingPrices(tokenA, tokenB),
	}

	_, err = encoder.Encode(context.Background(), auction, winner)
	require.ErrorIs(t, err, ErrSimulationFailed)
}

func TestEncoderUnknownOrder(t *testing.T) {
	ledger := newFakeLedger()
	encoder, err := NewEncoder(zap.NewNop(), ledger, common.Address{0x99}, common.Address{0x88})
	require.NoError(t, err)

	auction := testAuction(testOrder(0x01, tokenA, tokenB, 100, 90, false))
	winner := &Solution{
		SolverID: "alpha",
		Fills: []Fill{
			{OrderUID: common.Hash{0xff}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(95)},
		},
		ClearingPrices: clearingPrices(tokenA, tokenB),
	}

	_, err = encoder.Encode(context.Background(), auction, winner)
	require.ErrorIs(t, err, ErrUnknownOrder)
	require.False(t, errors.Is(err, ErrSimulationFailed))
}

func TestEncoderTokenOrderIsCanonical(t *testing.T) {
	ledger := newFakeLedger()
	encoder, err := NewEncoder(zap.NewNop(), ledger, common.Address{0x99}, common.Address{0x88})
	require.NoError(t, err)

	auction := testAuction(
		testOrder(0x01, tokenA, tokenB, 100, 90, false),
		testOrder(0x02, tokenB, tokenC, 50, 40, false),
	)
	winner := &Solution{
		SolverID: "alpha",
		Fills: []Fill{
			{OrderUID: common.Hash{0x01}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(95)},
			{OrderUID: common.Hash{0x02}, ExecutedSellAmount: hb(50), ExecutedBuyAmount: hb(45)},
		},
		ClearingPrices: clearingPrices(tokenC, tokenA, tokenB),
	}

	first, err := encoder.pack(auction, winner)
	require.NoError(t, err)

	// map iteration order must not leak into the call data
	for i := 0; i < 5; i++ {
		repacked, err := encoder.pack(auction, winner)
		require.NoError(t, err)
		require.Equal(t, first, repacked)
	}
}
