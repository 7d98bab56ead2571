package auction

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/metrics"
)

const settlementABIJSON = `[{
	"name": "settle",
	"type": "function",
	"inputs": [
		{"name": "tokens", "type": "address[]"},
		{"name": "clearingPrices", "type": "uint256[]"},
		{"name": "trades", "type": "tuple[]", "components": [
			{"name": "orderUid", "type": "bytes32"},
			{"name": "owner", "type": "address"},
			{"name": "sellTokenIndex", "type": "uint256"},
			{"name": "buyTokenIndex", "type": "uint256"},
			{"name": "executedSellAmount", "type": "uint256"},
			{"name": "executedBuyAmount", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		]}
	],
	"outputs": []
}]`

// gas estimates get a headroom so a settlement does not run out of gas
// when state moves slightly between estimation and inclusion.
const gasLimitHeadroomPercent = 20

type settlementTrade struct {
	OrderUid           [32]byte       `abi:"orderUid"`
	Owner              common.Address `abi:"owner"`
	SellTokenIndex     *big.Int       `abi:"sellTokenIndex"`
	BuyTokenIndex      *big.Int       `abi:"buyTokenIndex"`
	ExecutedSellAmount *big.Int       `abi:"executedSellAmount"`
	ExecutedBuyAmount  *big.Int       `abi:"executedBuyAmount"`
	Signature          []byte         `abi:"signature"`
}

// Encoder converts the winning solution into concrete ledger call data
// and dry-runs it before anything is broadcast.
type Encoder struct {
	log      *zap.Logger
	ledger   LedgerClient
	abi      abi.ABI
	contract common.Address
	sender   common.Address
}

func NewEncoder(log *zap.Logger, ledger LedgerClient, contract, sender common.Address) (*Encoder, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABIJSON))
	if err != nil {
		return nil, err
	}
	return &Encoder{
		log:      log.Named("encoder"),
		ledger:   ledger,
		abi:      parsed,
		contract: contract,
		sender:   sender,
	}, nil
}

// Encode produces the settlement for the winning solution: packed call
// data, a simulated dry run against current ledger state and a gas limit.
// Simulation failure aborts the round with ErrSimulationFailed; the state
// the solver assumed has already diverged, so the driver moves on rather
// than retrying the same solution.
func (e *Encoder) Encode(ctx context.Context, a *Auction, winner *Solution) (*Settlement, error) {
	callData, err := e.pack(a, winner)
	if err != nil {
		return nil, err
	}

	call := ethereum.CallMsg{
		From: e.sender,
		To:   &e.contract,
		Data: callData,
	}

	simBlock, err := e.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	if _, err := e.ledger.CallContract(ctx, call, nil); err != nil {
		metrics.IncSimulationsFailed()
		e.log.Warn("Settlement simulation reverted",
			zap.String("auction", a.ID),
			zap.String("solver", winner.SolverID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	gas, err := e.ledger.EstimateGas(ctx, call)
	if err != nil {
		metrics.IncSimulationsFailed()
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	gasLimit := gas + gas*gasLimitHeadroomPercent/100

	e.log.Debug("Encoded settlement",
		zap.String("auction", a.ID),
		zap.String("solver", winner.SolverID),
		zap.Uint64("gas_limit", gasLimit),
		zap.Uint64("sim_block", simBlock),
	)
	return &Settlement{
		ID:             uuid.NewString(),
		AuctionID:      a.ID,
		Solution:       winner,
		CallData:       callData,
		To:             e.contract,
		GasLimit:       gasLimit,
		SimulatedBlock: simBlock,
	}, nil
}

func (e *Encoder) pack(a *Auction, winner *Solution) ([]byte, error) {
	tokens := make([]common.Address, 0, len(winner.ClearingPrices))
	for token := range winner.ClearingPrices {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Hex() < tokens[j].Hex()
	})
	tokenIndex := make(map[common.Address]int, len(tokens))
	prices := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		tokenIndex[token] = i
		prices[i] = winner.ClearingPrices[token].ToInt()
	}

	trades := make([]settlementTrade, len(winner.Fills))
	for i, fill := range winner.Fills {
		order := a.OrderByUID(fill.OrderUID)
		if order == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, fill.OrderUID.Hex())
		}
		trades[i] = settlementTrade{
			OrderUid:           fill.OrderUID,
			Owner:              order.Owner,
			SellTokenIndex:     big.NewInt(int64(tokenIndex[order.SellToken])),
			BuyTokenIndex:      big.NewInt(int64(tokenIndex[order.BuyToken])),
			ExecutedSellAmount: fill.ExecutedSellAmount.ToInt(),
			ExecutedBuyAmount:  fill.ExecutedBuyAmount.ToInt(),
			Signature:          order.Signature,
		}
	}

	return e.abi.Pack("settle", tokens, prices, trades)
}
