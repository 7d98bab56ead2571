package auction

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyAuction        = errors.New("no eligible orders for auction")
	ErrNoCompetitionResult = errors.New("no solver returned a solution")
	ErrNoViableSolution    = errors.New("no solution survived validation")
	ErrSimulationFailed    = errors.New("settlement simulation failed")
	ErrSubmissionFailure   = errors.New("settlement broadcast rejected")
)

const (
	SolveEndpointName            = "solver_solve"
	EligibleOrdersEndpointName   = "orderbook_eligibleOrders"
	MarkSettledEndpointName      = "orderbook_markSettled"
	MarkRecycledEndpointName     = "orderbook_markRecycled"
	MarkExpiredEndpointName      = "orderbook_markExpired"
	ReferencePricesEndpointName  = "price_referencePrices"
	StatusEndpointName           = "driver_status"
	PauseEndpointName            = "driver_pause"
	ResumeEndpointName           = "driver_resume"
	CancelSettlementEndpointName = "driver_cancelSettlement"
)

// Order is a user's signed trade intent. It is owned by the orderbook
// service; the driver only ever holds a read-only snapshot per auction.
type Order struct {
	UID        common.Hash    `json:"uid"`
	Owner      common.Address `json:"owner"`
	SellToken  common.Address `json:"sellToken"`
	BuyToken   common.Address `json:"buyToken"`
	SellAmount *hexutil.Big   `json:"sellAmount"`
	// BuyAmount is the limit: the minimum amount of buy token acceptable
	// for the full SellAmount.
	BuyAmount   *hexutil.Big   `json:"buyAmount"`
	ValidFrom   hexutil.Uint64 `json:"validFrom"`
	ValidTo     hexutil.Uint64 `json:"validTo"`
	PartialFill bool           `json:"partialFill"`
	Signature   hexutil.Bytes  `json:"signature"`
}

// LimitBuyFor returns the minimum acceptable buy amount for executing
// sellAmount of the order, rounding in the user's favor.
func (o *Order) LimitBuyFor(sellAmount *big.Int) *big.Int {
	num := new(big.Int).Mul(sellAmount, o.BuyAmount.ToInt())
	den := o.SellAmount.ToInt()
	limit := new(big.Int).Div(num, den)
	if new(big.Int).Mul(limit, den).Cmp(num) != 0 {
		limit.Add(limit, big.NewInt(1))
	}
	return limit
}

// Expired reports whether the order's validity window has elapsed at t.
func (o *Order) Expired(t time.Time) bool {
	return uint64(o.ValidTo) < uint64(t.Unix())
}

// Auction is one round's frozen input. It is immutable for the life of
// the round and superseded, never mutated, by the next round.
type Auction struct {
	ID         string                          `json:"id"`
	StateBlock hexutil.Uint64                  `json:"stateBlock"`
	Orders     []*Order                        `json:"orders"`
	Prices     map[common.Address]*hexutil.Big `json:"prices"`
	Deadline   time.Time                       `json:"deadline"`
}

// OrderByUID returns the auction order with the given uid, or nil.
func (a *Auction) OrderByUID(uid common.Hash) *Order {
	for _, o := range a.Orders {
		if o.UID == uid {
			return o
		}
	}
	return nil
}

// Fill is one order's execution inside a solution.
type Fill struct {
	OrderUID           common.Hash  `json:"orderUid"`
	ExecutedSellAmount *hexutil.Big `json:"executedSellAmount"`
	ExecutedBuyAmount  *hexutil.Big `json:"executedBuyAmount"`
}

// RouteHop is one step of the solver's internal routing. The driver only
// checks it for structural consistency, the contents are otherwise opaque.
type RouteHop struct {
	Venue     string         `json:"venue"`
	TokenIn   common.Address `json:"tokenIn"`
	TokenOut  common.Address `json:"tokenOut"`
	AmountIn  *hexutil.Big   `json:"amountIn"`
	AmountOut *hexutil.Big   `json:"amountOut"`
}

// Solution is a solver's proposed settlement, pre-validation.
type Solution struct {
	// SolverID is set by the competition coordinator, never trusted from
	// the wire.
	SolverID string `json:"solverId"`

	Fills          []Fill                          `json:"fills"`
	Routing        []RouteHop                      `json:"routing,omitempty"`
	ClearingPrices map[common.Address]*hexutil.Big `json:"clearingPrices"`
	// Fees declared per token, kept by the settlement contract.
	Fees map[common.Address]*hexutil.Big `json:"fees,omitempty"`
	// Cost is the solver's declared execution cost in native units.
	Cost *hexutil.Big `json:"cost,omitempty"`
	// ScoreHint is self-reported and only ever used for logging.
	ScoreHint *hexutil.Big `json:"scoreHint,omitempty"`
}

// Hash returns a content hash of the solution, used for attribution in
// the audit store.
func (s *Solution) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(s.SolverID))
	for _, f := range s.Fills {
		hasher.Write(f.OrderUID[:])
		hasher.Write(f.ExecutedSellAmount.ToInt().Bytes())
		hasher.Write(f.ExecutedBuyAmount.ToInt().Bytes())
	}
	return common.BytesToHash(hasher.Sum(nil))
}

// SolveRequest is the wire request sent to every solver.
type SolveRequest struct {
	Auction  *Auction       `json:"auction"`
	Deadline hexutil.Uint64 `json:"deadline"`
}

// SolveResponse is the wire response from a solver. A solver that finds
// no solution answers with Solution == nil, which is distinct from a
// transport error.
type SolveResponse struct {
	Solution *Solution `json:"solution,omitempty"`
}

// SolverResultKind tags the outcome of one solver request.
type SolverResultKind uint8

const (
	SolverSuccess SolverResultKind = iota
	SolverEmpty
	SolverTimeout
	SolverMalformed
	SolverError
)

func (k SolverResultKind) String() string {
	switch k {
	case SolverSuccess:
		return "success"
	case SolverEmpty:
		return "empty"
	case SolverTimeout:
		return "timeout"
	case SolverMalformed:
		return "malformed"
	case SolverError:
		return "error"
	default:
		return "unknown"
	}
}

// SolverResult is the tagged per-solver outcome of one competition round.
type SolverResult struct {
	SolverID string
	Kind     SolverResultKind
	Solution *Solution
	Err      error
}

// ScoredSolution is a solution that survived validation together with its
// derived score.
type ScoredSolution struct {
	Solution *Solution
	// Score is the total user surplus versus reference prices net of the
	// solver's declared cost, in native units.
	Score *big.Int
	// Volume is the reference-priced total filled volume, used as the
	// first tie-break.
	Volume *big.Int
	// Ranking is 1-based, assigned after sorting.
	Ranking int
}

// Settlement is the selected solution plus its encoded, simulated call
// data. Exactly one settlement per auction reaches submission.
type Settlement struct {
	ID        string
	AuctionID string
	Solution  *Solution
	CallData  hexutil.Bytes
	To        common.Address
	GasLimit  uint64
	// SimulatedBlock is the block the dry run was executed against.
	SimulatedBlock uint64
}

// OrderUIDs returns the uids of all orders filled by the settlement.
func (s *Settlement) OrderUIDs() []common.Hash {
	uids := make([]common.Hash, len(s.Solution.Fills))
	for i, f := range s.Solution.Fills {
		uids[i] = f.OrderUID
	}
	return uids
}
