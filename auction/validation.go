package auction

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownOrder          = errors.New("fill references order not in auction")
	ErrDuplicateFill         = errors.New("order filled twice in one solution")
	ErrEmptySolution         = errors.New("solution fills no orders")
	ErrLimitPriceViolated    = errors.New("realized price is worse than the order limit")
	ErrOverfill              = errors.New("filled amount exceeds order amount")
	ErrPartialFillNotAllowed = errors.New("partial fill of a fill-or-kill order")
	ErrMissingClearingPrice  = errors.New("no clearing price for traded token")
	ErrConservationViolated  = errors.New("solution does not conserve value")
	ErrMalformedRouting      = errors.New("routing data is malformed")
)

// ValidationError wraps the violated invariant with the solver attribution
// so rejections can be recorded without failing the round.
type ValidationError struct {
	SolverID string
	Check    string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("solution from %s failed %s check: %v", e.SolverID, e.Check, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator checks candidate solutions against the hard invariants.
// Checks run in order and fail fast on the first violation.
type Validator struct {
	// ConservationEpsilon is the largest per-token imbalance tolerated as
	// rounding, in base units.
	ConservationEpsilon *big.Int
}

func NewValidator(epsilon *big.Int) *Validator {
	if epsilon == nil {
		epsilon = big.NewInt(0)
	}
	return &Validator{ConservationEpsilon: epsilon}
}

// Validate returns nil if the solution satisfies every invariant, or a
// ValidationError naming the first violated check.
func (v *Validator) Validate(a *Auction, s *Solution) error {
	if err := v.checkReferences(a, s); err != nil {
		return &ValidationError{SolverID: s.SolverID, Check: "referential-integrity", Err: err}
	}
	if err := v.checkBounds(a, s); err != nil {
		return &ValidationError{SolverID: s.SolverID, Check: "price-amount-bounds", Err: err}
	}
	if err := v.checkConservation(a, s); err != nil {
		return &ValidationError{SolverID: s.SolverID, Check: "conservation", Err: err}
	}
	if err := v.checkRouting(s); err != nil {
		return &ValidationError{SolverID: s.SolverID, Check: "routing", Err: err}
	}
	return nil
}

func (v *Validator) checkReferences(a *Auction, s *Solution) error {
	if len(s.Fills) == 0 {
		return ErrEmptySolution
	}
	filled := make(map[common.Hash]struct{}, len(s.Fills))
	for _, fill := range s.Fills {
		if _, ok := filled[fill.OrderUID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFill, fill.OrderUID.Hex())
		}
		filled[fill.OrderUID] = struct{}{}
		if a.OrderByUID(fill.OrderUID) == nil {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, fill.OrderUID.Hex())
		}
		if fill.ExecutedSellAmount == nil || fill.ExecutedBuyAmount == nil {
			return fmt.Errorf("%w: %s has nil amounts", ErrUnknownOrder, fill.OrderUID.Hex())
		}
	}
	return nil
}

func (v *Validator) checkBounds(a *Auction, s *Solution) error {
	for _, fill := range s.Fills {
		order := a.OrderByUID(fill.OrderUID)
		execSell := fill.ExecutedSellAmount.ToInt()
		execBuy := fill.ExecutedBuyAmount.ToInt()

		if execSell.Sign() <= 0 || execBuy.Sign() <= 0 {
			return fmt.Errorf("%w: %s non-positive execution", ErrOverfill, fill.OrderUID.Hex())
		}
		if execSell.Cmp(order.SellAmount.ToInt()) > 0 {
			return fmt.Errorf("%w: %s", ErrOverfill, fill.OrderUID.Hex())
		}
		if !order.PartialFill && execSell.Cmp(order.SellAmount.ToInt()) != 0 {
			return fmt.Errorf("%w: %s", ErrPartialFillNotAllowed, fill.OrderUID.Hex())
		}
		// The realized price must be at least as good for the user as the
		// signed limit: executed buy covers the pro-rata limit amount.
		if execBuy.Cmp(order.LimitBuyFor(execSell)) < 0 {
			return fmt.Errorf("%w: %s", ErrLimitPriceViolated, fill.OrderUID.Hex())
		}
		if _, ok := s.ClearingPrices[order.SellToken]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingClearingPrice, order.SellToken.Hex())
		}
		if _, ok := s.ClearingPrices[order.BuyToken]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingClearingPrice, order.BuyToken.Hex())
		}
	}
	return nil
}

// checkConservation verifies the net asset flow implied by the solution
// balances per token: user inflows plus routing outputs must equal user
// outflows plus routing inputs plus declared fees, within epsilon.
func (v *Validator) checkConservation(a *Auction, s *Solution) error {
	net := make(map[common.Address]*big.Int)
	add := func(token common.Address, amount *big.Int) {
		cur, ok := net[token]
		if !ok {
			cur = new(big.Int)
			net[token] = cur
		}
		cur.Add(cur, amount)
	}

	for _, fill := range s.Fills {
		order := a.OrderByUID(fill.OrderUID)
		add(order.SellToken, fill.ExecutedSellAmount.ToInt())
		add(order.BuyToken, new(big.Int).Neg(fill.ExecutedBuyAmount.ToInt()))
	}
	for _, hop := range s.Routing {
		add(hop.TokenIn, new(big.Int).Neg(hop.AmountIn.ToInt()))
		add(hop.TokenOut, hop.AmountOut.ToInt())
	}
	for token, fee := range s.Fees {
		if fee.ToInt().Sign() < 0 {
			return fmt.Errorf("%w: negative declared fee for %s", ErrConservationViolated, token.Hex())
		}
		add(token, new(big.Int).Neg(fee.ToInt()))
	}

	for token, balance := range net {
		if new(big.Int).Abs(balance).Cmp(v.ConservationEpsilon) > 0 {
			return fmt.Errorf("%w: token %s imbalance %s", ErrConservationViolated, token.Hex(), balance.String())
		}
	}
	return nil
}

func (v *Validator) checkRouting(s *Solution) error {
	for i, hop := range s.Routing {
		if hop.Venue == "" {
			return fmt.Errorf("%w: hop %d has no venue", ErrMalformedRouting, i)
		}
		if hop.TokenIn == hop.TokenOut {
			return fmt.Errorf("%w: hop %d trades token against itself", ErrMalformedRouting, i)
		}
		if hop.AmountIn == nil || hop.AmountOut == nil {
			return fmt.Errorf("%w: hop %d has nil amounts", ErrMalformedRouting, i)
		}
		if hop.AmountIn.ToInt().Sign() <= 0 || hop.AmountOut.ToInt().Sign() <= 0 {
			return fmt.Errorf("%w: hop %d has non-positive amounts", ErrMalformedRouting, i)
		}
	}
	return nil
}
