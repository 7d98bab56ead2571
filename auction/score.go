package auction

import (
	"errors"
	"math/big"
	"sort"

	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/metrics"
)

var ErrMissingReferencePrice = errors.New("no reference price for traded token")

// ScoringPolicy derives the comparable score of a valid solution. The
// exact economics are a policy choice, so the scorer takes it as a
// dependency rather than hard-coding one formula.
type ScoringPolicy interface {
	Score(a *Auction, s *Solution) (score, volume *big.Int, err error)
}

// SurplusScoring scores a solution as total user surplus versus the
// auction's reference prices, net of the solver's declared execution
// cost. Partial fills contribute surplus pro rata by construction: the
// limit is scaled to the executed amount.
type SurplusScoring struct{}

func (SurplusScoring) Score(a *Auction, s *Solution) (*big.Int, *big.Int, error) {
	score := new(big.Int)
	volume := new(big.Int)
	for _, fill := range s.Fills {
		order := a.OrderByUID(fill.OrderUID)

		buyPrice, ok := a.Prices[order.BuyToken]
		if !ok {
			return nil, nil, ErrMissingReferencePrice
		}
		sellPrice, ok := a.Prices[order.SellToken]
		if !ok {
			return nil, nil, ErrMissingReferencePrice
		}

		execSell := fill.ExecutedSellAmount.ToInt()
		execBuy := fill.ExecutedBuyAmount.ToInt()

		// Surplus is what the user receives beyond the scaled limit,
		// valued at the reference price of the buy token.
		surplus := new(big.Int).Sub(execBuy, order.LimitBuyFor(execSell))
		surplus.Mul(surplus, buyPrice.ToInt())
		score.Add(score, surplus)

		volume.Add(volume, new(big.Int).Mul(execSell, sellPrice.ToInt()))
	}
	if s.Cost != nil {
		score.Sub(score, s.Cost.ToInt())
	}
	return score, volume, nil
}

// Rejection records why one solution was discarded during a round.
type Rejection struct {
	SolverID string
	Reason   string
}

// Scorer validates, scores and ranks the solutions of one competition.
type Scorer struct {
	log       *zap.Logger
	validator *Validator
	policy    ScoringPolicy
}

func NewScorer(log *zap.Logger, validator *Validator, policy ScoringPolicy) *Scorer {
	return &Scorer{
		log:       log.Named("scorer"),
		validator: validator,
		policy:    policy,
	}
}

// Rank validates every solution, scores the survivors and returns them in
// winning order together with the recorded rejections. A solution that
// fails validation never reaches score computation. When nothing survives
// the error is ErrNoViableSolution.
func (s *Scorer) Rank(a *Auction, solutions []*Solution) ([]*ScoredSolution, []Rejection, error) {
	var (
		scored    []*ScoredSolution
		rejected  []Rejection
		valErr    *ValidationError
		scoreFail error
	)
	for _, solution := range solutions {
		if err := s.validator.Validate(a, solution); err != nil {
			if errors.As(err, &valErr) {
				rejected = append(rejected, Rejection{SolverID: valErr.SolverID, Reason: valErr.Error()})
			} else {
				rejected = append(rejected, Rejection{SolverID: solution.SolverID, Reason: err.Error()})
			}
			metrics.IncSolutionsRejected()
			s.log.Info("Discarded solution", zap.String("solver", solution.SolverID), zap.Error(err))
			continue
		}

		score, volume, err := s.policy.Score(a, solution)
		if err != nil {
			scoreFail = err
			rejected = append(rejected, Rejection{SolverID: solution.SolverID, Reason: err.Error()})
			metrics.IncSolutionsRejected()
			s.log.Warn("Failed to score solution", zap.String("solver", solution.SolverID), zap.Error(err))
			continue
		}
		scored = append(scored, &ScoredSolution{Solution: solution, Score: score, Volume: volume})
	}

	if len(scored) == 0 {
		if scoreFail != nil {
			return nil, rejected, errors.Join(ErrNoViableSolution, scoreFail)
		}
		return nil, rejected, ErrNoViableSolution
	}

	// Ranking is deterministic: score descending, then total filled
	// volume descending, then lexicographically smallest solver id.
	sort.SliceStable(scored, func(i, j int) bool {
		if c := scored[i].Score.Cmp(scored[j].Score); c != 0 {
			return c > 0
		}
		if c := scored[i].Volume.Cmp(scored[j].Volume); c != 0 {
			return c > 0
		}
		return scored[i].Solution.SolverID < scored[j].Solution.SolverID
	})
	for i, sol := range scored {
		sol.Ranking = i + 1
	}
	return scored, rejected, nil
}

// ReferenceScore returns the runner-up score used for reporting, or zero
// if the competition had a single viable solution.
func ReferenceScore(ranked []*ScoredSolution) *big.Int {
	if len(ranked) < 2 {
		return new(big.Int)
	}
	return new(big.Int).Set(ranked[1].Score)
}
