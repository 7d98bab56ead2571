package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clearbatch/auction-node/metrics"
)

// Coordinator fans one auction out to all configured solvers in parallel
// under a single shared deadline. Per-solver failures are isolated: one
// misbehaving solver only ever costs the round its own solution.
type Coordinator struct {
	log     *zap.Logger
	solvers []SolverBackend
	clock   Clock

	// SafetyMargin is subtracted from the auction deadline to leave time
	// for encoding and submission after the competition closes.
	SafetyMargin time.Duration

	limiter *rate.Limiter
}

func NewCoordinator(log *zap.Logger, solvers []SolverBackend, clock Clock, safetyMargin time.Duration, solveRate rate.Limit) *Coordinator {
	return &Coordinator{
		log:          log.Named("competition"),
		solvers:      solvers,
		clock:        clock,
		SafetyMargin: safetyMargin,
		limiter:      rate.NewLimiter(solveRate, len(solvers)+1),
	}
}

// Compete sends the auction to every solver and returns the tagged
// per-solver results. It returns ErrNoCompetitionResult alongside the
// results when not a single solver produced a usable solution.
func (c *Coordinator) Compete(ctx context.Context, a *Auction) ([]SolverResult, error) {
	deadline := a.Deadline.Add(-c.SafetyMargin)
	budget := deadline.Sub(c.clock.Now())
	if budget <= 0 {
		c.log.Warn("No time budget left for competition", zap.String("auction", a.ID))
		return nil, ErrNoCompetitionResult
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	req := &SolveRequest{
		Auction:  a,
		Deadline: hexutil.Uint64(deadline.Unix()),
	}

	results := make([]SolverResult, len(c.solvers))
	var wg sync.WaitGroup
	for i, solver := range c.solvers {
		wg.Add(1)
		go func(i int, solver SolverBackend) {
			defer wg.Done()
			results[i] = c.solveOne(ctx, solver, req)
		}(i, solver)
	}
	wg.Wait()

	for _, res := range results {
		metrics.IncSolverResult(res.Kind.String())
	}
	if len(Solutions(results)) == 0 {
		return results, ErrNoCompetitionResult
	}
	return results, nil
}

func (c *Coordinator) solveOne(ctx context.Context, solver SolverBackend, req *SolveRequest) SolverResult {
	result := SolverResult{SolverID: solver.ID()}

	if err := c.limiter.Wait(ctx); err != nil {
		result.Kind = SolverTimeout
		result.Err = err
		return result
	}

	start := time.Now()
	solution, err := solver.Solve(ctx, req)
	elapsed := time.Since(start)
	metrics.RecordSolverDuration(solver.ID(), elapsed.Milliseconds())

	switch {
	case err == nil:
		solution.SolverID = solver.ID()
		result.Kind = SolverSuccess
		result.Solution = solution
		c.log.Debug("Solver returned solution",
			zap.String("solver", solver.ID()),
			zap.Int("fills", len(solution.Fills)),
			zap.Duration("duration", elapsed),
		)
	case errors.Is(err, ErrNoSolution):
		result.Kind = SolverEmpty
		c.log.Debug("Solver returned no solution", zap.String("solver", solver.ID()), zap.Duration("duration", elapsed))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Kind = SolverTimeout
		result.Err = err
		c.log.Warn("Solver timed out", zap.String("solver", solver.ID()), zap.Duration("duration", elapsed))
	case errors.Is(err, ErrMalformedSolver):
		result.Kind = SolverMalformed
		result.Err = err
		c.log.Warn("Solver returned malformed solution", zap.String("solver", solver.ID()), zap.Error(err))
	default:
		result.Kind = SolverError
		result.Err = err
		c.log.Warn("Solver request failed", zap.String("solver", solver.ID()), zap.Error(err))
	}
	return result
}

// Solutions extracts the successfully received solutions from results.
func Solutions(results []SolverResult) []*Solution {
	var solutions []*Solution
	for _, res := range results {
		if res.Kind == SolverSuccess && res.Solution != nil {
			solutions = append(solutions, res.Solution)
		}
	}
	return solutions
}
