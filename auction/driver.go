package auction

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/metrics"
)

// RoundStage enumerates the driver's round state machine. Every stage has
// exactly one error exit that returns the driver to collecting for the
// next round; a round is never retried mid-flight with stale data.
type RoundStage uint8

const (
	StageCollecting RoundStage = iota
	StageCompeting
	StageScoring
	StageEncoding
	StageSubmitting
	StageSettled
)

func (s RoundStage) String() string {
	switch s {
	case StageCollecting:
		return "collecting"
	case StageCompeting:
		return "competing"
	case StageScoring:
		return "scoring"
	case StageEncoding:
		return "encoding"
	case StageSubmitting:
		return "submitting"
	case StageSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// RoundOutcome names how a round ended, for metrics and audit records.
type RoundOutcome string

const (
	OutcomeSettled       RoundOutcome = "settled"
	OutcomeEmpty         RoundOutcome = "empty"
	OutcomeNoCompetition RoundOutcome = "no-competition-result"
	OutcomeNoViable      RoundOutcome = "no-viable-solution"
	OutcomeSimFailed     RoundOutcome = "simulation-failed"
	OutcomeExpired       RoundOutcome = "expired"
	OutcomeReverted      RoundOutcome = "reverted"
	OutcomeReplaced      RoundOutcome = "replaced"
	OutcomeError         RoundOutcome = "error"
)

// RoundReport is the audit record of one round, pushed to the audit store
// without blocking round progress.
type RoundReport struct {
	AuctionID      string                 `json:"auctionId"`
	StateBlock     uint64                 `json:"stateBlock"`
	Orders         []common.Hash          `json:"orders"`
	Participants   []string               `json:"participants"`
	SolverOutcomes map[string]string      `json:"solverOutcomes"`
	// SolutionHashes maps solver id to the content hash of the solution it
	// submitted, for attribution.
	SolutionHashes map[string]common.Hash `json:"solutionHashes,omitempty"`
	Rejections     []Rejection            `json:"rejections,omitempty"`
	Winner         string                 `json:"winner,omitempty"`
	WinningScore   *big.Int               `json:"winningScore,omitempty"`
	ReferenceScore *big.Int               `json:"referenceScore,omitempty"`
	Rankings       map[string]int         `json:"rankings,omitempty"`
	SettlementID   string                 `json:"settlementId,omitempty"`
	TxHash         common.Hash            `json:"txHash,omitempty"`
	Nonce          uint64                 `json:"nonce,omitempty"`
	Replacements   int                    `json:"replacements,omitempty"`
	Outcome        RoundOutcome           `json:"outcome"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     time.Time              `json:"finishedAt"`
}

// AuditStore persists round history. Implementations must be safe to call
// from the round loop and must not block on downstream storage.
type AuditStore interface {
	RecordRound(ctx context.Context, report *RoundReport) error
}

type DriverConfig struct {
	// RoundInterval is the pause between the end of one round and the
	// start of the next.
	RoundInterval time.Duration
	// SubmissionTimeout bounds the submit/monitor phase independently of
	// the auction deadline and the per-solver timeout.
	SubmissionTimeout time.Duration
}

// DriverStatus is the operator-visible snapshot of the round loop.
type DriverStatus struct {
	Paused       bool         `json:"paused"`
	Stage        string       `json:"stage"`
	AuctionID    string       `json:"auctionId,omitempty"`
	SettlementID string       `json:"settlementId,omitempty"`
	Rounds       uint64       `json:"rounds"`
	LastOutcome  RoundOutcome `json:"lastOutcome,omitempty"`
}

// Driver ties builder, competition, scoring, encoding and submission into
// repeating rounds over one intent pool. Rounds are strictly sequential:
// a new auction is not built while a settlement is in flight, so order
// exclusivity holds per round and per order.
type Driver struct {
	log          *zap.Logger
	builder      *Builder
	coordinator  *Coordinator
	scorer       *Scorer
	encoder      *Encoder
	submitter    *Submitter
	orderbook    OrderbookBackend
	reservations *OrderReservations
	settled      *RedisSettledCache
	audit        AuditStore
	clock        Clock
	cfg          DriverConfig

	paused atomic.Bool
	rounds atomic.Uint64

	mu           sync.Mutex
	stage        RoundStage
	auctionID    string
	settlementID string
	lastOutcome  RoundOutcome
}

func NewDriver(
	log *zap.Logger, builder *Builder, coordinator *Coordinator, scorer *Scorer,
	encoder *Encoder, submitter *Submitter, orderbook OrderbookBackend,
	reservations *OrderReservations, settled *RedisSettledCache,
	audit AuditStore, clock Clock, cfg DriverConfig,
) *Driver {
	return &Driver{
		log:          log.Named("driver"),
		builder:      builder,
		coordinator:  coordinator,
		scorer:       scorer,
		encoder:      encoder,
		submitter:    submitter,
		orderbook:    orderbook,
		reservations: reservations,
		settled:      settled,
		audit:        audit,
		clock:        clock,
		cfg:          cfg,
	}
}

// Run drives rounds until the context is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("Driver starting", zap.Duration("round_interval", d.cfg.RoundInterval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Driver stopping")
			return ctx.Err()
		default:
		}

		if d.paused.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.clock.After(d.cfg.RoundInterval):
			}
			continue
		}

		report := d.runRound(ctx)
		if report != nil {
			d.rounds.Add(1)
			d.setLastOutcome(report.Outcome)
			metrics.IncRounds(string(report.Outcome))
			metrics.RecordRoundDuration(string(report.Outcome), report.FinishedAt.Sub(report.StartedAt).Milliseconds())
			if err := d.audit.RecordRound(ctx, report); err != nil {
				d.log.Error("Failed to record round", zap.Error(err), zap.String("auction", report.AuctionID))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.cfg.RoundInterval):
		}
	}
}

// runRound executes one round through the stage machine. Every error path
// releases the round's order reservations so the orders are eligible
// again in the next auction.
func (d *Driver) runRound(ctx context.Context) *RoundReport { //nolint:gocognit
	report := &RoundReport{StartedAt: d.clock.Now()}
	defer func() { report.FinishedAt = d.clock.Now() }()

	var (
		a          *Auction
		results    []SolverResult
		ranked     []*ScoredSolution
		settlement *Settlement
	)
	stage := StageCollecting
	d.setStage(stage, "", "")

	for {
		switch stage {
		case StageCollecting:
			var err error
			a, err = d.builder.Build(ctx)
			if errors.Is(err, ErrEmptyAuction) {
				report.Outcome = OutcomeEmpty
				return report
			}
			if err != nil {
				d.log.Error("Failed to build auction", zap.Error(err))
				report.Outcome = OutcomeError
				return report
			}
			report.AuctionID = a.ID
			report.StateBlock = uint64(a.StateBlock)
			report.Orders = orderUIDs(a.Orders)
			if err := d.reservations.Reserve(report.Orders); err != nil {
				// Another round still holds part of the pool; skip this one.
				d.log.Warn("Order reservation conflict, skipping round", zap.Error(err))
				report.Outcome = OutcomeError
				return report
			}
			stage = StageCompeting
			d.setStage(stage, a.ID, "")

		case StageCompeting:
			var err error
			results, err = d.coordinator.Compete(ctx, a)
			report.SolverOutcomes = make(map[string]string, len(results))
			for _, res := range results {
				report.Participants = append(report.Participants, res.SolverID)
				report.SolverOutcomes[res.SolverID] = res.Kind.String()
				if res.Solution != nil {
					if report.SolutionHashes == nil {
						report.SolutionHashes = make(map[string]common.Hash)
					}
					report.SolutionHashes[res.SolverID] = res.Solution.Hash()
				}
			}
			if err != nil {
				d.log.Info("Round ended without competition result", zap.String("auction", a.ID), zap.Error(err))
				d.abandonRound(ctx, report, OutcomeNoCompetition)
				return report
			}
			stage = StageScoring
			d.setStage(stage, a.ID, "")

		case StageScoring:
			var rejections []Rejection
			var err error
			ranked, rejections, err = d.scorer.Rank(a, Solutions(results))
			report.Rejections = rejections
			if err != nil {
				d.log.Info("No viable solution this round", zap.String("auction", a.ID), zap.Error(err))
				d.abandonRound(ctx, report, OutcomeNoViable)
				return report
			}
			report.Winner = ranked[0].Solution.SolverID
			report.WinningScore = ranked[0].Score
			report.ReferenceScore = ReferenceScore(ranked)
			report.Rankings = make(map[string]int, len(ranked))
			for _, sol := range ranked {
				report.Rankings[sol.Solution.SolverID] = sol.Ranking
			}
			d.log.Info("Selected winning solution",
				zap.String("auction", a.ID),
				zap.String("winner", report.Winner),
				zap.String("score", report.WinningScore.String()),
				zap.String("reference_score", report.ReferenceScore.String()),
			)
			stage = StageEncoding
			d.setStage(stage, a.ID, "")

		case StageEncoding:
			var err error
			settlement, err = d.encoder.Encode(ctx, a, ranked[0].Solution)
			if err != nil {
				// State has diverged from what the solver assumed; the next
				// round starts from fresh state instead of retrying.
				d.log.Warn("Round aborted at encoding", zap.String("auction", a.ID), zap.Error(err))
				d.abandonRound(ctx, report, OutcomeSimFailed)
				return report
			}
			report.SettlementID = settlement.ID
			stage = StageSubmitting
			d.setStage(stage, a.ID, settlement.ID)

		case StageSubmitting:
			deadline := d.clock.Now().Add(d.cfg.SubmissionTimeout)
			res, err := d.submitter.Submit(ctx, settlement, deadline)
			report.Nonce = res.Nonce
			report.Replacements = res.Replacements
			if len(res.Hashes) > 0 {
				report.TxHash = res.Hashes[len(res.Hashes)-1]
			}
			if res.MinedHash != (common.Hash{}) {
				report.TxHash = res.MinedHash
			}
			switch res.State {
			case SubmitMined:
				stage = StageSettled
				d.setStage(stage, a.ID, settlement.ID)
			case SubmitReverted:
				// Gas was consumed but the settlement took no effect; the
				// orders go back to eligibility.
				d.recycleRound(ctx, report, settlement, OutcomeReverted, "reverted on chain")
				return report
			case SubmitReplaced:
				d.recycleRound(ctx, report, settlement, OutcomeReplaced, "replaced by operator")
				return report
			default:
				if err != nil {
					d.log.Error("Settlement submission failed", zap.String("auction", a.ID), zap.Error(err))
				}
				d.recycleRound(ctx, report, settlement, OutcomeExpired, "expired without inclusion")
				return report
			}

		case StageSettled:
			d.finalizeSettled(ctx, a, settlement, report)
			report.Outcome = OutcomeSettled
			return report
		}
	}
}

// abandonRound releases every reserved order of the round; nothing was
// broadcast, so there is no on-chain effect to account for.
func (d *Driver) abandonRound(ctx context.Context, report *RoundReport, outcome RoundOutcome) {
	d.reservations.Release(report.Orders)
	report.Outcome = outcome
}

// recycleRound returns the round's orders to eligibility after a terminal
// submission failure and notifies the orderbook.
func (d *Driver) recycleRound(ctx context.Context, report *RoundReport, settlement *Settlement, outcome RoundOutcome, reason string) {
	d.reservations.Release(report.Orders)
	if err := d.orderbook.MarkRecycled(ctx, settlement.OrderUIDs(), reason); err != nil {
		d.log.Error("Failed to mark orders recycled", zap.Error(err), zap.String("settlement", settlement.ID))
	}
	report.Outcome = outcome
}

// finalizeSettled marks the winner's orders settled everywhere and frees
// the auction orders the settlement did not touch.
func (d *Driver) finalizeSettled(ctx context.Context, a *Auction, settlement *Settlement, report *RoundReport) {
	settledUIDs := settlement.OrderUIDs()
	d.reservations.Settle(settledUIDs)

	filled := make(map[common.Hash]struct{}, len(settledUIDs))
	for _, uid := range settledUIDs {
		filled[uid] = struct{}{}
	}
	var untouched []common.Hash
	for _, uid := range report.Orders {
		if _, ok := filled[uid]; !ok {
			untouched = append(untouched, uid)
		}
	}
	d.reservations.Release(untouched)

	if d.settled != nil {
		if err := d.settled.Add(ctx, settledUIDs); err != nil {
			d.log.Error("Failed to record settled orders in cache", zap.Error(err))
		}
	}
	if err := d.orderbook.MarkSettled(ctx, settledUIDs, report.TxHash); err != nil {
		d.log.Error("Failed to mark orders settled", zap.Error(err), zap.String("settlement", settlement.ID))
	}
	d.log.Info("Round settled",
		zap.String("auction", a.ID),
		zap.String("settlement", settlement.ID),
		zap.String("tx", report.TxHash.Hex()),
		zap.Int("orders_settled", len(settledUIDs)),
		zap.Int("orders_untouched", len(untouched)),
	)
}

// Pause stops new rounds from starting; the in-flight round finishes.
func (d *Driver) Pause() { d.paused.Store(true) }

// Resume restarts the round loop after a pause.
func (d *Driver) Resume() { d.paused.Store(false) }

// CancelSettlement asks the submitter to replace the named in-flight
// settlement with a cancellation transaction.
func (d *Driver) CancelSettlement(settlementID string) {
	d.submitter.Cancel(settlementID)
}

// Status returns an operator snapshot of the round loop.
func (d *Driver) Status() DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DriverStatus{
		Paused:       d.paused.Load(),
		Stage:        d.stage.String(),
		AuctionID:    d.auctionID,
		SettlementID: d.settlementID,
		Rounds:       d.rounds.Load(),
		LastOutcome:  d.lastOutcome,
	}
}

func (d *Driver) setStage(stage RoundStage, auctionID, settlementID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stage = stage
	d.auctionID = auctionID
	d.settlementID = settlementID
}

func (d *Driver) setLastOutcome(outcome RoundOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOutcome = outcome
}

func orderUIDs(orders []*Order) []common.Hash {
	uids := make([]common.Hash, len(orders))
	for i, o := range orders {
		uids[i] = o.UID
	}
	return uids
}
