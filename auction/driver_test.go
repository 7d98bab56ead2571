package auction

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errSimRevert = errors.New("execution reverted") //nolint:goerr113

type fakeAudit struct {
	mu      sync.Mutex
	reports []*RoundReport
}

func (f *fakeAudit) RecordRound(ctx context.Context, report *RoundReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

type driverHarness struct {
	ledger       *fakeLedger
	orderbook    *fakeOrderbook
	audit        *fakeAudit
	reservations *OrderReservations
	driver       *Driver
}

func newDriverHarness(t *testing.T, ledger *fakeLedger, orderbook *fakeOrderbook, solvers ...SolverBackend) *driverHarness {
	t.Helper()
	log := zap.NewNop()
	clock := SystemClock()
	reservations := NewOrderReservations()

	builder := NewBuilder(log, orderbook, ledger, &fakePrices{}, reservations, nil, clock, 2*time.Second)
	coordinator := NewCoordinator(log, solvers, clock, 50*time.Millisecond, rate.Inf)
	scorer := NewScorer(log, NewValidator(big.NewInt(0)), SurplusScoring{})

	encoder, err := NewEncoder(log, ledger, common.Address{0x99}, common.Address{0x88})
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	nonces := NewNonceSource(ledger, crypto.PubkeyToAddress(key.PublicKey))
	cfg := fastSubmitterConfig()
	cfg.LingerAfterDeadline = 50 * time.Millisecond
	submitter := NewSubmitter(log, ledger, nonces, key, big.NewInt(5), clock, cfg)

	audit := &fakeAudit{}
	driver := NewDriver(log, builder, coordinator, scorer, encoder, submitter,
		orderbook, reservations, nil, audit, clock,
		DriverConfig{RoundInterval: time.Millisecond, SubmissionTimeout: 200 * time.Millisecond})

	return &driverHarness{
		ledger:       ledger,
		orderbook:    orderbook,
		audit:        audit,
		reservations: reservations,
		driver:       driver,
	}
}

func viableSolver(id string) *fakeSolver {
	return &fakeSolver{
		id: id,
		solution: &Solution{
			Fills: []Fill{{OrderUID: common.Hash{0x01}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(95)}},
			Routing: []RouteHop{
				{Venue: "ammx", TokenIn: tokenA, TokenOut: tokenB, AmountIn: hb(100), AmountOut: hb(95)},
			},
			ClearingPrices: clearingPrices(tokenA, tokenB),
		},
	}
}

func TestDriverRoundSettled(t *testing.T) {
	ledger := fundedLedger()
	ledger.markStatus(0, TxMined)
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeSettled, report.Outcome)
	require.Equal(t, "alpha", report.Winner)
	require.Equal(t, big.NewInt(5), report.WinningScore)
	require.Equal(t, new(big.Int), report.ReferenceScore)
	require.Equal(t, map[string]int{"alpha": 1}, report.Rankings)
	require.NotEmpty(t, report.SettlementID)
	require.NotEqual(t, common.Hash{}, report.TxHash)
	submitted := viableSolver("alpha").solution
	submitted.SolverID = "alpha"
	require.Equal(t, submitted.Hash(), report.SolutionHashes["alpha"])

	// the filled order is settled everywhere and stays excluded
	require.True(t, h.reservations.IsSettled(common.Hash{0x01}))
	require.Len(t, h.orderbook.settled, 1)
	require.Equal(t, []common.Hash{{0x01}}, h.orderbook.settled[0])
	require.ErrorIs(t, h.reservations.Reserve([]common.Hash{{0x01}}), ErrOrderReserved)
}

func TestDriverRoundSettledReleasesUntouchedOrders(t *testing.T) {
	ledger := fundedLedger()
	ledger.markStatus(0, TxMined)
	orderbook := &fakeOrderbook{orders: []*Order{
		testOrder(0x01, tokenA, tokenB, 100, 90, false),
		testOrder(0x02, tokenA, tokenB, 100, 90, false),
	}}
	// the winner fills only order 0x01
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeSettled, report.Outcome)
	require.Len(t, report.Orders, 2)

	// only the filled order is marked settled
	require.Equal(t, []common.Hash{{0x01}}, h.orderbook.settled[0])
	require.True(t, h.reservations.IsSettled(common.Hash{0x01}))
	require.False(t, h.reservations.IsSettled(common.Hash{0x02}))

	// the untouched order is eligible for the next round
	require.NoError(t, h.reservations.Reserve([]common.Hash{{0x02}}))
	require.ErrorIs(t, h.reservations.Reserve([]common.Hash{{0x01}}), ErrOrderReserved)
}

func TestDriverRoundEmpty(t *testing.T) {
	h := newDriverHarness(t, fundedLedger(), &fakeOrderbook{}, viableSolver("alpha"))

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeEmpty, report.Outcome)
	require.Empty(t, report.AuctionID)
}

func TestDriverRoundNoCompetitionResult(t *testing.T) {
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, fundedLedger(), orderbook,
		&fakeSolver{id: "alpha", err: ErrNoSolution},
		&fakeSolver{id: "bravo", err: ErrMalformedSolver},
	)

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeNoCompetition, report.Outcome)
	require.Equal(t, map[string]string{"alpha": "empty", "bravo": "malformed"}, report.SolverOutcomes)

	// orders go straight back to eligibility
	require.NoError(t, h.reservations.Reserve([]common.Hash{{0x01}}))
}

func TestDriverRoundNoViableSolution(t *testing.T) {
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	// pays below the order limit
	cheater := &fakeSolver{
		id: "alpha",
		solution: &Solution{
			Fills:          []Fill{{OrderUID: common.Hash{0x01}, ExecutedSellAmount: hb(100), ExecutedBuyAmount: hb(50)}},
			ClearingPrices: clearingPrices(tokenA, tokenB),
		},
	}
	h := newDriverHarness(t, fundedLedger(), orderbook, cheater)

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeNoViable, report.Outcome)
	require.Len(t, report.Rejections, 1)
	require.Equal(t, "alpha", report.Rejections[0].SolverID)
	require.Empty(t, report.Winner)

	require.NoError(t, h.reservations.Reserve([]common.Hash{{0x01}}))
}

func TestDriverRoundSimulationFailed(t *testing.T) {
	ledger := newFakeLedger()
	// the funding check fails open, the settlement dry run does not
	ledger.callErr = errSimRevert
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeSimFailed, report.Outcome)
	require.Empty(t, report.SettlementID)
	require.Zero(t, ledger.sentCount())

	// nothing was broadcast, the order is eligible again next round
	require.NoError(t, h.reservations.Reserve([]common.Hash{{0x01}}))
}

func TestDriverRoundReverted(t *testing.T) {
	ledger := fundedLedger()
	ledger.markStatus(0, TxReverted)
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeReverted, report.Outcome)

	require.Len(t, h.orderbook.recycled, 1)
	require.False(t, h.reservations.IsSettled(common.Hash{0x01}))
	require.NoError(t, h.reservations.Reserve([]common.Hash{{0x01}}))
}

func TestDriverRoundExpired(t *testing.T) {
	ledger := fundedLedger()
	// never mined, no replacements
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))

	report := h.driver.runRound(context.Background())
	require.Equal(t, OutcomeExpired, report.Outcome)
	require.Len(t, h.orderbook.recycled, 1)
	require.NoError(t, h.reservations.Reserve([]common.Hash{{0x01}}))
}

func TestDriverRunRecordsRounds(t *testing.T) {
	ledger := fundedLedger()
	ledger.markStatus(0, TxMined)
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.driver.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		h.audit.mu.Lock()
		defer h.audit.mu.Unlock()
		return len(h.audit.reports) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.Equal(t, OutcomeSettled, h.audit.reports[0].Outcome)
	// the settled order is excluded afterwards, later rounds are empty
	require.Equal(t, OutcomeEmpty, h.audit.reports[1].Outcome)

	status := h.driver.Status()
	require.GreaterOrEqual(t, status.Rounds, uint64(2))
	require.Equal(t, OutcomeEmpty, status.LastOutcome)
}

func TestDriverPause(t *testing.T) {
	ledger := fundedLedger()
	orderbook := &fakeOrderbook{orders: []*Order{testOrder(0x01, tokenA, tokenB, 100, 90, false)}}
	h := newDriverHarness(t, ledger, orderbook, viableSolver("alpha"))
	h.driver.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.driver.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, h.driver.Status().Paused)
	require.Zero(t, h.driver.Status().Rounds)
	cancel()
	<-done
}
