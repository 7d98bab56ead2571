package auction

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/metrics"
)

// SubmitState is the lifecycle state of one logical settlement
// transaction. The logical transaction may correspond to several distinct
// on-ledger hashes over its lifetime; replacements share the nonce.
type SubmitState uint8

const (
	SubmitPending SubmitState = iota
	SubmitSubmitted
	SubmitMined
	SubmitReplaced
	SubmitExpired
	SubmitReverted
)

func (s SubmitState) String() string {
	switch s {
	case SubmitPending:
		return "pending"
	case SubmitSubmitted:
		return "submitted"
	case SubmitMined:
		return "mined"
	case SubmitReplaced:
		return "replaced"
	case SubmitExpired:
		return "expired"
	case SubmitReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s SubmitState) Terminal() bool {
	switch s {
	case SubmitMined, SubmitReplaced, SubmitExpired, SubmitReverted:
		return true
	default:
		return false
	}
}

type SubmitterConfig struct {
	// PollInterval is how often inclusion is checked while submitted.
	PollInterval time.Duration
	// ReplaceAfter is the per-broadcast inclusion deadline before the fee
	// is bumped and the transaction rebroadcast under the same nonce.
	ReplaceAfter    time.Duration
	MaxReplacements int
	// PriorityFee is the floor for the initial tip.
	PriorityFee *big.Int
	// FeeBumpPercent is applied to both tip and fee cap per replacement.
	// Nodes reject replacements below a 10% bump, so that is the floor.
	FeeBumpPercent int64
	// LingerAfterDeadline bounds how long an accepted but unmined
	// broadcast is still tracked past the absolute deadline.
	LingerAfterDeadline time.Duration
}

func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		PollInterval:        2 * time.Second,
		ReplaceAfter:        24 * time.Second,
		MaxReplacements:     3,
		PriorityFee:         big.NewInt(2_000_000_000), // 2 gwei
		FeeBumpPercent:      25,
		LingerAfterDeadline: 24 * time.Second,
	}
}

// SubmissionResult is the terminal outcome of one settlement submission.
type SubmissionResult struct {
	State        SubmitState
	Nonce        uint64
	Hashes       []common.Hash
	MinedHash    common.Hash
	Replacements int
}

// Submitter owns the submit/monitor/replace/finalize lifecycle for chosen
// settlements. One submitter serves one signing account; the nonce source
// serializes allocation against broadcast.
type Submitter struct {
	log    *zap.Logger
	ledger LedgerClient
	nonces *NonceSource
	key    *ecdsa.PrivateKey
	sender common.Address
	signer types.Signer
	chain  *big.Int
	clock  Clock
	cfg    SubmitterConfig

	mu        sync.Mutex
	cancelled map[string]struct{}
}

func NewSubmitter(
	log *zap.Logger, ledger LedgerClient, nonces *NonceSource,
	key *ecdsa.PrivateKey, chainID *big.Int, clock Clock, cfg SubmitterConfig,
) *Submitter {
	return &Submitter{
		log:       log.Named("submitter"),
		ledger:    ledger,
		nonces:    nonces,
		key:       key,
		sender:    crypto.PubkeyToAddress(key.PublicKey),
		signer:    types.LatestSignerForChainID(chainID),
		chain:     chainID,
		clock:     clock,
		cfg:       cfg,
		cancelled: make(map[string]struct{}),
	}
}

func (s *Submitter) Sender() common.Address { return s.sender }

// Cancel requests operator cancellation of an in-flight settlement. After
// broadcast a settlement can only be pre-empted by a replacement under the
// same nonce, never silently dropped.
func (s *Submitter) Cancel(settlementID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[settlementID] = struct{}{}
}

func (s *Submitter) isCancelled(settlementID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[settlementID]
	return ok
}

func (s *Submitter) forgetCancel(settlementID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, settlementID)
}

// Submit drives the settlement to a terminal state before deadline. The
// returned error is non-nil only for SubmitExpired caused by rejected
// broadcasts (ErrSubmissionFailure); all other terminal states are
// reported through the result alone.
func (s *Submitter) Submit(ctx context.Context, settlement *Settlement, deadline time.Time) (*SubmissionResult, error) {
	defer s.forgetCancel(settlement.ID)
	logger := s.log.With(zap.String("settlement", settlement.ID), zap.String("auction", settlement.AuctionID))

	tip, feeCap, err := s.initialFees(ctx)
	if err != nil {
		return &SubmissionResult{State: SubmitExpired}, fmt.Errorf("%w: %v", ErrSubmissionFailure, err)
	}

	result := &SubmissionResult{State: SubmitPending}

	// Broadcast with a fresh nonce, retrying rejected broadcasts with
	// bounded backoff while round time remains.
	broadcast := func() error {
		return s.nonces.WithNonce(ctx, func(nonce uint64) error {
			tx, err := s.signSettlementTx(settlement, nonce, tip, feeCap)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := s.ledger.SendTransaction(ctx, tx); err != nil {
				return err
			}
			result.Nonce = nonce
			result.Hashes = []common.Hash{tx.Hash()}
			return nil
		})
	}
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = time.Until(deadline)
	if err := backoff.Retry(broadcast, backoff.WithContext(exp, ctx)); err != nil {
		logger.Error("Broadcast rejected, settlement expired", zap.Error(err))
		result.State = SubmitExpired
		metrics.IncSettlements(result.State.String())
		return result, fmt.Errorf("%w: %v", ErrSubmissionFailure, err)
	}

	result.State = SubmitSubmitted
	metrics.IncSettlements(result.State.String())
	logger.Info("Settlement broadcast",
		zap.Uint64("nonce", result.Nonce),
		zap.String("hash", result.Hashes[0].Hex()),
		zap.String("tip", tip.String()),
		zap.String("fee_cap", feeCap.String()),
	)

	s.monitor(ctx, logger, settlement, deadline, tip, feeCap, result)
	metrics.IncSettlements(result.State.String())
	return result, nil
}

// monitor polls inclusion and applies the replacement schedule until the
// submission reaches a terminal state.
func (s *Submitter) monitor(
	ctx context.Context, logger *zap.Logger, settlement *Settlement,
	deadline time.Time, tip, feeCap *big.Int, result *SubmissionResult,
) {
	lastBroadcast := s.clock.Now()
	hardStop := deadline.Add(s.cfg.LingerAfterDeadline)

	for {
		select {
		case <-ctx.Done():
			result.State = SubmitExpired
			return
		case <-s.clock.After(s.cfg.PollInterval):
		}
		now := s.clock.Now()

		// Newest hash first: a replacement supersedes earlier broadcasts.
		for i := len(result.Hashes) - 1; i >= 0; i-- {
			status, err := s.ledger.TransactionStatus(ctx, result.Hashes[i])
			if err != nil {
				logger.Warn("Failed to poll transaction status", zap.Error(err), zap.String("hash", result.Hashes[i].Hex()))
				continue
			}
			switch status {
			case TxMined:
				result.MinedHash = result.Hashes[i]
				result.State = SubmitMined
				logger.Info("Settlement mined", zap.String("hash", result.MinedHash.Hex()), zap.Int("replacements", result.Replacements))
				return
			case TxReverted:
				result.MinedHash = result.Hashes[i]
				result.State = SubmitReverted
				logger.Warn("Settlement mined but reverted", zap.String("hash", result.MinedHash.Hex()))
				return
			}
		}

		if s.isCancelled(settlement.ID) {
			if err := s.replaceWithCancel(ctx, result, &tip, &feeCap); err != nil {
				logger.Warn("Failed to broadcast cancellation", zap.Error(err))
				continue
			}
			result.State = SubmitReplaced
			logger.Info("Settlement replaced by operator cancellation", zap.Uint64("nonce", result.Nonce))
			return
		}

		if now.After(hardStop) {
			result.State = SubmitExpired
			logger.Warn("Settlement expired without inclusion", zap.Int("replacements", result.Replacements))
			return
		}

		if now.Sub(lastBroadcast) >= s.cfg.ReplaceAfter &&
			result.Replacements < s.cfg.MaxReplacements &&
			now.Before(deadline) {
			tip, feeCap = s.bumpFees(tip, feeCap)
			err := s.nonces.Reuse(result.Nonce, func(nonce uint64) error {
				tx, err := s.signSettlementTx(settlement, nonce, tip, feeCap)
				if err != nil {
					return err
				}
				if err := s.ledger.SendTransaction(ctx, tx); err != nil {
					return err
				}
				result.Hashes = append(result.Hashes, tx.Hash())
				return nil
			})
			if err != nil {
				logger.Warn("Replacement broadcast rejected", zap.Error(err))
				continue
			}
			result.Replacements++
			lastBroadcast = now
			metrics.IncTxReplacements()
			logger.Info("Rebroadcast settlement with bumped fee",
				zap.Uint64("nonce", result.Nonce),
				zap.String("hash", result.Hashes[len(result.Hashes)-1].Hex()),
				zap.String("tip", tip.String()),
				zap.Int("replacement", result.Replacements),
			)
		}
	}
}

func (s *Submitter) signSettlementTx(settlement *Settlement, nonce uint64, tip, feeCap *big.Int) (*types.Transaction, error) {
	return types.SignNewTx(s.key, s.signer, &types.DynamicFeeTx{
		ChainID:   s.chain,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       settlement.GasLimit,
		To:        &settlement.To,
		Data:      settlement.CallData,
	})
}

// replaceWithCancel broadcasts a zero-value self transfer under the same
// nonce with bumped fees, pre-empting the settlement.
func (s *Submitter) replaceWithCancel(ctx context.Context, result *SubmissionResult, tip, feeCap **big.Int) error {
	*tip, *feeCap = s.bumpFees(*tip, *feeCap)
	return s.nonces.Reuse(result.Nonce, func(nonce uint64) error {
		tx, err := types.SignNewTx(s.key, s.signer, &types.DynamicFeeTx{
			ChainID:   s.chain,
			Nonce:     nonce,
			GasTipCap: *tip,
			GasFeeCap: *feeCap,
			Gas:       21000,
			To:        &s.sender,
		})
		if err != nil {
			return err
		}
		if err := s.ledger.SendTransaction(ctx, tx); err != nil {
			return err
		}
		result.Hashes = append(result.Hashes, tx.Hash())
		return nil
	})
}

func (s *Submitter) initialFees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	baseFee, err := s.ledger.BaseFee(ctx)
	if err != nil {
		return nil, nil, err
	}
	tip, err = s.ledger.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	if tip.Cmp(s.cfg.PriorityFee) < 0 {
		tip = new(big.Int).Set(s.cfg.PriorityFee)
	}
	// fee cap covers a doubling of the base fee during the round
	feeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

// bumpFees returns monotonically increased fees for the next replacement.
func (s *Submitter) bumpFees(tip, feeCap *big.Int) (*big.Int, *big.Int) {
	bump := s.cfg.FeeBumpPercent
	if bump < 10 {
		bump = 10
	}
	factor := big.NewInt(100 + bump)
	newTip := new(big.Int).Mul(tip, factor)
	newTip.Div(newTip, big.NewInt(100))
	newFeeCap := new(big.Int).Mul(feeCap, factor)
	newFeeCap.Div(newFeeCap, big.NewInt(100))
	return newTip, newFeeCap
}
