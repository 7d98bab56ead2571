package auction

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gocache "github.com/patrickmn/go-cache"
)

// TxStatus is the tracked inclusion state of one on-ledger transaction hash.
type TxStatus uint8

const (
	TxUnknown TxStatus = iota
	TxPending
	TxMined
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// LedgerClient is a thin adapter over the public ledger node.
type LedgerClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error)
}

// EthLedgerClient implements LedgerClient on top of a go-ethereum client.
type EthLedgerClient struct {
	eth *ethclient.Client
}

func NewEthLedgerClient(eth *ethclient.Client) *EthLedgerClient {
	return &EthLedgerClient{eth: eth}
}

func (c *EthLedgerClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *EthLedgerClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *EthLedgerClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *EthLedgerClient) BaseFee(ctx context.Context) (*big.Int, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return big.NewInt(0), nil
	}
	return header.BaseFee, nil
}

func (c *EthLedgerClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

func (c *EthLedgerClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, call, blockNumber)
}

func (c *EthLedgerClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, call)
}

func (c *EthLedgerClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *EthLedgerClient) TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		// No receipt yet. Distinguish a tx the node still knows about from
		// one that was dropped.
		_, pending, txErr := c.eth.TransactionByHash(ctx, hash)
		if errors.Is(txErr, ethereum.NotFound) {
			return TxUnknown, nil
		}
		if txErr != nil {
			return TxUnknown, txErr
		}
		_ = pending
		return TxPending, nil
	}
	if err != nil {
		return TxUnknown, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxMined, nil
	}
	return TxReverted, nil
}

const (
	blockNumberCacheKey             = "blockNumber"
	blockNumberCacheTime            = 2 * time.Second
	blockNumberCacheCleanupInterval = 10 * time.Second
)

// CachingLedgerClient caches the block number for a short interval so the
// builder and driver do not hammer the node once per component.
type CachingLedgerClient struct {
	LedgerClient

	cache *gocache.Cache
}

func NewCachingLedgerClient(inner LedgerClient) *CachingLedgerClient {
	return &CachingLedgerClient{
		LedgerClient: inner,
		cache:        gocache.New(blockNumberCacheTime, blockNumberCacheCleanupInterval),
	}
}

// BlockNumber returns the most recent block number, cached for 2 seconds.
// Errors are not cached.
func (c *CachingLedgerClient) BlockNumber(ctx context.Context) (uint64, error) {
	if v, ok := c.cache.Get(blockNumberCacheKey); ok {
		return v.(uint64), nil
	}
	blockNumber, err := c.LedgerClient.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	c.cache.SetDefault(blockNumberCacheKey, blockNumber)
	return blockNumber, nil
}
