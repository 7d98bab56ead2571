package auction

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gocache "github.com/patrickmn/go-cache"
	"github.com/ybbus/jsonrpc/v3"
)

const priceCacheCleanupInterval = 5 * time.Second

// PriceSource yields external reference prices: the native value of one
// base unit of each token. Reference prices anchor solution scoring, they
// are never used to settle.
type PriceSource interface {
	ReferencePrices(ctx context.Context, tokens []common.Address) (map[common.Address]*hexutil.Big, error)
}

type JSONRPCPriceSource struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCPriceSource(url string) *JSONRPCPriceSource {
	return &JSONRPCPriceSource{
		client: jsonrpc.NewClient(url),
	}
}

func (s *JSONRPCPriceSource) ReferencePrices(ctx context.Context, tokens []common.Address) (map[common.Address]*hexutil.Big, error) {
	var prices map[common.Address]*hexutil.Big
	err := s.client.CallFor(ctx, &prices, ReferencePricesEndpointName, tokens)
	return prices, err
}

// CachingPriceSource caches reference prices per token and deduplicates
// concurrent fetches for the same token set, so a burst of rounds over
// the same pairs produces one upstream call.
type CachingPriceSource struct {
	inner PriceSource
	cache *gocache.Cache

	mu       sync.Mutex
	inflight map[common.Address][]chan error
}

func NewCachingPriceSource(inner PriceSource, cacheTime time.Duration) *CachingPriceSource {
	return &CachingPriceSource{
		inner:    inner,
		cache:    gocache.New(cacheTime, priceCacheCleanupInterval),
		inflight: make(map[common.Address][]chan error),
	}
}

func (s *CachingPriceSource) ReferencePrices(ctx context.Context, tokens []common.Address) (map[common.Address]*hexutil.Big, error) {
	prices := make(map[common.Address]*hexutil.Big, len(tokens))

	var missing []common.Address
	for _, token := range tokens {
		if v, ok := s.cache.Get(token.Hex()); ok {
			prices[token] = v.(*hexutil.Big)
		} else {
			missing = append(missing, token)
		}
	}
	if len(missing) == 0 {
		return prices, nil
	}

	fetch, wait := s.claim(missing)
	if len(fetch) > 0 {
		fetched, err := s.inner.ReferencePrices(ctx, fetch)
		if err == nil {
			for token, price := range fetched {
				s.cache.SetDefault(token.Hex(), price)
			}
		}
		s.resolve(fetch, err)
		if err != nil {
			return nil, err
		}
	}
	for _, ch := range wait {
		select {
		case err := <-ch:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, token := range missing {
		if v, ok := s.cache.Get(token.Hex()); ok {
			prices[token] = v.(*hexutil.Big)
		}
	}
	return prices, nil
}

// claim splits missing tokens into ones this caller must fetch and wait
// channels for tokens some other caller is already fetching.
func (s *CachingPriceSource) claim(tokens []common.Address) (fetch []common.Address, wait []chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		if _, ok := s.inflight[token]; ok {
			ch := make(chan error, 1)
			s.inflight[token] = append(s.inflight[token], ch)
			wait = append(wait, ch)
		} else {
			s.inflight[token] = nil
			fetch = append(fetch, token)
		}
	}
	return fetch, wait
}

func (s *CachingPriceSource) resolve(tokens []common.Address, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		for _, ch := range s.inflight[token] {
			ch <- err
			close(ch)
		}
		delete(s.inflight, token)
	}
}
