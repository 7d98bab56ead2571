package auction

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/auditqueue"
)

type fakeQueue struct {
	mu      sync.Mutex
	pushed  [][]byte
	pushErr error
}

func (f *fakeQueue) Push(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, data)
	return nil
}

func (f *fakeQueue) StartProcessLoop(ctx context.Context, workers []auditqueue.ProcessFunc) *sync.WaitGroup {
	return &sync.WaitGroup{}
}

func TestQueueAuditStoreRecordRound(t *testing.T) {
	queue := &fakeQueue{}
	store := NewQueueAuditStore(zap.NewNop(), queue)

	report := &RoundReport{
		AuctionID:  "auction-1",
		Winner:     "alpha",
		Outcome:    OutcomeSettled,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordRound(context.Background(), report))
	require.Len(t, queue.pushed, 1)

	var decoded RoundReport
	require.NoError(t, json.Unmarshal(queue.pushed[0], &decoded))
	require.Equal(t, "auction-1", decoded.AuctionID)
	require.Equal(t, OutcomeSettled, decoded.Outcome)
}

func TestQueueAuditStoreDropsOnFullQueue(t *testing.T) {
	queue := &fakeQueue{pushErr: auditqueue.ErrQueueFull}
	store := NewQueueAuditStore(zap.NewNop(), queue)

	// a full queue must not fail the round loop
	err := store.RecordRound(context.Background(), &RoundReport{AuctionID: "auction-1"})
	require.NoError(t, err)
}

func TestAuditWorkerRejectsGarbage(t *testing.T) {
	worker := NewAuditWorker(zap.NewNop(), nil)

	err := worker.Process(context.Background(), []byte("not json"), auditqueue.ItemInfo{})
	require.ErrorIs(t, err, auditqueue.ErrProcessUnrecoverable)
}
