package auction

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/clearbatch/auction-node/auditqueue"
	"github.com/clearbatch/auction-node/metrics"
)

// QueueAuditStore implements AuditStore by enqueueing reports into the
// audit queue. The push is the only thing the round loop waits on; the
// database write happens later in a drain worker.
type QueueAuditStore struct {
	log   *zap.Logger
	queue auditqueue.Queue
}

func NewQueueAuditStore(log *zap.Logger, queue auditqueue.Queue) *QueueAuditStore {
	return &QueueAuditStore{
		log:   log.Named("audit"),
		queue: queue,
	}
}

func (s *QueueAuditStore) RecordRound(ctx context.Context, report *RoundReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	err = s.queue.Push(ctx, data)
	if errors.Is(err, auditqueue.ErrQueueFull) {
		// Audit history is best effort; dropping a record beats stalling
		// the round loop behind a dead database.
		s.log.Error("Audit queue full, dropping round record", zap.String("auction", report.AuctionID))
		metrics.IncAuditRecordsDropped()
		return nil
	}
	return err
}

// AuditWorker drains queued reports into the database.
type AuditWorker struct {
	log   *zap.Logger
	store *DBBackend
}

func NewAuditWorker(log *zap.Logger, store *DBBackend) *AuditWorker {
	return &AuditWorker{
		log:   log.Named("audit-worker"),
		store: store,
	}
}

func (w *AuditWorker) Process(ctx context.Context, data []byte, info auditqueue.ItemInfo) error {
	var report RoundReport
	if err := json.Unmarshal(data, &report); err != nil {
		w.log.Error("Failed to unmarshal round record", zap.Error(err))
		return auditqueue.ErrProcessUnrecoverable
	}
	if err := w.store.RecordRound(ctx, &report); err != nil {
		w.log.Warn("Failed to persist round record, will retry",
			zap.Error(err),
			zap.String("auction", report.AuctionID),
			zap.Int("retries", info.Retries),
		)
		return errors.Join(err, auditqueue.ErrProcessRetry)
	}
	metrics.IncAuditRecordsPersisted()
	return nil
}
