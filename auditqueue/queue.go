// Package auditqueue is a redis-backed write-behind queue for audit
// records. The round loop pushes records and returns immediately; worker
// goroutines drain the queue into the audit database with retries, so a
// slow or unavailable database never blocks round progress.
//
// Usage:
//  1. Create a queue with `NewRedisQueue`.
//  2. Start the drain loop with `StartProcessLoop`.
//  3. Push records with `Push`.
//
// Records are stored in one sorted set scored by submission time, so the
// drain order is oldest first. Items that fail to process are requeued up
// to `MaxRetries` times with their retry count packed into the stored
// value; retries sort after fresh items of the same age.
//
// NOTE: the queue is not 100% reliable. A worker that crashes between pop
// and process loses the one item it held. Audit records are write-mostly
// history, so this is an accepted trade.
package auditqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrRequeueFailed     = errors.New("item requeue failed")

	// ErrProcessRetry is returned by a ProcessFunc when the item should be
	// requeued and retried, for example when the database is down.
	ErrProcessRetry = errors.New("retry processing item")
	// ErrProcessUnrecoverable is returned by a ProcessFunc when the item
	// can never be processed and must be dropped.
	ErrProcessUnrecoverable = errors.New("item is unprocessable")
)

const (
	DefaultMaxRetries    = uint16(30)
	DefaultMaxQueued     = uint64(4096)
	DefaultWorkerTimeout = 4 * time.Second
)

// ItemInfo carries queue metadata into the ProcessFunc.
type ItemInfo struct {
	Retries  int
	QueuedAt time.Time
}

type ProcessFunc func(ctx context.Context, data []byte, info ItemInfo) error

type Queue interface {
	Push(ctx context.Context, data []byte) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string

	MaxRetries    uint16
	MaxQueued     uint64
	WorkerTimeout time.Duration
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:           log,
		red:           red,
		queueName:     queueName,
		MaxRetries:    DefaultMaxRetries,
		MaxQueued:     DefaultMaxQueued,
		WorkerTimeout: DefaultWorkerTimeout,
	}
}

// Push enqueues one record. It returns ErrQueueFull instead of growing
// the backlog without bound when the drain side is stuck.
func (s *RedisQueue) Push(ctx context.Context, data []byte) error {
	args := packArgs{
		data:      data,
		timestamp: time.Now(),
		iteration: 0,
	}
	if err := s.pushToQueue(ctx, args); err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Int("size", len(data)))
	return nil
}

func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	if queued >= s.MaxQueued {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued", s.MaxQueued))
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue pops the oldest item, blocking for up to 1 second when the
// queue is empty.
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, err
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// requeue uses its own backoff because losing items matters more than
	// draining fast
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.WorkerTimeout)
	defer workerCancel()
	info := ItemInfo{Retries: int(args.iteration), QueuedAt: args.timestamp}
	err = process(workerCtx, args.data, info)

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Warn("dropping unprocessable item", zap.Error(err))
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessRetry):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		if err := s.retryItem(ctx, args, back); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	timeInQueue := time.Since(args.timestamp)
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// StartProcessLoop spawns one goroutine per worker and returns a wait
// group for graceful shutdown; cancel the context to stop.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, back backoff.BackOff) error {
	if args.iteration >= s.MaxRetries {
		return ErrMaxRetriesReached
	}
	args.iteration++
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueue deletes all queued data. Slow and dangerous, testing only.
func (s *RedisQueue) CleanQueue(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
