package auditqueue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

type packArgs struct {
	data      []byte
	timestamp time.Time
	iteration uint16
}

// packData returns the sorted-set score and the packed value. The score
// is the submission time so items drain oldest first; the retry count is
// packed into the value so items with the same score sort retries last.
// Layout: iteration(2 bytes):timestamp(8 bytes):data.
func packData(a packArgs) (float64, []byte) {
	score := float64(a.timestamp.UnixNano())
	value := make([]byte, 10+len(a.data))
	binary.BigEndian.PutUint16(value[0:2], a.iteration)
	binary.BigEndian.PutUint64(value[2:10], uint64(a.timestamp.UnixNano()))
	copy(value[10:], a.data)
	return score, value
}

// unpackData unpacks a value produced by packData.
func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < 10 {
		return packArgs{}, errInvalidPackedData
	}
	_ = score
	return packArgs{
		data:      packedData[10:],
		timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(packedData[2:10]))),
		iteration: binary.BigEndian.Uint16(packedData[0:2]),
	}, nil
}

// ConfigFromEnv loads queue tuning from environment:
// - `AUDITQUEUE_MAX_RETRIES`
// - `AUDITQUEUE_MAX_QUEUED_ITEMS`
// - `AUDITQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv(q *RedisQueue) error {
	if val := os.Getenv("AUDITQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return err
		}
		q.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("AUDITQUEUE_MAX_QUEUED_ITEMS"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		q.MaxQueued = maxQueued
	}
	if val := os.Getenv("AUDITQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		timeoutMS, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		q.WorkerTimeout = time.Duration(timeoutMS) * time.Millisecond
	}
	return nil
}
