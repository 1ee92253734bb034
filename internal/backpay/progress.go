package backpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// BatchStatus is the lifecycle state of a bulk process batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// BatchError records one failed item of a batch.
type BatchError struct {
	RequestID string `json:"request_id"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

// Batch is the observable progress of a bulk process run.
type Batch struct {
	ID              string       `json:"batch_id"`
	Status          BatchStatus  `json:"status"`
	Processed       int          `json:"processed"`
	Total           int          `json:"total"`
	Percentage      int          `json:"percentage"`
	CurrentEmployee string       `json:"current_employee"`
	Calculated      int          `json:"calculated"`
	Approved        int          `json:"approved"`
	ZeroArrears     int          `json:"zero_arrears"`
	Errors          []BatchError `json:"errors"`
	ActorID         int64        `json:"-"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// ItemOutcome is what happened to one request inside a batch.
type ItemOutcome struct {
	Calculated  bool
	Approved    bool
	ZeroArrears bool
	Err         *BatchError
}

// ErrBatchNotFound occurs when the batch id is unknown or has expired.
var ErrBatchNotFound = fmt.Errorf("backpay: batch not found: %w", shared.ErrNotFound)

const (
	fieldStatus      = "status"
	fieldProcessed   = "processed"
	fieldTotal       = "total"
	fieldCurrent     = "current_employee"
	fieldCalculated  = "calculated"
	fieldApproved    = "approved"
	fieldZeroArrears = "zero_arrears"
	fieldActor       = "actor_id"
	fieldStartedAt   = "started_at"
	fieldFinishedAt  = "finished_at"
)

// ProgressStore keeps batch progress in redis so any API replica can serve it.
type ProgressStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProgressStore constructs the store. Batches expire ttl after their last write.
func NewProgressStore(client *redis.Client, ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressStore{client: client, ttl: ttl}
}

// Create writes a new batch record with the ordered request ids it will process.
func (s *ProgressStore) Create(ctx context.Context, b Batch, items []string) error {
	if s == nil || s.client == nil {
		return errors.New("backpay: progress store not initialised")
	}
	key := shared.BackpayBatchKey(b.ID)
	values := map[string]any{
		fieldStatus:      string(b.Status),
		fieldProcessed:   b.Processed,
		fieldTotal:       b.Total,
		fieldCurrent:     b.CurrentEmployee,
		fieldCalculated:  b.Calculated,
		fieldApproved:    b.Approved,
		fieldZeroArrears: b.ZeroArrears,
		fieldActor:       b.ActorID,
		fieldStartedAt:   b.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if b.FinishedAt != nil {
		values[fieldFinishedAt] = b.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, s.ttl)
		if len(items) > 0 {
			itemsKey := shared.BackpayBatchItemsKey(b.ID)
			args := make([]any, len(items))
			for i, id := range items {
				args[i] = id
			}
			pipe.RPush(ctx, itemsKey, args...)
			pipe.Expire(ctx, itemsKey, s.ttl)
		}
		for _, e := range b.Errors {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			pipe.RPush(ctx, shared.BackpayBatchErrorsKey(b.ID), raw)
		}
		if len(b.Errors) > 0 {
			pipe.Expire(ctx, shared.BackpayBatchErrorsKey(b.ID), s.ttl)
		}
		return nil
	})
	return err
}

// Items returns the request ids of a batch in processing order.
func (s *ProgressStore) Items(ctx context.Context, batchID string) ([]string, error) {
	return s.client.LRange(ctx, shared.BackpayBatchItemsKey(batchID), 0, -1).Result()
}

// SetCurrent records the employee being worked on.
func (s *ProgressStore) SetCurrent(ctx context.Context, batchID, employee string) error {
	return s.client.HSet(ctx, shared.BackpayBatchKey(batchID), fieldCurrent, employee).Err()
}

// RecordItem applies one item outcome atomically. processed only ever grows.
// A non-nil completedAt completes the batch in the same transaction, so
// readers never observe processed == total on a running batch.
func (s *ProgressStore) RecordItem(ctx context.Context, batchID string, out ItemOutcome, completedAt *time.Time) error {
	key := shared.BackpayBatchKey(batchID)
	errKey := shared.BackpayBatchErrorsKey(batchID)
	var raw []byte
	if out.Err != nil {
		var err error
		if raw, err = json.Marshal(out.Err); err != nil {
			return err
		}
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if out.Calculated {
			pipe.HIncrBy(ctx, key, fieldCalculated, 1)
		}
		if out.Approved {
			pipe.HIncrBy(ctx, key, fieldApproved, 1)
		}
		if out.ZeroArrears {
			pipe.HIncrBy(ctx, key, fieldZeroArrears, 1)
		}
		if raw != nil {
			pipe.RPush(ctx, errKey, raw)
			pipe.Expire(ctx, errKey, s.ttl)
		}
		pipe.HIncrBy(ctx, key, fieldProcessed, 1)
		if completedAt != nil {
			pipe.HSet(ctx, key,
				fieldStatus, string(BatchCompleted),
				fieldCurrent, "",
				fieldFinishedAt, completedAt.UTC().Format(time.RFC3339Nano))
			pipe.Del(ctx, shared.BackpayBatchCancelKey(batchID))
		}
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// Finish stores the terminal status of a batch.
func (s *ProgressStore) Finish(ctx context.Context, batchID string, status BatchStatus, at time.Time) error {
	key := shared.BackpayBatchKey(batchID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldStatus, string(status),
			fieldCurrent, "",
			fieldFinishedAt, at.UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, s.ttl)
		pipe.Del(ctx, shared.BackpayBatchCancelKey(batchID))
		return nil
	})
	return err
}

// AppendError adds a batch-level error without counting an item.
func (s *ProgressStore) AppendError(ctx context.Context, batchID string, e BatchError) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	errKey := shared.BackpayBatchErrorsKey(batchID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, errKey, raw)
		pipe.Expire(ctx, errKey, s.ttl)
		return nil
	})
	return err
}

// Get loads a batch with its errors.
func (s *ProgressStore) Get(ctx context.Context, batchID string) (Batch, error) {
	if s == nil || s.client == nil {
		return Batch{}, errors.New("backpay: progress store not initialised")
	}
	fields, err := s.client.HGetAll(ctx, shared.BackpayBatchKey(batchID)).Result()
	if err != nil {
		return Batch{}, err
	}
	if len(fields) == 0 {
		return Batch{}, ErrBatchNotFound
	}
	b := Batch{
		ID:              batchID,
		Status:          BatchStatus(fields[fieldStatus]),
		Processed:       atoi(fields[fieldProcessed]),
		Total:           atoi(fields[fieldTotal]),
		CurrentEmployee: fields[fieldCurrent],
		Calculated:      atoi(fields[fieldCalculated]),
		Approved:        atoi(fields[fieldApproved]),
		ZeroArrears:     atoi(fields[fieldZeroArrears]),
		Errors:          []BatchError{},
	}
	b.ActorID, _ = strconv.ParseInt(fields[fieldActor], 10, 64)
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldStartedAt]); err == nil {
		b.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldFinishedAt]); err == nil {
		b.FinishedAt = &ts
	}
	b.Percentage = Percentage(b.Processed, b.Total)

	raws, err := s.client.LRange(ctx, shared.BackpayBatchErrorsKey(batchID), 0, -1).Result()
	if err != nil {
		return Batch{}, err
	}
	for _, raw := range raws {
		var e BatchError
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		b.Errors = append(b.Errors, e)
	}
	return b, nil
}

// RequestCancel flags a running batch for cancellation.
func (s *ProgressStore) RequestCancel(ctx context.Context, batchID string) error {
	return s.client.Set(ctx, shared.BackpayBatchCancelKey(batchID), "1", s.ttl).Err()
}

// CancelRequested reports whether cancellation was requested.
func (s *ProgressStore) CancelRequested(ctx context.Context, batchID string) (bool, error) {
	n, err := s.client.Exists(ctx, shared.BackpayBatchCancelKey(batchID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Percentage returns round(100*processed/total); an empty batch is complete.
func Percentage(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(processed) / float64(total)))
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
