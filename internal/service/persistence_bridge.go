package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/observability"
	"github.com/kursadbilgin/callback-engine/internal/repository"
	"github.com/kursadbilgin/callback-engine/internal/store"
	"go.uber.org/zap"
)

const (
	defaultStorageNamespace  = "callbacks"
	defaultPersistenceBuffer = 256
	persistenceWriteTimeout  = 5 * time.Second
)

type persistenceOpKind int

const (
	opPut persistenceOpKind = iota
	opDelete
	opAttempt
)

func (k persistenceOpKind) String() string {
	switch k {
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	case opAttempt:
		return "attempt"
	default:
		return "unknown"
	}
}

type persistenceOp struct {
	kind    persistenceOpKind
	key     string
	value   []byte
	attempt domain.CallbackAttempt
}

// PersistenceBridge mirrors store changes into a KVStore and writes the
// attempt log. Writes are queued and never block the caller; a full queue
// drops the write.
type PersistenceBridge struct {
	kv        repository.KVStore
	attempts  repository.AttemptRepository
	namespace string
	queue     chan persistenceOp
	logger    *zap.Logger
	metrics   *observability.Metrics
}

var (
	_ RecordStorage = (*PersistenceBridge)(nil)
	_ AttemptLog    = (*PersistenceBridge)(nil)
)

func NewPersistenceBridge(
	kv repository.KVStore,
	attempts repository.AttemptRepository,
	namespace string,
	buffer int,
	logger *zap.Logger,
) (*PersistenceBridge, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = defaultStorageNamespace
	}
	if buffer <= 0 {
		buffer = defaultPersistenceBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PersistenceBridge{
		kv:        kv,
		attempts:  attempts,
		namespace: namespace,
		queue:     make(chan persistenceOp, buffer),
		logger:    logger,
	}, nil
}

func (b *PersistenceBridge) SetMetrics(metrics *observability.Metrics) {
	b.metrics = metrics
}

// Attach mirrors every change of records into the KV store until the
// returned function is called.
func (b *PersistenceBridge) Attach(records *store.Store) (detach func()) {
	return records.Subscribe(func(change store.Change) {
		switch change.Kind {
		case store.ChangeUpserted:
			payload, err := json.Marshal(change.Record)
			if err != nil {
				b.metrics.IncPersistenceFailure("encode")
				b.logger.Error("failed to encode callback", zap.String("callbackId", change.Record.ID), zap.Error(err))
				return
			}
			b.enqueue(persistenceOp{kind: opPut, key: change.Record.ID, value: payload})
		case store.ChangeRemoved:
			b.enqueue(persistenceOp{kind: opDelete, key: change.Record.ID})
		}
	})
}

// Start drains the write queue until ctx is cancelled, then flushes what is left.
func (b *PersistenceBridge) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return nil
		case op := <-b.queue:
			b.apply(ctx, op)
		}
	}
}

// Pending reports how many writes are waiting in the queue.
func (b *PersistenceBridge) Pending() int {
	return len(b.queue)
}

func (b *PersistenceBridge) LoadAll(ctx context.Context) ([]domain.CallbackRequest, error) {
	raw, err := b.kv.GetAll(ctx, b.namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: load namespace %q: %v", domain.ErrPersistence, b.namespace, err)
	}

	records := make([]domain.CallbackRequest, 0, len(raw))
	for key, value := range raw {
		var rec domain.CallbackRequest
		if err := json.Unmarshal(value, &rec); err != nil {
			b.metrics.IncPersistenceFailure("decode")
			b.logger.Warn("skipping undecodable stored callback", zap.String("key", key), zap.Error(err))
			continue
		}
		if rec.ID == "" {
			rec.ID = key
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].RequestedAt.Equal(records[j].RequestedAt) {
			return records[i].RequestedAt.Before(records[j].RequestedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// SaveAll writes every record synchronously and returns how many succeeded.
func (b *PersistenceBridge) SaveAll(ctx context.Context, records []domain.CallbackRequest) (int, error) {
	saved := 0
	var errs []error
	for i := range records {
		payload, err := json.Marshal(records[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", records[i].ID, err))
			continue
		}
		if err := b.kv.Put(ctx, b.namespace, records[i].ID, payload); err != nil {
			errs = append(errs, fmt.Errorf("put %s: %w", records[i].ID, err))
			continue
		}
		saved++
	}

	if len(errs) > 0 {
		return saved, fmt.Errorf("%w: %v", domain.ErrPersistence, errors.Join(errs...))
	}
	return saved, nil
}

// Delete removes records synchronously.
func (b *PersistenceBridge) Delete(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		if err := b.kv.Delete(ctx, b.namespace, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, errors.Join(errs...))
	}
	return nil
}

func (b *PersistenceBridge) ClearAll(ctx context.Context) error {
	if err := b.kv.DeleteAll(ctx, b.namespace); err != nil {
		return fmt.Errorf("%w: clear namespace %q: %v", domain.ErrPersistence, b.namespace, err)
	}
	return nil
}

func (b *PersistenceBridge) RecordAttempt(ctx context.Context, attempt domain.CallbackAttempt) {
	if b.attempts == nil {
		return
	}
	b.enqueue(persistenceOp{kind: opAttempt, key: attempt.CallbackID, attempt: attempt})
}

func (b *PersistenceBridge) Attempts(ctx context.Context, callbackID string) ([]domain.CallbackAttempt, error) {
	if b.attempts == nil {
		return []domain.CallbackAttempt{}, nil
	}
	return b.attempts.GetByCallbackID(ctx, callbackID)
}

func (b *PersistenceBridge) enqueue(op persistenceOp) {
	select {
	case b.queue <- op:
	default:
		b.metrics.IncPersistenceFailure("queue_full")
		b.logger.Warn("persistence queue full, dropping write",
			zap.String("op", op.kind.String()),
			zap.String("key", op.key),
		)
	}
}

func (b *PersistenceBridge) flush() {
	for {
		select {
		case op := <-b.queue:
			b.apply(context.Background(), op)
		default:
			return
		}
	}
}

func (b *PersistenceBridge) apply(ctx context.Context, op persistenceOp) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistenceWriteTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opPut:
		err = b.kv.Put(writeCtx, b.namespace, op.key, op.value)
	case opDelete:
		err = b.kv.Delete(writeCtx, b.namespace, op.key)
	case opAttempt:
		attempt := op.attempt
		err = b.attempts.Create(writeCtx, &attempt)
	}

	if err != nil {
		b.metrics.IncPersistenceFailure(op.kind.String())
		b.logger.Error("persistence write failed",
			zap.String("op", op.kind.String()),
			zap.String("key", op.key),
			zap.Error(err),
		)
	}
}
