package sysdb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"durable-workflows/core/services/workflow"
)

const (
	bufferFlushBatchSize = 100
	bufferFlushInterval  = time.Second
)

// writeBuffer batches status and inputs upserts from high-frequency step
// journaling. Last-write-wins per workflow within a flush interval.
//
// workflow_inputs carries a foreign key to workflow_status, so inputs of a
// buffered single-transaction workflow may only be flushed after its status
// row is durable; exportedTempTxn is the gate between the two stages.
type writeBuffer struct {
	mu              sync.Mutex
	statuses        map[string]*workflow.StatusRecord
	inputs          map[string]string
	tempTxnIDs      map[string]struct{}
	exportedTempTxn map[string]struct{}

	flushingStatus atomic.Bool
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{
		statuses:        make(map[string]*workflow.StatusRecord),
		inputs:          make(map[string]string),
		tempTxnIDs:      make(map[string]struct{}),
		exportedTempTxn: make(map[string]struct{}),
	}
}

func (b *writeBuffer) markStatusExported(workflowUUID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tempTxnIDs[workflowUUID]; ok {
		b.exportedTempTxn[workflowUUID] = struct{}{}
	}
}

func (b *writeBuffer) clearTempTxnTracking(workflowUUID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exportedTempTxn, workflowUUID)
	delete(b.tempTxnIDs, workflowUUID)
}

func (b *writeBuffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.statuses) == 0 && len(b.inputs) == 0
}

// BufferWorkflowStatus queues a status upsert for the next flush pass.
func (s *SystemDatabase) BufferWorkflowStatus(status *workflow.StatusRecord) {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	s.buf.statuses[status.WorkflowUUID] = status
}

// BufferWorkflowInputs queues serialized inputs for the next flush pass and
// marks the workflow as a buffered single-transaction workflow, gating the
// inputs write behind the status write.
func (s *SystemDatabase) BufferWorkflowInputs(workflowUUID, inputs string) {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	s.buf.inputs[workflowUUID] = inputs
	s.buf.tempTxnIDs[workflowUUID] = struct{}{}
}

// RunBufferFlushLoop drains the buffers once a second until the context is
// cancelled or the instance is destroyed. Status flushes before inputs;
// reversing the order violates the workflow_inputs foreign key.
func (s *SystemDatabase) RunBufferFlushLoop(ctx context.Context) {
	for {
		s.buf.flushingStatus.Store(true)
		flushFailed := false
		if err := s.flushStatusBuffer(ctx); err != nil && ctx.Err() == nil {
			flushFailed = true
			slog.Error("Error while flushing status buffer", "error", err)
		}
		if err := s.flushInputsBuffer(ctx); err != nil && ctx.Err() == nil {
			flushFailed = true
			slog.Error("Error while flushing inputs buffer", "error", err)
		}
		s.buf.flushingStatus.Store(false)

		if !flushFailed && !s.buf.empty() {
			// Keep draining without sleeping, but stay responsive to shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			default:
				continue
			}
		}
		// A failed flush restores its batch, so the buffer looks non-empty;
		// wait out the interval instead of retrying in a hot loop.
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(bufferFlushInterval):
		}
	}
}

// flushStatusBuffer writes up to one batch of buffered status rows in a
// single transaction. On any error the batch is rolled back and the popped
// entries are restored for the next pass.
func (s *SystemDatabase) flushStatusBuffer(ctx context.Context) error {
	batch := s.popStatusBatch()
	if len(batch) == 0 {
		return nil
	}

	flushed, err := s.writeStatusBatch(ctx, batch)
	if err != nil {
		s.restoreStatusBatch(batch)
		return err
	}
	for _, id := range flushed {
		s.buf.markStatusExported(id)
	}
	return nil
}

func (s *SystemDatabase) popStatusBatch() map[string]*workflow.StatusRecord {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	batch := make(map[string]*workflow.StatusRecord, bufferFlushBatchSize)
	for id, status := range s.buf.statuses {
		if len(batch) >= bufferFlushBatchSize {
			break
		}
		batch[id] = status
		delete(s.buf.statuses, id)
	}
	return batch
}

func (s *SystemDatabase) restoreStatusBatch(batch map[string]*workflow.StatusRecord) {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	for id, status := range batch {
		// A fresher buffered status wins over the restored one.
		if _, ok := s.buf.statuses[id]; !ok {
			s.buf.statuses[id] = status
		}
	}
}

func (s *SystemDatabase) writeStatusBatch(ctx context.Context, batch map[string]*workflow.StatusRecord) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	flushed := make([]string, 0, len(batch))
	for id, status := range batch {
		if err := s.updateWorkflowStatus(ctx, tx, status, UpdateStatusOptions{Replace: true}); err != nil {
			return nil, err
		}
		flushed = append(flushed, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return flushed, nil
}

// flushInputsBuffer writes up to one batch of buffered inputs. An inputs row
// is eligible only once its status row is durable: either the workflow is
// not a buffered single-transaction workflow, or its status export has been
// recorded.
func (s *SystemDatabase) flushInputsBuffer(ctx context.Context) error {
	batch := s.popInputsBatch()
	if len(batch) == 0 {
		return nil
	}

	flushed, err := s.writeInputsBatch(ctx, batch)
	if err != nil {
		s.restoreInputsBatch(batch)
		return err
	}
	for _, id := range flushed {
		s.buf.clearTempTxnTracking(id)
	}
	return nil
}

func (s *SystemDatabase) popInputsBatch() map[string]string {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	batch := make(map[string]string, bufferFlushBatchSize)
	for id, inputs := range s.buf.inputs {
		if len(batch) >= bufferFlushBatchSize {
			break
		}
		if _, temp := s.buf.tempTxnIDs[id]; temp {
			if _, exported := s.buf.exportedTempTxn[id]; !exported {
				// Status not durable yet; skip until a later pass.
				continue
			}
		}
		batch[id] = inputs
		delete(s.buf.inputs, id)
	}
	return batch
}

func (s *SystemDatabase) restoreInputsBatch(batch map[string]string) {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	for id, inputs := range batch {
		if _, ok := s.buf.inputs[id]; !ok {
			s.buf.inputs[id] = inputs
		}
	}
}

func (s *SystemDatabase) writeInputsBatch(ctx context.Context, batch map[string]string) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	flushed := make([]string, 0, len(batch))
	for id, inputs := range batch {
		if err := s.updateWorkflowInputs(ctx, tx, id, inputs); err != nil {
			return nil, err
		}
		flushed = append(flushed, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return flushed, nil
}

// WaitForBufferFlush blocks until no flush pass is in progress and both
// buffers are empty. Used by shutdown before the flush loop is stopped.
func (s *SystemDatabase) WaitForBufferFlush(ctx context.Context) error {
	for s.buf.flushingStatus.Load() || !s.buf.empty() {
		slog.Debug("Waiting for system buffers to be exported")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}
