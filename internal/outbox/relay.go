// Package outbox drives the transactional-outbox consumers (BM25 and vector
// index) off internal/storage's checkpointed entry log
// (spec §4.8 Relay).
package outbox

import (
	"context"

	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
)

const defaultBatchSize = 200

// Consumer processes one outbox entry. Implementations must be idempotent:
// the relay may hand the same entry to Process more than once after a
// partial-batch failure (spec §4.8: "re-processing an entry must be
// idempotent").
type Consumer interface {
	ConsumerID() string
	Process(ctx context.Context, entry model.OutboxEntry) error
}

// Relay reads a consumer's unprocessed entries in batches and advances its
// checkpoint.
type Relay struct {
	store     *storage.Store
	log       *zap.Logger
	batchSize int
}

func New(store *storage.Store, logger *zap.Logger) *Relay {
	return &Relay{store: store, log: logger.Named("outbox"), batchSize: defaultBatchSize}
}

// RunOnce reads one batch for consumer starting after its current
// checkpoint, processes every entry (continue-on-error: a failing entry is
// logged but does not stop the rest of the batch from running), and
// advances the checkpoint only up to the last entry that succeeded with no
// earlier failure in the batch — so a failed entry and everything after it
// is retried on the next tick (spec §4.8 Failure policy), while independent
// successes later in the same batch still run immediately instead of
// waiting for a retry.
func (r *Relay) RunOnce(ctx context.Context, consumer Consumer) (processed int, err error) {
	checkpoint, err := r.store.GetCheckpoint(consumer.ConsumerID())
	if err != nil {
		return 0, err
	}
	entries, err := r.store.ReadOutboxAfter(checkpoint, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	advanceTo := checkpoint
	sawFailure := false
	for _, entry := range entries {
		if procErr := consumer.Process(ctx, entry); procErr != nil {
			sawFailure = true
			r.log.Warn("consumer failed on outbox entry, will retry next tick",
				zap.String("consumer_id", consumer.ConsumerID()),
				zap.Uint64("entry_id", entry.EntryID),
				zap.String("entry_type", string(entry.EntryType)),
				zap.Error(procErr))
			continue
		}
		processed++
		if !sawFailure {
			advanceTo = entry.EntryID
		}
	}

	if advanceTo != checkpoint {
		if err := r.store.PutCheckpoint(consumer.ConsumerID(), advanceTo); err != nil {
			return processed, err
		}
	}
	return processed, nil
}
