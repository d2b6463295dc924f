package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/observability"

	"github.com/rs/zerolog"
)

// ErrBatchLost means a batch could not be made durable. The worker stops at the
// first lost batch: writing later events would leave a sequence gap in the log.
var ErrBatchLost = errors.New("persistence batch lost")

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The exchange sends to that channel with a blocking send, so if this worker
// falls behind the markets stall and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	markets      *MarketStore
	inputChan    <-chan core.CoreOutput
	forward      []chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	drainTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// WorkerOptions configures a PersistenceWorker
type WorkerOptions struct {
	BatchSize    int
	FlushTimeout time.Duration
	// DrainTimeout bounds the retries of the final flush on shutdown
	DrainTimeout time.Duration
	// Forward channels receive every output once it is durable, with a non-blocking
	// send. The projection worker and the outbound publisher listen here.
	Forward []chan<- core.CoreOutput
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewPersistenceWorker(db *sql.DB, inputChan <-chan core.CoreOutput, opts WorkerOptions) *PersistenceWorker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 50 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		markets:      NewMarketStore(db),
		inputChan:    inputChan,
		forward:      opts.Forward,
		batchSize:    opts.BatchSize,
		flushTimeout: opts.FlushTimeout,
		drainTimeout: opts.DrainTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the flush
// timeout expires. Blocks until ctx is cancelled or the input channel closes.
// A batch that cannot be written ends the run with ErrBatchLost; the markets then
// stall on their blocking send instead of advancing past the durable log.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) error {
		if len(batch) == 0 {
			return nil
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			first := batch[0].Envelope
			pw.logger.Error().Err(err).
				Str("reason", reason).
				Str("market", first.MarketID).
				Int64("sequence", first.Sequence).
				Int("events", len(batch)).
				Msg("batch flush failed, persistence halted")
			pw.countError("batch_lost")
			return fmt.Errorf("%w: %d events from %s seq %d: %v", ErrBatchLost, len(batch), first.MarketID, first.Sequence, err)
		}
		batch = batch[:0]
		return nil
	}

	drainFlush := func(reason string) error {
		dctx, cancel := context.WithTimeout(context.Background(), pw.drainTimeout)
		defer cancel()
		return flush(dctx, reason)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what the markets already handed over
		drain:
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					batch = append(batch, output)
				default:
					break drain
				}
			}
			if err := drainFlush("shutdown"); err != nil {
				return err
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return drainFlush("closed")
			}

			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				if err := flush(ctx, "full"); err != nil {
					return err
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx, "timeout"); err != nil {
				return err
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or ctx is
// cancelled, in which case one last attempt runs without a deadline.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var journals []JournalRow
	for _, output := range batch {
		row, js := RowsFromOutput(output)
		events = append(events, row)
		journals = append(journals, js...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	for _, output := range batch {
		if err := pw.markets.Apply(ctx, tx, output); err != nil {
			pw.countError("write_registry")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
	}

	for _, ch := range pw.forward {
		for _, output := range batch {
			select {
			case ch <- output:
			default:
				// Consumers catch up from the event log
			}
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
